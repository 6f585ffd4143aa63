package main

import (
	"bazaar/internal/auth"
	"bazaar/internal/models"
	"bazaar/internal/storage"
	"fmt"
	"os"
)

func main() {
	token := os.Getenv("CHAT_ACCESS_TOKEN")
	if len(os.Args) == 2 {
		token = os.Args[1]
	}
	if token == "" {
		fmt.Println("Usage: whoami <access-token>")
		os.Exit(1)
	}

	creds, err := auth.NewCredentialStore(storage.NewMemoryStorage())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := creds.Set(models.Credential{Token: token}); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	userID, err := creds.UserID()
	if err != nil {
		fmt.Printf("Error reading user id: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(userID)
}
