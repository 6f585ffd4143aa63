package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"bazaar/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential = errors.New("no credential")
	ErrNoUserID     = errors.New("credential carries no user id")
)

// Backend persists the credential between runs.
type Backend interface {
	LoadCredential() (models.Credential, error)
	SaveCredential(cred models.Credential) error
	DeleteCredential() error
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"userId,omitempty"`
}

// CredentialStore holds the single live credential. The Gateway is its only writer;
// everything else reads it.
type CredentialStore struct {
	backend Backend

	mu     sync.RWMutex
	cred   models.Credential
	userID int64
}

// NewCredentialStore restores the persisted credential, if any.
func NewCredentialStore(backend Backend) (*CredentialStore, error) {
	cs := &CredentialStore{backend: backend}

	cred, err := backend.LoadCredential()
	switch {
	case errors.Is(err, models.ErrNotFound):
		return cs, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	cs.cred = cred
	cs.userID = parseUserID(cred.Token)
	return cs, nil
}

func (cs *CredentialStore) Get() models.Credential {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cred
}

func (cs *CredentialStore) Token() string {
	return cs.Get().Token
}

// Set replaces the live credential in memory and in the backend.
func (cs *CredentialStore) Set(cred models.Credential) error {
	cs.mu.Lock()
	cs.cred = cred
	cs.userID = parseUserID(cred.Token)
	cs.mu.Unlock()

	return cs.backend.SaveCredential(cred)
}

func (cs *CredentialStore) Clear() error {
	cs.mu.Lock()
	cs.cred = models.Credential{}
	cs.userID = 0
	cs.mu.Unlock()

	return cs.backend.DeleteCredential()
}

// UserID returns the id of the signed-in user taken from the token claims.
func (cs *CredentialStore) UserID() (int64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.cred.IsZero() {
		return 0, ErrNoCredential
	}
	if cs.userID == 0 {
		return 0, ErrNoUserID
	}
	return cs.userID, nil
}

// parseUserID reads the user id without verifying the signature; the server does that.
func parseUserID(token string) int64 {
	if token == "" {
		return 0
	}

	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		slog.Debug("credential is not a readable jwt", "error", err)
		return 0
	}
	if claims.UserID != 0 {
		return claims.UserID
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
