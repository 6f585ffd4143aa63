package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bazaar/internal/models"
)

func TestStorage(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	t.Run("Credential", func(t *testing.T) {
		if _, err := store.LoadCredential(); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on empty storage, got %v", err)
		}

		cred := models.Credential{Token: "token-1", RequiresOnboarding: true}
		if err := store.SaveCredential(cred); err != nil {
			t.Fatalf("SaveCredential failed: %v", err)
		}

		got, err := store.LoadCredential()
		if err != nil {
			t.Fatalf("LoadCredential failed: %v", err)
		}
		if got != cred {
			t.Errorf("expected %+v, got %+v", cred, got)
		}

		// Overwrite on refresh
		if err := store.SaveCredential(models.Credential{Token: "token-2"}); err != nil {
			t.Fatalf("SaveCredential overwrite failed: %v", err)
		}
		got, _ = store.LoadCredential()
		if got.Token != "token-2" || got.RequiresOnboarding {
			t.Errorf("expected overwritten credential, got %+v", got)
		}

		if err := store.DeleteCredential(); err != nil {
			t.Fatalf("DeleteCredential failed: %v", err)
		}
		if _, err := store.LoadCredential(); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("Rooms", func(t *testing.T) {
		updated := time.UnixMilli(1714557600000)
		rooms := []models.Room{
			{ID: 7, ProductID: 70, SellerID: 1, BuyerID: 2, ProductTitle: "Bike"},
			{ID: 3, ProductID: 30, SellerID: 2, BuyerID: 1, UpdatedAt: models.FrameTime{Time: updated}},
		}
		if err := store.SaveRooms(rooms); err != nil {
			t.Fatalf("SaveRooms failed: %v", err)
		}

		list, err := store.ListRooms()
		if err != nil {
			t.Fatalf("ListRooms failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 rooms, got %d", len(list))
		}
		// Keys are big-endian ids, so the cursor yields ascending ids.
		if list[0].ID != 3 || list[1].ID != 7 {
			t.Errorf("expected rooms ordered by id, got %d, %d", list[0].ID, list[1].ID)
		}
		if !list[0].UpdatedAt.Equal(updated) {
			t.Errorf("expected UpdatedAt %v, got %v", updated, list[0].UpdatedAt.Time)
		}
		if list[1].ProductTitle != "Bike" {
			t.Errorf("expected title Bike, got %s", list[1].ProductTitle)
		}

		// Wholesale replacement
		if err := store.SaveRooms(rooms[:1]); err != nil {
			t.Fatalf("SaveRooms replace failed: %v", err)
		}
		list, _ = store.ListRooms()
		if len(list) != 1 || list[0].ID != 7 {
			t.Errorf("expected only room 7 after replace, got %+v", list)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()

	if _, err := store.LoadCredential(); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SaveCredential(models.Credential{Token: "abc"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadCredential()
	if err != nil || got.Token != "abc" {
		t.Fatalf("expected token abc, got %+v (%v)", got, err)
	}
	if err := store.DeleteCredential(); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteCredential(); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
	if _, err := store.LoadCredential(); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
