package storage

import (
	"fmt"
	"time"

	"bazaar/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketSession = []byte("session")
	bucketRooms   = []byte("rooms")

	keyCredential = []byte("credential")
)

// BboltStorage keeps the session credential and the last known room list
// in a local bbolt file so both survive restarts.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSession); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// LoadCredential returns the stored credential or models.ErrNotFound.
func (s *BboltStorage) LoadCredential() (models.Credential, error) {
	var cred models.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keyCredential)
		if data == nil {
			return models.ErrNotFound
		}
		var dbCred DBCredential
		if err := dbCred.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		cred = models.Credential{
			Token:              dbCred.Token,
			RequiresOnboarding: dbCred.RequiresOnboarding,
		}
		return nil
	})
	return cred, err
}

func (s *BboltStorage) SaveCredential(cred models.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbCred := &DBCredential{
			Token:              cred.Token,
			RequiresOnboarding: cred.RequiresOnboarding,
			UpdatedAt:          s.now().Unix(),
		}
		data, err := dbCred.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSession).Put(dbCred.Key(), data)
	})
}

func (s *BboltStorage) DeleteCredential() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyCredential)
	})
}

// SaveRooms replaces the cached room list.
func (s *BboltStorage) SaveRooms(rooms []models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRooms); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketRooms)
		if err != nil {
			return err
		}
		for _, room := range rooms {
			dbRoom := &DBRoom{
				ID:           room.ID,
				ProductID:    room.ProductID,
				ProductTitle: room.ProductTitle,
				SellerID:     room.SellerID,
				BuyerID:      room.BuyerID,
				LastMessage:  room.LastMessage,
				UnreadCount:  room.UnreadCount,
			}
			if !room.UpdatedAt.IsZero() {
				dbRoom.UpdatedAt = room.UpdatedAt.UnixMilli()
			}
			data, err := dbRoom.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal room %d: %w", room.ID, err)
			}
			if err := b.Put(dbRoom.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRooms returns the cached room list ordered by room id.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			room := models.Room{
				ID:           dbRoom.ID,
				ProductID:    dbRoom.ProductID,
				ProductTitle: dbRoom.ProductTitle,
				SellerID:     dbRoom.SellerID,
				BuyerID:      dbRoom.BuyerID,
				LastMessage:  dbRoom.LastMessage,
				UnreadCount:  dbRoom.UnreadCount,
			}
			if dbRoom.UpdatedAt != 0 {
				room.UpdatedAt = models.FrameTime{Time: time.UnixMilli(dbRoom.UpdatedAt)}
			}
			rooms = append(rooms, room)
			return nil
		})
	})
	return rooms, err
}
