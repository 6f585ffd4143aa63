package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c-pro/geche"

	"bazaar/internal/models"
)

// RoomStore persists the room list between runs. *storage.BboltStorage satisfies it.
type RoomStore interface {
	SaveRooms(rooms []models.Room) error
	ListRooms() ([]models.Room, error)
}

// Directory is the current room list snapshot. It is seeded over REST and
// replaced wholesale by the room-list broadcast.
type Directory struct {
	store RoomStore

	mu    sync.RWMutex
	cache *geche.MapCache[int64, models.Room]
}

// NewDirectory restores the persisted room list when store is not nil.
func NewDirectory(store RoomStore) (*Directory, error) {
	d := &Directory{
		store: store,
		cache: geche.NewMapCache[int64, models.Room](),
	}
	if store == nil {
		return d, nil
	}

	rooms, err := store.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	for _, r := range rooms {
		d.cache.Set(r.ID, r)
	}
	return d, nil
}

// Replace swaps the whole snapshot.
func (d *Directory) Replace(rooms []models.Room) {
	cache := geche.NewMapCache[int64, models.Room]()
	for _, r := range rooms {
		cache.Set(r.ID, r)
	}

	d.mu.Lock()
	d.cache = cache
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveRooms(rooms); err != nil {
			slog.Error("failed to persist rooms", "error", err, "rooms", len(rooms))
		}
	}
}

func (d *Directory) Lookup(roomID int64) (models.Room, bool) {
	d.mu.RLock()
	cache := d.cache
	d.mu.RUnlock()

	room, err := cache.Get(roomID)
	if err != nil {
		return models.Room{}, false
	}
	return room, true
}

// List returns the rooms with the most recently updated first.
func (d *Directory) List() []models.Room {
	d.mu.RLock()
	cache := d.cache
	d.mu.RUnlock()

	snapshot := cache.Snapshot()
	rooms := make([]models.Room, 0, len(snapshot))
	for _, r := range snapshot {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt.Time) {
			return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt.Time)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}
