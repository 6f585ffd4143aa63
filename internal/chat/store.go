package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"bazaar/internal/models"
)

const (
	DefaultPublishDestination = "/pub/chat/message"

	// BrokerDedupWindow is the same-event window for live frames.
	BrokerDedupWindow = 5 * time.Second
	// HistoryDedupWindow is the same-event window for history merges.
	HistoryDedupWindow = time.Second
	// HistoryReplaceGap is how much longer a fetched history must be than the
	// in-memory log before it replaces the log outright.
	HistoryReplaceGap = 10
)

var (
	ErrUnresolvedReceiver = errors.New("unresolved receiver")
)

// Publisher sends a frame to the broker. *ws.Manager satisfies it.
type Publisher interface {
	Send(destination string, payload any) error
}

// UserSource identifies the signed-in user. *auth.CredentialStore satisfies it.
type UserSource interface {
	UserID() (int64, error)
}

// RoomResolver looks up room metadata. *Directory satisfies it.
type RoomResolver interface {
	Lookup(roomID int64) (models.Room, bool)
}

// Renderer turns message content into safe HTML. *content.Renderer satisfies it.
type Renderer interface {
	Render(content string) string
}

type Config struct {
	// MaxRecords caps each room log; the oldest entries are dropped first. Zero
	// means unbounded.
	MaxRecords         int
	PublishDestination string
	Publisher          Publisher
	Rooms              RoomResolver
	Users              UserSource
	Renderer           Renderer
	OnUpdate           func(roomID int64, log []models.ChatMessage)
}

// Store holds one ordered log per room. Append is the only writer.
type Store struct {
	config Config
	now    func() time.Time

	mux   sync.RWMutex
	rooms map[int64][]models.ChatMessage
}

func New(config Config) *Store {
	if config.PublishDestination == "" {
		config.PublishDestination = DefaultPublishDestination
	}
	return &Store{
		config: config,
		now:    time.Now,
		rooms:  make(map[int64][]models.ChatMessage),
	}
}

// Append inserts msg in createdAt order and reports whether it was added.
// Broker frames matching an existing entry within BrokerDedupWindow are dropped;
// the entry already in the log wins. Local echoes are always inserted so a
// deliberate repeat stays visible.
func (s *Store) Append(msg models.ChatMessage, isLocalEcho bool) bool {
	msg.Local = isLocalEcho
	s.render(&msg)

	s.mux.Lock()
	log := s.rooms[msg.RoomID]
	if !isLocalEcho && containsEvent(log, msg, BrokerDedupWindow) {
		s.mux.Unlock()
		return false
	}
	log = s.trim(insertSorted(log, msg))
	s.rooms[msg.RoomID] = log
	snapshot := slices.Clone(log)
	s.mux.Unlock()

	s.notify(msg.RoomID, snapshot)
	return true
}

// Send appends an optimistic echo and publishes the message. When publishing
// fails the echo stays in the log and the error is returned.
func (s *Store) Send(roomID int64, content string, msgType models.MessageType) (models.ChatMessage, error) {
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	userID, err := s.config.Users.UserID()
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("%w: %v", ErrUnresolvedReceiver, err)
	}
	room, ok := s.config.Rooms.Lookup(roomID)
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("%w: room %d is unknown", ErrUnresolvedReceiver, roomID)
	}
	receiverID, ok := room.Counterpart(userID)
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("%w: user %d is not a participant of room %d", ErrUnresolvedReceiver, userID, roomID)
	}

	msg := models.ChatMessage{
		RoomID:     roomID,
		SenderID:   userID,
		ReceiverID: receiverID,
		Content:    content,
		Type:       msgType,
		CreatedAt:  s.now(),
	}
	s.Append(msg, true)

	if err := s.config.Publisher.Send(s.config.PublishDestination, models.NewMessageFrame(msg)); err != nil {
		// TODO: mark the echo as failed and offer a resend once the UI has a failed state.
		slog.Warn("publish failed, optimistic echo kept", "room_id", roomID, "error", err)
		return msg, fmt.Errorf("failed to publish message: %w", err)
	}
	return msg, nil
}

// Clear drops the room log.
func (s *Store) Clear(roomID int64) {
	s.mux.Lock()
	delete(s.rooms, roomID)
	s.mux.Unlock()

	s.notify(roomID, nil)
}

// MergeHistory reconciles a fetched history with the room log. A history longer
// than the log by more than HistoryReplaceGap replaces it; otherwise only entries
// with no match within HistoryDedupWindow are merged in.
func (s *Store) MergeHistory(roomID int64, history []models.ChatMessage) {
	incoming := make([]models.ChatMessage, len(history))
	for i, m := range history {
		m.RoomID = roomID
		m.Local = false
		s.render(&m)
		incoming[i] = m
	}

	s.mux.Lock()
	log := s.rooms[roomID]
	if len(incoming) > len(log)+HistoryReplaceGap {
		sort.SliceStable(incoming, func(i, j int) bool {
			return incoming[i].CreatedAt.Before(incoming[j].CreatedAt)
		})
		log = incoming
	} else {
		for _, m := range incoming {
			if !containsEvent(log, m, HistoryDedupWindow) {
				log = insertSorted(log, m)
			}
		}
	}
	log = s.trim(log)
	s.rooms[roomID] = log
	snapshot := slices.Clone(log)
	s.mux.Unlock()

	s.notify(roomID, snapshot)
}

// Messages returns a copy of the room log, oldest first.
func (s *Store) Messages(roomID int64) []models.ChatMessage {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.rooms[roomID])
}

func (s *Store) render(m *models.ChatMessage) {
	if s.config.Renderer == nil || m.HTML != "" {
		return
	}
	if m.Type == models.MessageTypeImage {
		return
	}
	m.HTML = s.config.Renderer.Render(m.Content)
}

func (s *Store) trim(log []models.ChatMessage) []models.ChatMessage {
	if s.config.MaxRecords <= 0 || len(log) <= s.config.MaxRecords {
		return log
	}
	return slices.Clone(log[len(log)-s.config.MaxRecords:])
}

func (s *Store) notify(roomID int64, log []models.ChatMessage) {
	if s.config.OnUpdate != nil {
		s.config.OnUpdate(roomID, log)
	}
}

// insertSorted places m after every entry created at or before it.
func insertSorted(log []models.ChatMessage, m models.ChatMessage) []models.ChatMessage {
	i := sort.Search(len(log), func(i int) bool {
		return log[i].CreatedAt.After(m.CreatedAt)
	})
	return slices.Insert(log, i, m)
}

func containsEvent(log []models.ChatMessage, m models.ChatMessage, window time.Duration) bool {
	for _, existing := range log {
		if models.SameEvent(existing, m, window) {
			return true
		}
	}
	return false
}
