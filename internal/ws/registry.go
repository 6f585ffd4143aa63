package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bazaar/internal/models"
)

const (
	DefaultRoomDestination     = "/sub/chat/room/%d"
	DefaultUserRoomDestination = "/user/queue/chat/room/%d"
	DefaultRoomListDestination = "/user/queue/rooms"
	DefaultMarkReadDelay       = 300 * time.Millisecond

	markReadTimeout = 10 * time.Second
)

// MessageSink receives decoded room messages. *chat.Store satisfies it.
type MessageSink interface {
	Append(msg models.ChatMessage, isLocalEcho bool) bool
}

// RoomListSink receives room-list snapshots. *chat.Directory satisfies it.
type RoomListSink interface {
	Replace(rooms []models.Room)
}

// ReadMarker acknowledges a room as read. *api.Client satisfies it.
type ReadMarker interface {
	MarkRoomRead(ctx context.Context, roomID int64) error
}

type broker interface {
	Connect(initialRoomID int64)
	State() models.ConnectionState
	Subscribe(destination string, handler func([]byte)) (string, error)
	Unsubscribe(id string)
	OnConnected(hook func(initialRoomID int64))
	OnTeardown(hook func())
}

type RegistryConfig struct {
	RoomDestination     string
	UserRoomDestination string
	RoomListDestination string
	MarkReadDelay       time.Duration
	// Visible reports whether the chat view is in front. Nil means always visible.
	Visible func() bool
}

func (c *RegistryConfig) setDefaults() {
	if c.RoomDestination == "" {
		c.RoomDestination = DefaultRoomDestination
	}
	if c.UserRoomDestination == "" {
		c.UserRoomDestination = DefaultUserRoomDestination
	}
	if c.RoomListDestination == "" {
		c.RoomListDestination = DefaultRoomListDestination
	}
	if c.MarkReadDelay <= 0 {
		c.MarkReadDelay = DefaultMarkReadDelay
	}
}

type roomSubscription struct {
	roomID      int64
	broadcastID string
	userID      string
	markRead    *time.Timer
}

// Registry keeps at most one subscription pair per open room and restores all of
// them whenever the manager reconnects.
type Registry struct {
	config RegistryConfig
	conn   broker
	sink   MessageSink
	rooms  RoomListSink
	marker ReadMarker

	mu         sync.Mutex
	subs       map[int64]*roomSubscription
	roomListID string
}

func NewRegistry(config RegistryConfig, conn broker, sink MessageSink, rooms RoomListSink, marker ReadMarker) *Registry {
	config.setDefaults()

	r := &Registry{
		config: config,
		conn:   conn,
		sink:   sink,
		rooms:  rooms,
		marker: marker,
		subs:   make(map[int64]*roomSubscription),
	}
	conn.OnConnected(r.restore)
	conn.OnTeardown(r.teardown)
	return r
}

// Subscribe opens the room, replacing any previous subscription for it. When the
// manager is not connected the room is recorded and a connection is started.
func (r *Registry) Subscribe(roomID int64) error {
	r.mu.Lock()
	r.closeLocked(roomID)
	sub := &roomSubscription{roomID: roomID}
	r.subs[roomID] = sub

	if r.conn.State() == models.Connected {
		err := r.openLocked(sub)
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	// subs is the only record of open rooms, so an Unsubscribe before the
	// handshake keeps the room closed.
	r.conn.Connect(0)
	return nil
}

// Unsubscribe closes the room without touching other rooms.
func (r *Registry) Unsubscribe(roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked(roomID)
	delete(r.subs, roomID)
}

// Rooms returns the ids of the open rooms in ascending order.
func (r *Registry) Rooms() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) openLocked(sub *roomSubscription) error {
	handler := func(body []byte) {
		r.handleRoomFrame(sub.roomID, body)
	}

	broadcastID, err := r.conn.Subscribe(fmt.Sprintf(r.config.RoomDestination, sub.roomID), handler)
	if errors.Is(err, ErrNotConnected) {
		// The next connect hook opens it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe room %d: %w", sub.roomID, err)
	}

	userID, err := r.conn.Subscribe(fmt.Sprintf(r.config.UserRoomDestination, sub.roomID), handler)
	if errors.Is(err, ErrNotConnected) {
		r.conn.Unsubscribe(broadcastID)
		return nil
	}
	if err != nil {
		r.conn.Unsubscribe(broadcastID)
		return fmt.Errorf("failed to subscribe room %d: %w", sub.roomID, err)
	}

	sub.broadcastID = broadcastID
	sub.userID = userID
	return nil
}

func (r *Registry) closeLocked(roomID int64) {
	sub, ok := r.subs[roomID]
	if !ok {
		return
	}
	if sub.markRead != nil {
		sub.markRead.Stop()
		sub.markRead = nil
	}
	if sub.broadcastID != "" {
		r.conn.Unsubscribe(sub.broadcastID)
	}
	if sub.userID != "" {
		r.conn.Unsubscribe(sub.userID)
	}
	sub.broadcastID = ""
	sub.userID = ""
}

// restore runs after every handshake.
func (r *Registry) restore(initialRoomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if initialRoomID != 0 {
		if _, ok := r.subs[initialRoomID]; !ok {
			r.subs[initialRoomID] = &roomSubscription{roomID: initialRoomID}
		}
	}

	if r.roomListID != "" {
		r.conn.Unsubscribe(r.roomListID)
		r.roomListID = ""
	}
	id, err := r.conn.Subscribe(r.config.RoomListDestination, r.handleRoomList)
	if err != nil {
		slog.Warn("failed to subscribe room list", "error", err)
	} else {
		r.roomListID = id
	}

	for roomID, sub := range r.subs {
		r.closeLocked(roomID)
		if err := r.openLocked(sub); err != nil {
			slog.Warn("failed to restore room", "room_id", roomID, "error", err)
		}
	}
	slog.Debug("room subscriptions restored", "rooms", len(r.subs))
}

// teardown drops every room. It runs on explicit disconnect only.
func (r *Registry) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.subs {
		r.closeLocked(roomID)
	}
	clear(r.subs)

	if r.roomListID != "" {
		r.conn.Unsubscribe(r.roomListID)
		r.roomListID = ""
	}
}

func (r *Registry) handleRoomFrame(roomID int64, body []byte) {
	ev, err := decodeRoomFrame(roomID, body)
	if err != nil {
		slog.Warn("dropping frame", "room_id", roomID, "error", err)
		return
	}
	r.dispatch(ev)
}

func (r *Registry) handleRoomList(body []byte) {
	var rooms []models.Room
	if err := json.Unmarshal(body, &rooms); err != nil {
		slog.Warn("dropping room list", "error", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	r.dispatch(models.RoomListUpdate{Rooms: rooms})
}

func (r *Registry) dispatch(ev models.Event) {
	switch ev := ev.(type) {
	case models.TextMessage:
		r.deliver(ev.ChatMessage)
	case models.ImageMessage:
		r.deliver(ev.ChatMessage)
	case models.SystemEvent:
		r.deliver(ev.ChatMessage)
	case models.RoomListUpdate:
		if r.rooms != nil {
			r.rooms.Replace(ev.Rooms)
		}
	default:
		slog.Error("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (r *Registry) deliver(msg models.ChatMessage) {
	r.sink.Append(msg, false)

	if r.config.Visible == nil || r.config.Visible() {
		r.scheduleMarkRead(msg.RoomID)
	}
}

// scheduleMarkRead restarts the room's debounce timer.
func (r *Registry) scheduleMarkRead(roomID int64) {
	if r.marker == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[roomID]
	if !ok {
		return
	}
	if sub.markRead != nil {
		sub.markRead.Stop()
	}
	sub.markRead = time.AfterFunc(r.config.MarkReadDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := r.marker.MarkRoomRead(ctx, roomID); err != nil {
			slog.Warn("failed to mark room read", "room_id", roomID, "error", err)
		}
	})
}

func decodeRoomFrame(roomID int64, body []byte) (models.Event, error) {
	var f models.MessageFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" || f.SenderID == 0 || f.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing type, sender or timestamp", ErrMalformedFrame)
	}
	if f.RoomID == 0 {
		f.RoomID = roomID
	}
	if f.RoomID != roomID {
		return nil, fmt.Errorf("%w: frame for room %d on room %d", ErrMalformedFrame, f.RoomID, roomID)
	}
	return models.ClassifyMessage(f.Message()), nil
}
