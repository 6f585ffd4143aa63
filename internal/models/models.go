package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Credential is the bearer token of the signed-in user.
type Credential struct {
	Token              string `json:"accessToken"`
	RequiresOnboarding bool   `json:"requiresOnboarding"`
}

func (c Credential) IsZero() bool {
	return c.Token == ""
}

type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeSystem MessageType = "SYSTEM"
)

// ChatMessage is a single entry of a room log.
type ChatMessage struct {
	RoomID     int64       `json:"roomId"`
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"createdAt"`
	IsRead     bool        `json:"isRead"`

	// Local marks an optimistic echo that was appended before the broker confirmed it.
	Local bool `json:"-"`
	// HTML is the sanitized rendering of Content, filled on append.
	HTML string `json:"-"`
}

// SameEvent reports whether a and b describe the same chat event: equal type,
// content and sender with creation times less than window apart.
func SameEvent(a, b ChatMessage, window time.Duration) bool {
	if a.Type != b.Type || a.Content != b.Content || a.SenderID != b.SenderID {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < window
}

// Room is a marketplace conversation about one product between its seller and a buyer.
type Room struct {
	ID           int64     `json:"roomId"`
	ProductID    int64     `json:"productId"`
	ProductTitle string    `json:"productTitle,omitempty"`
	SellerID     int64     `json:"sellerId"`
	BuyerID      int64     `json:"buyerId"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	UpdatedAt    FrameTime `json:"updatedAt"`
}

// Counterpart returns the other participant of the room for userID.
// ok is false when userID is neither the seller nor the buyer.
func (r Room) Counterpart(userID int64) (int64, bool) {
	switch userID {
	case r.SellerID:
		return r.BuyerID, true
	case r.BuyerID:
		return r.SellerID, true
	default:
		return 0, false
	}
}

// Notification is a single entry of the notification feed.
type Notification struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	CreatedAt   FrameTime `json:"createdAt"`
	UnreadDelta int       `json:"unreadCount"`
	RoomID      *int64    `json:"roomId,omitempty"`
	ProductID   *int64    `json:"productId,omitempty"`
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
