package models

import (
	"bytes"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// localDateTime is what the broker emits for zone-less timestamps.
const localDateTime = "2006-01-02T15:04:05.999999999"

// FrameTime decodes the timestamp variants seen on the wire:
// RFC 3339, zone-less ISO local date-time and epoch milliseconds.
type FrameTime struct {
	time.Time
}

func (t FrameTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *FrameTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.ParseInLocation(localDateTime, s, time.Local)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MessageFrame is the broker and REST representation of a chat message.
type MessageFrame struct {
	RoomID     int64       `json:"roomId"`
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	CreatedAt  FrameTime   `json:"createdAt"`
	IsRead     bool        `json:"isRead"`
}

func NewMessageFrame(m ChatMessage) MessageFrame {
	return MessageFrame{
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Type:       m.Type,
		CreatedAt:  FrameTime{Time: m.CreatedAt},
		IsRead:     m.IsRead,
	}
}

func (f MessageFrame) Message() ChatMessage {
	return ChatMessage{
		RoomID:     f.RoomID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    f.Content,
		Type:       f.Type,
		CreatedAt:  f.CreatedAt.Time,
		IsRead:     f.IsRead,
	}
}

// Event is an inbound broker event. The concrete types are
// TextMessage, ImageMessage, SystemEvent and RoomListUpdate.
type Event interface {
	isEvent()
}

type TextMessage struct{ ChatMessage }

type ImageMessage struct{ ChatMessage }

// SystemEvent carries SYSTEM messages and any message type this client does not know.
type SystemEvent struct{ ChatMessage }

type RoomListUpdate struct {
	Rooms []Room
}

func (TextMessage) isEvent()    {}
func (ImageMessage) isEvent()   {}
func (SystemEvent) isEvent()    {}
func (RoomListUpdate) isEvent() {}

// ClassifyMessage wraps m into its event variant.
func ClassifyMessage(m ChatMessage) Event {
	switch m.Type {
	case MessageTypeText:
		return TextMessage{m}
	case MessageTypeImage:
		return ImageMessage{m}
	default:
		return SystemEvent{m}
	}
}
