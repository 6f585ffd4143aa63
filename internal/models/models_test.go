package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameEvent(t *testing.T) {
	base := ChatMessage{
		SenderID:  1,
		Content:   "hello",
		Type:      MessageTypeText,
		CreatedAt: time.Unix(1700000000, 0),
	}

	tests := []struct {
		name   string
		mutate func(m *ChatMessage)
		window time.Duration
		want   bool
	}{
		{"identical", func(m *ChatMessage) {}, 5 * time.Second, true},
		{"within window", func(m *ChatMessage) { m.CreatedAt = m.CreatedAt.Add(4 * time.Second) }, 5 * time.Second, true},
		{"earlier within window", func(m *ChatMessage) { m.CreatedAt = m.CreatedAt.Add(-4 * time.Second) }, 5 * time.Second, true},
		{"at window edge", func(m *ChatMessage) { m.CreatedAt = m.CreatedAt.Add(5 * time.Second) }, 5 * time.Second, false},
		{"history window", func(m *ChatMessage) { m.CreatedAt = m.CreatedAt.Add(2 * time.Second) }, time.Second, false},
		{"other sender", func(m *ChatMessage) { m.SenderID = 2 }, 5 * time.Second, false},
		{"other content", func(m *ChatMessage) { m.Content = "bye" }, 5 * time.Second, false},
		{"other type", func(m *ChatMessage) { m.Type = MessageTypeImage }, 5 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			assert.Equal(t, tt.want, SameEvent(base, other, tt.window))
		})
	}
}

func TestRoom_Counterpart(t *testing.T) {
	room := Room{ID: 42, SellerID: 7, BuyerID: 9}

	other, ok := room.Counterpart(9)
	assert.True(t, ok)
	assert.Equal(t, int64(7), other)

	other, ok = room.Counterpart(7)
	assert.True(t, ok)
	assert.Equal(t, int64(9), other)

	_, ok = room.Counterpart(3)
	assert.False(t, ok)
}

func TestFrameTime_Unmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", `"2024-05-01T10:00:00Z"`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"local date time", `"2024-05-01T10:00:00.250"`, time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.Local)},
		{"epoch millis", `1714557600000`, time.UnixMilli(1714557600000)},
		{"null", `null`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ft FrameTime
			require.NoError(t, json.Unmarshal([]byte(tt.input), &ft))
			assert.True(t, tt.want.Equal(ft.Time), "got %v want %v", ft.Time, tt.want)
		})
	}

	var ft FrameTime
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ft))
}

func TestClassifyMessage(t *testing.T) {
	switch ClassifyMessage(ChatMessage{Type: MessageTypeText}).(type) {
	case TextMessage:
	default:
		t.Error("TEXT should classify as TextMessage")
	}
	switch ClassifyMessage(ChatMessage{Type: MessageTypeImage}).(type) {
	case ImageMessage:
	default:
		t.Error("IMAGE should classify as ImageMessage")
	}
	switch ClassifyMessage(ChatMessage{Type: "PAYMENT_REQUEST"}).(type) {
	case SystemEvent:
	default:
		t.Error("unknown types should classify as SystemEvent")
	}
}
