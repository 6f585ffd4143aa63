package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/internal/models"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (r *stateRecorder) record(s models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionState(nil), r.states...)
}

func newTestManager(t *testing.T, b *fakeBroker, heartbeat time.Duration, rec *stateRecorder) *Manager {
	t.Helper()

	cfg := Config{
		URL:            b.url(),
		Heartbeat:      heartbeat,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if rec != nil {
		cfg.OnStateChange = rec.record
	}
	m, err := NewManager(cfg, staticToken("tok"))
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
}

func TestManager_ConnectSubscribeSend(t *testing.T) {
	b := newFakeBroker(t)
	rec := &stateRecorder{}
	m := newTestManager(t, b, 0, rec)

	_, err := m.Subscribe("/sub/x", func([]byte) {})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, m.Send("/pub/x", map[string]string{"a": "b"}), ErrNotConnected)

	m.Connect(0)
	waitConnected(t, m)

	connect := b.lastConnect()
	require.NotNil(t, connect)
	assert.Equal(t, "1.2", connect.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "Bearer tok", connect.Header.Get("Authorization"))

	got := make(chan string, 1)
	_, err = m.Subscribe("/sub/x", func(body []byte) { got <- string(body) })
	require.NoError(t, err)
	b.waitSubscribed(t, "/sub/x")

	require.Equal(t, 1, b.publish("/sub/x", `{"hello":"world"}`))
	select {
	case body := <-got:
		assert.JSONEq(t, `{"hello":"world"}`, body)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, m.Send("/pub/chat/message", map[string]any{"content": "hi"}))
	require.Eventually(t, func() bool {
		return len(b.receivedCommands(frame.SEND)) == 1
	}, time.Second, 10*time.Millisecond)

	send := b.receivedCommands(frame.SEND)[0]
	assert.Equal(t, "/pub/chat/message", send.Header.Get(frame.Destination))
	assert.JSONEq(t, `{"content":"hi"}`, string(send.Body))

	assert.Equal(t, []models.ConnectionState{models.Connecting, models.Connected}, rec.snapshot())
}

func TestManager_ConnectIsNoopWhenConnected(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)

	m.Connect(0)
	waitConnected(t, m)
	m.Connect(0)
	m.Connect(5)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.connectCount())
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	b := newFakeBroker(t)
	rec := &stateRecorder{}
	m := newTestManager(t, b, 0, rec)

	m.Connect(0)
	waitConnected(t, m)

	b.dropAll()

	require.Eventually(t, func() bool {
		return b.connectCount() == 2 && m.State() == models.Connected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []models.ConnectionState{
		models.Connecting, models.Connected,
		models.Disconnected,
		models.Connecting, models.Connected,
	}, rec.snapshot())
}

func TestManager_InitialRoomIsHandedOverOnce(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)

	var (
		mu   sync.Mutex
		seen []int64
	)
	m.OnConnected(func(initialRoomID int64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, initialRoomID)
	})

	m.Connect(5)
	waitConnected(t, m)
	b.dropAll()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{5, 0}, seen)
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	b := newFakeBroker(t)
	// The broker promises heart-beats every 50ms and never sends one.
	b.setHeartBeat("50,50")
	m := newTestManager(t, b, 50*time.Millisecond, nil)

	m.Connect(0)
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		return b.connectCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "silent broker should trigger a reconnect")
}

func TestManager_OutgoingHeartbeats(t *testing.T) {
	b := newFakeBroker(t)
	b.setHeartBeat("0,30")
	m := newTestManager(t, b, 30*time.Millisecond, nil)

	m.Connect(0)
	waitConnected(t, m)

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	require.NotNil(t, sess)
	assert.Equal(t, 30*time.Millisecond, sess.heartbeatOut)
	assert.Zero(t, sess.heartbeatIn)

	// No inbound heart-beat was negotiated, so a quiet broker is fine.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, b.connectCount())
	assert.Equal(t, models.Connected, m.State())
}

func TestManager_BrokerErrorReconnects(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)

	m.Connect(0)
	waitConnected(t, m)

	b.sendError("session gone")

	require.Eventually(t, func() bool {
		return b.connectCount() == 2 && m.State() == models.Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_UndecodableFrameIsDropped(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)

	m.Connect(0)
	waitConnected(t, m)

	got := make(chan string, 1)
	_, err := m.Subscribe("/sub/x", func(body []byte) { got <- string(body) })
	require.NoError(t, err)
	b.waitSubscribed(t, "/sub/x")

	b.sendRaw("GARBAGE\nno-colon-header\n\n\x00")
	b.publish("/sub/x", `{}`)

	select {
	case body := <-got:
		assert.Equal(t, `{}`, body)
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage was not delivered")
	}
	assert.Equal(t, 1, b.connectCount())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)

	var teardowns int
	m.OnTeardown(func() { teardowns++ })

	m.Connect(0)
	waitConnected(t, m)

	id, err := m.Subscribe("/sub/x", func([]byte) {})
	require.NoError(t, err)
	b.waitSubscribed(t, "/sub/x")

	m.OnTeardown(func() { m.Unsubscribe(id) })

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, models.Disconnected, m.State())
	assert.Equal(t, 2, teardowns)

	require.Eventually(t, func() bool {
		return len(b.receivedCommands(frame.DISCONNECT)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, b.receivedCommands(frame.UNSUBSCRIBE), 1)

	// No automatic reconnect after an explicit disconnect.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, b.connectCount())
	assert.ErrorIs(t, m.Send("/pub/x", []byte("{}")), ErrNotConnected)
}

func TestManager_ConnectCancelsPendingReconnect(t *testing.T) {
	b := newFakeBroker(t)
	m := newTestManager(t, b, 0, nil)
	m.config.ReconnectDelay = time.Hour

	m.Connect(0)
	waitConnected(t, m)

	b.dropAll()
	require.Eventually(t, func() bool {
		return m.State() == models.Disconnected
	}, time.Second, 10*time.Millisecond)

	m.Connect(0)
	waitConnected(t, m)
	assert.Equal(t, 2, b.connectCount())

	m.mu.Lock()
	assert.Nil(t, m.reconnect)
	m.mu.Unlock()
}

func TestNegotiateHeartbeat(t *testing.T) {
	tests := []struct {
		name     string
		want     time.Duration
		header   string
		out, in  time.Duration
		hasError bool
	}{
		{"disabled locally", 0, "100,100", 0, 0, false},
		{"broker sends only", 50 * time.Millisecond, "100,0", 0, 100 * time.Millisecond, false},
		{"broker wants only", 50 * time.Millisecond, "0,20", 50 * time.Millisecond, 0, false},
		{"both", 50 * time.Millisecond, "20,80", 80 * time.Millisecond, 50 * time.Millisecond, false},
		{"garbage", 50 * time.Millisecond, "x", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame.New(frame.CONNECTED, frame.HeartBeat, tt.header)
			out, in, err := negotiateHeartbeat(tt.want, f)
			if tt.hasError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.in, in)
		})
	}
}
