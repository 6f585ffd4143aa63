package ws

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBroker is a minimal STOMP broker over websocket for tests.
type fakeBroker struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	heartBeat string
	conns     map[*brokerConn]struct{}
	connects  []*frame.Frame
	received  []*frame.Frame
	messageID int
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]string // id -> destination
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	b := &fakeBroker{
		t:         t,
		heartBeat: "0,0",
		conns:     make(map[*brokerConn]struct{}),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.dropAll()
		b.srv.Close()
	})
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	c, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &brokerConn{ws: c, subs: make(map[string]string)}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			if !b.handle(conn, f) {
				return
			}
		}
	}
}

func (b *fakeBroker) handle(conn *brokerConn, f *frame.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Command {
	case frame.CONNECT:
		b.connects = append(b.connects, f)
		conn.write(frame.New(frame.CONNECTED,
			frame.Version, stompVersion,
			frame.HeartBeat, b.heartBeat,
		))
	case frame.SUBSCRIBE:
		conn.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.received = append(b.received, f)
	case frame.UNSUBSCRIBE:
		delete(conn.subs, f.Header.Get(frame.Id))
		b.received = append(b.received, f)
	case frame.DISCONNECT:
		b.received = append(b.received, f)
		return false
	default:
		b.received = append(b.received, f)
	}
	return true
}

func (c *brokerConn) write(f *frame.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *brokerConn) writeRaw(data []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

// publish delivers body to every live subscription on destination.
func (b *fakeBroker) publish(destination string, body string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for conn := range b.conns {
		for id, dest := range conn.subs {
			if dest != destination {
				continue
			}
			b.messageID++
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, strconv.Itoa(b.messageID),
			)
			f.Body = []byte(body)
			conn.write(f)
			delivered++
		}
	}
	return delivered
}

func (b *fakeBroker) sendError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.write(frame.New(frame.ERROR, frame.Message, message))
	}
}

func (b *fakeBroker) sendRaw(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.writeRaw([]byte(data))
	}
}

func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.ws.Close()
	}
}

func (b *fakeBroker) setHeartBeat(v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartBeat = v
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connects)
}

func (b *fakeBroker) lastConnect() *frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connects) == 0 {
		return nil
	}
	return b.connects[len(b.connects)-1]
}

// destinations returns the live subscriptions of all open connections.
func (b *fakeBroker) destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for conn := range b.conns {
		for _, dest := range conn.subs {
			out = append(out, dest)
		}
	}
	return out
}

func (b *fakeBroker) receivedCommands(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*frame.Frame
	for _, f := range b.received {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (b *fakeBroker) waitSubscribed(t *testing.T, destinations ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		live := b.destinations()
		for _, want := range destinations {
			found := false
			for _, d := range live {
				if d == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "expected subscriptions %v", destinations)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }
