package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bazaar/internal/models"
)

const (
	DefaultHeartbeat      = 10 * time.Second
	DefaultReconnectDelay = time.Second

	outboxSize   = 64
	closeTimeout = time.Second
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrHeartbeatTimeout  = errors.New("heart-beat timeout")
	ErrMalformedFrame    = errors.New("malformed frame")
	errSessionClosed     = errors.New("session closed")
	errUnexpectedCommand = errors.New("unexpected frame")
)

type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens the websocket. *websocket.Dialer satisfies it through DialContext.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (wsConnection, error)
}

type gorillaDialer struct {
	d *websocket.Dialer
}

func (g gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (wsConnection, error) {
	conn, resp, err := g.d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TokenSource provides the handshake credential. *auth.Gateway satisfies it.
type TokenSource interface {
	Token() string
}

type Config struct {
	URL  string
	Host string
	// Heartbeat is both the interval offered and the interval requested from the broker.
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	Dialer         Dialer
	OnStateChange  func(models.ConnectionState)
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("broker url is required")
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("heart-beat must not be negative, got %s", c.Heartbeat)
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Host == "" {
		c.Host = "/"
	}
	if c.Dialer == nil {
		c.Dialer = gorillaDialer{d: websocket.DefaultDialer}
	}
	return nil
}

type subscription struct {
	destination string
	handler     func([]byte)
}

type outgoing struct {
	data  []byte
	final bool
}

// session is one live socket. It never outlives its generation.
type session struct {
	gen    uint64
	conn   wsConnection
	outbox chan outgoing
	done   chan struct{}
	subs   map[string]subscription

	heartbeatOut time.Duration
	heartbeatIn  time.Duration
}

// Manager owns the single broker socket and multiplexes subscriptions over it.
type Manager struct {
	config Config
	tokens TokenSource

	mu        sync.Mutex
	state     models.ConnectionState
	gen       uint64
	cancel    context.CancelFunc
	sess      *session
	reconnect *time.Timer
	changed   chan struct{}
	initial   int64

	connectHooks  []func(initialRoomID int64)
	teardownHooks []func()

	notifying bool
	pending   []models.ConnectionState
}

func NewManager(config Config, tokens TokenSource) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		config:  config,
		tokens:  tokens,
		state:   models.Disconnected,
		changed: make(chan struct{}),
	}, nil
}

// OnConnected registers a hook run after every successful handshake.
func (m *Manager) OnConnected(hook func(initialRoomID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectHooks = append(m.connectHooks, hook)
}

// OnTeardown registers a hook run at the start of Disconnect, while the socket is still open.
func (m *Manager) OnTeardown(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownHooks = append(m.teardownHooks, hook)
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitConnected blocks until the manager is connected or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state == models.Connected {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect starts a handshake in the background. It is a no-op unless disconnected.
// initialRoomID reaches the connect hooks of the next successful handshake only.
func (m *Manager) Connect(initialRoomID int64) {
	m.mu.Lock()
	if initialRoomID != 0 {
		m.initial = initialRoomID
	}
	if m.state != models.Disconnected {
		m.mu.Unlock()
		return
	}
	m.startLocked()
	m.mu.Unlock()
	m.flushStates()
}

func (m *Manager) startLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.cancel = cancel
	m.setStateLocked(models.Connecting)

	gen := m.gen
	go m.run(ctx, gen)
}

// Disconnect tears down subscriptions, says goodbye to the broker and closes the
// socket. It cancels a pending reconnect and is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	hooks := slices.Clone(m.teardownHooks)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	m.mu.Lock()
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	cancel := m.cancel
	m.cancel = nil
	sess := m.sess
	m.sess = nil
	m.initial = 0
	m.setStateLocked(models.Disconnected)
	m.mu.Unlock()
	m.flushStates()

	if sess != nil {
		sess.shutdown()
	}
	if cancel != nil {
		cancel()
	}
}

// Send publishes payload as JSON. A []byte payload is sent verbatim.
func (m *Manager) Send(destination string, payload any) error {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		body = data
	}

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.enqueue(sendFrame(destination, body))
}

// Subscribe opens destination on the live socket. The subscription ends with the
// socket; callers that need it across reconnects re-open it from an OnConnected hook.
func (m *Manager) Subscribe(destination string, handler func([]byte)) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	sess := m.sess
	if sess == nil || m.state != models.Connected {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	sess.subs[id] = subscription{destination: destination, handler: handler}
	m.mu.Unlock()

	if err := sess.enqueue(subscribeFrame(id, destination)); err != nil {
		m.mu.Lock()
		delete(sess.subs, id)
		m.mu.Unlock()
		return "", err
	}
	slog.Debug("subscribed", "destination", destination, "subscription_id", id)
	return id, nil
}

// Unsubscribe closes a subscription. Unknown or stale ids are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := sess.subs[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(sess.subs, id)
	m.mu.Unlock()

	if err := sess.enqueue(unsubscribeFrame(id)); err != nil {
		slog.Debug("unsubscribe not sent", "subscription_id", id, "error", err)
	}
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	sess, err := m.handshake(ctx, gen)
	if err != nil {
		slog.Warn("broker handshake failed", "error", err)
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = sess.conn.Close()
		return
	}
	m.sess = sess
	m.setStateLocked(models.Connected)
	// The initial room is handed to the hooks once; later handshakes restore
	// whatever the hooks recorded.
	initial := m.initial
	m.initial = 0
	hooks := slices.Clone(m.connectHooks)
	m.mu.Unlock()
	m.flushStates()

	slog.Info("connected to broker",
		"heartbeat_out", sess.heartbeatOut,
		"heartbeat_in", sess.heartbeatIn,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.handle(ctx, sess)
	}()

	for _, hook := range hooks {
		hook(initial)
	}

	if err := <-errCh; err != nil {
		slog.Warn("broker connection lost", "error", err)
		m.fail(gen, err)
	}
}

func (m *Manager) handshake(ctx context.Context, gen uint64) (*session, error) {
	token := ""
	if m.tokens != nil {
		token = m.tokens.Token()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, err := m.config.Dialer.Dial(ctx, m.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	// Disconnect during the handshake unblocks the read below.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := encodeFrame(connectFrame(m.config.Host, token, m.config.Heartbeat))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write connect: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read connected: %w", err)
		}
		frames, err := decodeFrames(data)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(frames) == 0 {
			continue
		}

		f := frames[0]
		switch f.Command {
		case frame.CONNECTED:
			out, in, err := negotiateHeartbeat(m.config.Heartbeat, f)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			return &session{
				gen:          gen,
				conn:         conn,
				outbox:       make(chan outgoing, outboxSize),
				done:         make(chan struct{}),
				subs:         make(map[string]subscription),
				heartbeatOut: out,
				heartbeatIn:  in,
			}, nil
		case frame.ERROR:
			_ = conn.Close()
			return nil, fmt.Errorf("broker rejected connect: %s", f.Header.Get(frame.Message))
		default:
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s before CONNECTED", errUnexpectedCommand, f.Command)
		}
	}
}

// handle runs the read and write pumps until one of them fails or ctx is done.
func (m *Manager) handle(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithCancel(ctx)
	errorCh := make(chan error, 2)
	defer close(sess.done)

	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- m.readLoop(ctx, sess)
		cancel()
	})
	wg.Go(func() {
		errorCh <- sess.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}
	_ = sess.conn.Close()
	wg.Wait()

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errSessionClosed) {
		return nil
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, sess *session) error {
	for {
		if sess.heartbeatIn > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(2 * sess.heartbeatIn))
		}

		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrHeartbeatTimeout
			}
			return err
		}

		frames, err := decodeFrames(data)
		if err != nil {
			slog.Warn("dropping undecodable frame", "error", err, "size", len(data))
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				m.dispatch(sess, f)
			case frame.ERROR:
				return fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))
			case frame.RECEIPT:
			default:
				slog.Debug("ignoring frame", "command", f.Command)
			}
		}
	}
}

func (m *Manager) dispatch(sess *session, f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)

	m.mu.Lock()
	sub, ok := sess.subs[id]
	m.mu.Unlock()

	if !ok {
		slog.Debug("message for unknown subscription", "subscription_id", id)
		return
	}
	sub.handler(f.Body)
}

func (s *session) writeLoop(ctx context.Context) error {
	var heartbeat <-chan time.Time
	if s.heartbeatOut > 0 {
		ticker := time.NewTicker(s.heartbeatOut)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case msg := <-s.outbox:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return err
			}
			if msg.final {
				return errSessionClosed
			}
		case <-heartbeat:
			if err := s.conn.WriteMessage(websocket.TextMessage, heartbeatMessage); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) enqueue(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case s.outbox <- outgoing{data: data}:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// shutdown sends DISCONNECT after everything already queued and waits for the
// pumps to stop.
func (s *session) shutdown() {
	data, err := encodeFrame(frame.New(frame.DISCONNECT))
	if err == nil {
		select {
		case s.outbox <- outgoing{data: data, final: true}:
		case <-s.done:
			return
		case <-time.After(closeTimeout):
		}
	}

	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		_ = s.conn.Close()
	}
}

// fail records a transport error for gen and schedules a reconnect. Stale
// generations are ignored.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.sess = nil
	m.setStateLocked(models.Disconnected)
	m.reconnect = time.AfterFunc(m.config.ReconnectDelay, func() {
		m.retry(gen)
	})
	m.mu.Unlock()
	m.flushStates()

	slog.Info("reconnect scheduled", "delay", m.config.ReconnectDelay, "cause", err)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != models.Disconnected {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.startLocked()
	m.mu.Unlock()
	m.flushStates()
}

func (m *Manager) setStateLocked(state models.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	close(m.changed)
	m.changed = make(chan struct{})
	m.pending = append(m.pending, state)
}

// flushStates delivers queued state changes in order. Only one goroutine
// delivers at a time, so callbacks may call back into the manager.
func (m *Manager) flushStates() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true

	for len(m.pending) > 0 {
		state := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		if m.config.OnStateChange != nil {
			m.config.OnStateChange(state)
		}

		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}
