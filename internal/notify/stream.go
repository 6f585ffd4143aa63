package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"golang.org/x/sync/singleflight"

	"bazaar/internal/models"
)

const (
	DefaultDebounce       = 500 * time.Millisecond
	DefaultReconnectDelay = 3 * time.Second

	maxEventSize = 64 << 10
	unreadKey    = "unread"
)

type unreadResult struct {
	seq uint64
	n   int
}

var (
	errStreamClosed = errors.New("notification stream closed by server")
)

// Source is the REST side of notifications. *api.Client satisfies it.
type Source interface {
	UnreadCount(ctx context.Context) (int, error)
	Notifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	OpenNotificationStream(ctx context.Context) (io.ReadCloser, error)
}

type Config struct {
	Debounce time.Duration
	// MaxWait caps how long a steady stream of changes can hold the badge back.
	// Defaults to four debounce windows.
	MaxWait        time.Duration
	ReconnectDelay time.Duration
	// OnDelayedUnread fires when the debounced badge value changes.
	OnDelayedUnread func(n int)
	OnNotifications func(list []models.Notification)
}

// Stream follows the server-push channel and exposes a debounced unread count.
// Push payloads are never trusted; every event triggers an authoritative re-fetch.
type Stream struct {
	config Config
	src    Source
	group  singleflight.Group

	mu            sync.Mutex
	running       bool
	gen           uint64
	cancel        context.CancelFunc
	unread        int
	delayed       int
	seq           uint64
	debounce      *time.Timer
	deadline      time.Time
	fetches       uint64
	notifications []models.Notification
}

func New(config Config, src Source) *Stream {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.MaxWait < config.Debounce {
		config.MaxWait = 4 * config.Debounce
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	return &Stream{config: config, src: src}
}

func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.gen++
	s.cancel = cancel

	go s.run(ctx, s.gen)
}

// Stop closes the stream. Responses still in flight are discarded.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Stream) stopLocked() {
	s.running = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.deadline = time.Time{}
	s.seq++
}

func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Unread is the authoritative count.
func (s *Stream) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Delayed is the debounced count meant for the badge.
func (s *Stream) Delayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayed
}

// SetUnreadCount updates the authoritative count at once and the badge after the
// debounce delay, provided the count is still non-zero then. Zero clears the badge
// immediately. A pending update never waits longer than MaxWait in total.
func (s *Stream) SetUnreadCount(n int) {
	s.mu.Lock()
	s.unread = n
	s.seq++
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}

	if n == 0 {
		changed := s.delayed != 0
		s.delayed = 0
		s.deadline = time.Time{}
		s.mu.Unlock()
		if changed {
			s.notifyDelayed(0)
		}
		return
	}

	now := time.Now()
	if s.deadline.IsZero() {
		s.deadline = now.Add(s.config.MaxWait)
	}
	delay := min(s.config.Debounce, s.deadline.Sub(now))

	seq := s.seq
	s.debounce = time.AfterFunc(delay, func() {
		s.settle(seq)
	})
	s.mu.Unlock()
}

func (s *Stream) settle(seq uint64) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.debounce = nil
	s.deadline = time.Time{}
	if s.unread == 0 || s.delayed == s.unread {
		s.mu.Unlock()
		return
	}
	s.delayed = s.unread
	n := s.delayed
	s.mu.Unlock()

	s.notifyDelayed(n)
}

func (s *Stream) notifyDelayed(n int) {
	slog.Debug("unread badge updated", "unread", n)
	if s.config.OnDelayedUnread != nil {
		s.config.OnDelayedUnread(n)
	}
}

// Refresh fetches the authoritative unread count. The result always comes from a
// request that started after the call; callers arriving while a request is in
// flight share the single follow-up request.
func (s *Stream) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	ticket := s.fetches + 1
	s.mu.Unlock()

	for {
		ch := s.group.DoChan(unreadKey, func() (any, error) {
			s.mu.Lock()
			s.fetches++
			seq := s.fetches
			s.mu.Unlock()

			n, err := s.src.UnreadCount(ctx)
			return unreadResult{seq: seq, n: n}, err
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		v := res.Val.(unreadResult)
		if v.seq < ticket {
			slog.Debug("unread count fetch predates the request, fetching again")
			continue
		}
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			slog.Debug("unread count fetch coalesced")
		}
		return v.n, nil
	}
}

// Notifications returns the last fetched list.
func (s *Stream) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notifications)
}

// Reload replaces the cached list with the server's.
func (s *Stream) Reload(ctx context.Context) error {
	list, err := s.src.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	s.mu.Lock()
	s.notifications = list
	snapshot := slices.Clone(list)
	s.mu.Unlock()

	if s.config.OnNotifications != nil {
		s.config.OnNotifications(snapshot)
	}
	return nil
}

// MarkRead acknowledges one notification and re-syncs the unread count.
func (s *Stream) MarkRead(ctx context.Context, id int64) error {
	if err := s.src.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}

	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].UnreadDelta = 0
		}
	}
	s.mu.Unlock()

	n, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	s.SetUnreadCount(n)
	return nil
}

func (s *Stream) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

func (s *Stream) run(ctx context.Context, gen uint64) {
	for {
		err := s.consume(ctx, gen)
		if ctx.Err() != nil || !s.current(gen) {
			return
		}
		slog.Warn("notification stream dropped", "error", err)

		// One authoritative re-check decides between reconnecting and giving up.
		n, err := s.Refresh(ctx)
		if !s.current(gen) {
			return
		}
		if err != nil {
			slog.Info("notification stream stopped", "reason", err)
			s.mu.Lock()
			if s.gen == gen {
				s.stopLocked()
			}
			s.mu.Unlock()
			return
		}
		s.SetUnreadCount(n)

		select {
		case <-time.After(s.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) consume(ctx context.Context, gen uint64) error {
	body, err := s.src.OpenNotificationStream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	slog.Debug("notification stream open")
	go s.sync(ctx, gen)

	reader := sse.NewEventStreamReader(body, maxEventSize)
	for {
		raw, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return err
		}

		name, ok := parseEvent(raw)
		if !ok {
			continue
		}
		slog.Debug("notification event", "event", name)
		go s.sync(ctx, gen)
	}
}

// sync re-fetches the authoritative count and feeds it to the debouncer.
func (s *Stream) sync(ctx context.Context, gen uint64) {
	n, err := s.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("failed to refresh unread count", "error", err)
		}
		return
	}
	if !s.current(gen) {
		return
	}
	s.SetUnreadCount(n)
}

// parseEvent reports the event name of a raw SSE block. Comment-only blocks
// (keep-alives) are not events.
func parseEvent(raw []byte) (string, bool) {
	var (
		name string
		ok   bool
	)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0 || line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
			ok = true
		case bytes.HasPrefix(line, []byte("data:")):
			ok = true
		}
	}
	if ok && name == "" {
		name = "message"
	}
	return name, ok
}
