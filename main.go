package main

import (
	"bazaar/internal/api"
	"bazaar/internal/auth"
	"bazaar/internal/chat"
	"bazaar/internal/config"
	"bazaar/internal/content"
	"bazaar/internal/models"
	"bazaar/internal/notify"
	"bazaar/internal/storage"
	"bazaar/internal/ws"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

var errSessionExpired = errors.New("session expired, sign in again")

type sessionStorage interface {
	auth.Backend
	io.Closer
}

func openStorage(ctx context.Context, cfg *config.Config) (sessionStorage, error) {
	switch cfg.SessionBackend {
	case config.BackendRedis:
		return storage.NewRedisStorage(ctx, cfg.RedisURL, cfg.Profile)
	case config.BackendMemory:
		return storage.NewMemoryStorage(), nil
	default:
		return storage.NewBboltStorage(cfg.SessionDB)
	}
}

// console serializes writes to out and remembers the newest message printed per room.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int64]time.Time
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) messages(roomID int64, log []models.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.printed[roomID]
	for _, m := range log {
		if !m.CreatedAt.After(last) {
			continue
		}
		_, _ = fmt.Fprintf(c.out, "[%d] %s #%d: %s\n", roomID, m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Content)
		last = m.CreatedAt
	}
	c.printed[roomID] = last
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	creds, err := auth.NewCredentialStore(store)
	if err != nil {
		return err
	}
	if cfg.AccessToken != "" {
		if err := creds.Set(models.Credential{Token: cfg.AccessToken}); err != nil {
			return err
		}
	}
	if creds.Get().IsZero() {
		return errors.New("not signed in: set CHAT_ACCESS_TOKEN")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	gw, err := auth.NewGateway(auth.Config{
		BaseURL:       cfg.APIURL,
		OnAuthExpired: func() { cancel(errSessionExpired) },
	}, creds)
	if err != nil {
		return err
	}
	client := api.New(gw)

	manager, err := ws.NewManager(ws.Config{
		URL:            cfg.BrokerURL,
		Heartbeat:      cfg.Heartbeat,
		ReconnectDelay: cfg.ReconnectDelay,
		OnStateChange: func(s models.ConnectionState) {
			log.Printf("Broker connection %s", s)
		},
	}, gw)
	if err != nil {
		return err
	}

	var roomStore chat.RoomStore
	if rs, ok := store.(chat.RoomStore); ok {
		roomStore = rs
	}
	dir, err := chat.NewDirectory(roomStore)
	if err != nil {
		return err
	}

	term := &console{out: out, printed: make(map[int64]time.Time)}
	var current atomic.Int64

	messages := chat.New(chat.Config{
		MaxRecords: cfg.MaxRecords,
		Publisher:  manager,
		Rooms:      dir,
		Users:      creds,
		Renderer:   content.NewRenderer(),
		OnUpdate: func(roomID int64, log []models.ChatMessage) {
			if roomID == current.Load() {
				term.messages(roomID, log)
			}
		},
	})

	registry := ws.NewRegistry(ws.RegistryConfig{MarkReadDelay: cfg.MarkReadDelay}, manager, messages, dir, client)
	defer manager.Disconnect()

	stream := notify.New(notify.Config{
		Debounce: cfg.NotifyDebounce,
		OnDelayedUnread: func(n int) {
			term.printf("* %d unread notifications\n", n)
		},
	}, client)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rooms, err := client.Rooms(gCtx)
		if err != nil {
			return fmt.Errorf("failed to load rooms: %w", err)
		}
		dir.Replace(rooms)
		return nil
	})
	g.Go(func() error {
		return stream.Reload(gCtx)
	})
	g.Go(func() error {
		n, err := stream.Refresh(gCtx)
		if err != nil {
			return fmt.Errorf("failed to load unread count: %w", err)
		}
		stream.SetUnreadCount(n)
		return nil
	})
	if err := g.Wait(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}

	stream.Start()
	defer stream.Stop()

	open := func(roomID int64) error {
		if err := registry.Subscribe(roomID); err != nil {
			return err
		}
		current.Store(roomID)
		history, err := client.History(ctx, roomID)
		if err != nil {
			return err
		}
		messages.MergeHistory(roomID, history)
		return nil
	}

	if cfg.Room > 0 {
		if err := open(cfg.Room); err != nil {
			log.Printf("Failed to open room %d: %v", cfg.Room, err)
		}
	} else {
		manager.Connect(0)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return nil
		case "/logout":
			return gw.Logout(ctx)
		case "/rooms":
			for _, r := range dir.List() {
				term.printf("%d\t%s\t%d unread\t%s\n", r.ID, r.ProductTitle, r.UnreadCount, r.LastMessage)
			}
		case "/room":
			roomID, err := api.ParseID(arg)
			if err != nil {
				term.printf("! %v\n", err)
				continue
			}
			if err := open(roomID); err != nil {
				term.printf("! failed to open room %d: %v\n", roomID, err)
			}
		case "/notifications":
			if err := stream.Reload(ctx); err != nil {
				term.printf("! %v\n", err)
				continue
			}
			for _, n := range stream.Notifications() {
				term.printf("%d\t%s\t%s\n", n.ID, n.Title, n.Message)
			}
		case "/read":
			id, err := api.ParseID(arg)
			if err != nil {
				term.printf("! %v\n", err)
				continue
			}
			if err := stream.MarkRead(ctx, id); err != nil {
				term.printf("! %v\n", err)
			}
		default:
			roomID := current.Load()
			if roomID == 0 {
				term.printf("! open a room first with /room <id>\n")
				continue
			}
			if _, err := messages.Send(roomID, line, models.MessageTypeText); err != nil {
				term.printf("! %v\n", err)
			}
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
