package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"bazaar/internal/auth"
	"bazaar/internal/models"
)

const (
	roomsPath              = "/api/chat/rooms"
	roomMessagesPath       = "/api/chat/rooms/%d/messages"
	roomReadPath           = "/api/chat/rooms/%d/read"
	unreadCountPath        = "/api/notifications/unread-count"
	notificationsPath      = "/api/notifications"
	notificationReadPath   = "/api/notifications/%d/read"
	NotificationStreamPath = "/api/notifications/subscribe"

	maxErrorBody = 4 << 10
)

// StatusError is a non-2xx response that was not handled by the gateway.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsServerError reports whether err carries a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// Requester is satisfied by *auth.Gateway.
type Requester interface {
	Do(ctx context.Context, req auth.Request) (*http.Response, error)
}

// Client is the typed REST surface the sync core needs. Every call goes through
// the gateway so refresh and replay happen underneath.
type Client struct {
	gw Requester
}

func New(gw Requester) *Client {
	return &Client{gw: gw}
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.call(ctx, http.MethodGet, roomsPath, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// History returns the room log as the server has it, oldest first.
func (c *Client) History(ctx context.Context, roomID int64) ([]models.ChatMessage, error) {
	var frames []models.MessageFrame
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf(roomMessagesPath, roomID), nil, &frames); err != nil {
		return nil, err
	}

	msgs := make([]models.ChatMessage, 0, len(frames))
	for _, f := range frames {
		msgs = append(msgs, f.Message())
	}
	return msgs, nil
}

func (c *Client) MarkRoomRead(ctx context.Context, roomID int64) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf(roomReadPath, roomID), nil, nil)
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp unreadCountResponse
	if err := c.call(ctx, http.MethodGet, unreadCountPath, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	var list []models.Notification
	if err := c.call(ctx, http.MethodGet, notificationsPath, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPatch, fmt.Sprintf(notificationReadPath, id), nil, nil)
}

// OpenNotificationStream opens the server-push stream. The caller owns the body.
func (c *Client) OpenNotificationStream(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.gw.Do(ctx, auth.Request{
		Method: http.MethodGet,
		Path:   NotificationStreamPath,
		Header: http.Header{
			"Accept":        []string{"text/event-stream"},
			"Cache-Control": []string{"no-cache"},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := checkStatus(http.MethodGet, NotificationStreamPath, resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	req := auth.Request{Method: method, Path: path}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req.Body = body
	}

	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(method, path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// checkStatus closes the body when it returns an error.
func checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   string(body),
	}
}

// ParseID reads a numeric path id such as a room id typed on the command line.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
