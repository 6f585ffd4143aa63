package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"bazaar/internal/models"
)

const (
	DefaultRefreshPath = "/api/auth/refresh"
	DefaultLogoutPath  = "/api/auth/logout"

	maxRefreshBody = 1 << 20
)

var (
	ErrAuthExpired = errors.New("authentication expired")
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL     string
	RefreshPath string
	LogoutPath  string
	// Client must carry the session cookies used by the refresh endpoint.
	Client Doer
	// OnAuthExpired is the process-wide re-authentication signal. It fires once per
	// failed refresh.
	OnAuthExpired func()
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	if c.LogoutPath == "" {
		c.LogoutPath = DefaultLogoutPath
	}
	if c.Client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.Client = &http.Client{Jar: jar}
	}
	return nil
}

// Request describes one authenticated call. Body is kept as bytes so the call
// can be replayed after a refresh.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

type refreshResponse struct {
	AccessToken        string `json:"accessToken"`
	RequiresOnboarding bool   `json:"requiresOnboarding"`
}

// pendingRequest is a call parked while a refresh is in flight.
// done receives nil when it may replay, or the refresh error.
type pendingRequest struct {
	req  Request
	done chan error
}

// Gateway performs authenticated calls and refreshes an expired credential
// exactly once no matter how many calls hit a 401 at the same time.
type Gateway struct {
	Config
	creds *CredentialStore

	mu         sync.Mutex
	refreshing bool
	pending    []*pendingRequest
}

func NewGateway(config Config, creds *CredentialStore) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		Config: config,
		creds:  creds,
	}, nil
}

// Token returns the current bearer token, empty when signed out.
func (g *Gateway) Token() string {
	return g.creds.Token()
}

func (g *Gateway) Credentials() *CredentialStore {
	return g.creds
}

// Do sends req with the current credential. Any status other than 401 is
// returned as-is, including 5xx.
func (g *Gateway) Do(ctx context.Context, req Request) (*http.Response, error) {
	return g.do(ctx, req, false)
}

func (g *Gateway) do(ctx context.Context, req Request, retried bool) (*http.Response, error) {
	resp, err := g.send(ctx, req, g.creds.Token())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	if retried {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrAuthExpired)
	}

	g.mu.Lock()
	if g.refreshing {
		p := &pendingRequest{req: req, done: make(chan error, 1)}
		g.pending = append(g.pending, p)
		g.mu.Unlock()
		return g.await(ctx, p)
	}
	g.refreshing = true
	g.mu.Unlock()

	if err := g.refreshOnce(ctx); err != nil {
		return nil, err
	}
	return g.do(ctx, req, true)
}

func (g *Gateway) await(ctx context.Context, p *pendingRequest) (*http.Response, error) {
	select {
	case err := <-p.done:
		if err != nil {
			return nil, err
		}
		return g.do(ctx, p.req, false)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refreshOnce must only be called by the goroutine that flipped refreshing to true.
func (g *Gateway) refreshOnce(ctx context.Context) (err error) {
	defer func() {
		g.mu.Lock()
		queue := g.pending
		g.pending = nil
		g.refreshing = false
		g.mu.Unlock()

		g.drain(queue, err)
		if err != nil {
			g.expire()
		}
	}()

	// A caller giving up must not log the whole session out.
	cred, err := g.refresh(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("credential refresh failed", "error", err)
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	if err := g.creds.Set(cred); err != nil {
		slog.Error("failed to persist refreshed credential", "error", err)
	}
	slog.Debug("credential refreshed")
	return nil
}

// drain hands the refresh outcome to every parked call exactly once.
func (g *Gateway) drain(queue []*pendingRequest, err error) {
	slog.Debug("releasing parked requests", "queued", len(queue), "refresh_failed", err != nil)
	for _, p := range queue {
		p.done <- err
	}
}

func (g *Gateway) expire() {
	if err := g.creds.Clear(); err != nil {
		slog.Error("failed to clear credential", "error", err)
	}
	if g.OnAuthExpired != nil {
		g.OnAuthExpired()
	}
}

func (g *Gateway) refresh(ctx context.Context) (models.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+g.RefreshPath, nil)
	if err != nil {
		return models.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return models.Credential{}, fmt.Errorf("refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Credential{}, fmt.Errorf("refresh returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	if err != nil {
		return models.Credential{}, fmt.Errorf("read refresh response: %w", err)
	}

	var body refreshResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return models.Credential{}, fmt.Errorf("decode refresh response: %w", err)
		}
	}

	token := body.AccessToken
	if token == "" {
		token = strings.TrimPrefix(resp.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return models.Credential{}, errors.New("refresh response carries no token")
	}

	return models.Credential{
		Token:              token,
		RequiresOnboarding: body.RequiresOnboarding,
	}, nil
}

func (g *Gateway) send(ctx context.Context, req Request, token string) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	url := req.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = g.BaseURL + url
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	return g.Client.Do(httpReq)
}

// Logout tells the server to drop the session and clears the local credential.
// The server call is best effort.
func (g *Gateway) Logout(ctx context.Context) error {
	resp, err := g.send(ctx, Request{Method: http.MethodPost, Path: g.LogoutPath}, g.creds.Token())
	if err != nil {
		slog.Warn("logout request failed", "error", err)
	} else {
		discard(resp)
	}
	return g.creds.Clear()
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
