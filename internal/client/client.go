// Package client talks to the bulk processing service: it begins upload
// sessions, fetches their progress one request at a time, and sends
// cancellation notices. Every failure is reported with a classify.Kind.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/clock/system"
	"github.com/JakeFAU/geoload/internal/id/uuid"
)

const (
	sessionPlaceholder = "{sessionId}"
	defaultUserAgent   = "geoload/dev"
	maxErrorBody       = 4096
)

// Clock stamps snapshots.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces X-Request-ID values.
type IDGenerator interface {
	NewRequestID() (string, error)
}

// Config describes the service endpoints and per-call deadlines. Paths are
// joined onto BaseURL; StatusPath and CancelPath must contain {sessionId}.
type Config struct {
	BaseURL    string
	UploadPath string
	StatusPath string
	CancelPath string
	UserAgent  string

	// StartTimeout of zero leaves the upload bounded only by the transport.
	StartTimeout  time.Duration
	StatusTimeout time.Duration
	CancelTimeout time.Duration

	HTTPClient *http.Client
	Clock      Clock
	IDs        IDGenerator
	Logger     *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	clock  Clock
	ids    IDGenerator
	logger *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q must be absolute", cfg.BaseURL)
	}
	if !strings.Contains(cfg.StatusPath, sessionPlaceholder) || !strings.Contains(cfg.CancelPath, sessionPlaceholder) {
		return nil, errors.New("client: status and cancel paths must contain " + sessionPlaceholder)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   cfg.HTTPClient,
		clock:  cfg.Clock,
		ids:    cfg.IDs,
		logger: cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.clock == nil {
		c.clock = system.New()
	}
	if c.ids == nil {
		c.ids = uuid.NewUUIDGenerator()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("client")
	return c, nil
}

// Now returns the client's clock reading.
func (c *Client) Now() time.Time {
	return c.clock.Now()
}

// GetJSON issues one GET against path with query and decodes the body into
// out. A positive timeout bounds the call.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, timeout time.Duration, out any) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.endpoint(path, "")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path, sessionID string) string {
	if sessionID != "" {
		path = strings.ReplaceAll(path, sessionPlaceholder, url.PathEscape(sessionID))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base + path
}

// do sends req with the common headers. Non-2xx responses are drained,
// closed and returned as *classify.StatusError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if id, err := c.ids.NewRequestID(); err == nil {
		req.Header.Set("X-Request-ID", id)
	} else {
		c.logger.Debug("request id unavailable", zap.Error(err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &classify.StatusError{
		Method:     req.Method,
		URL:        req.URL.Path,
		StatusCode: resp.StatusCode,
		Status:     serverErrorText(body),
	}
}

// serverErrorText extracts the error/message field of a JSON error body.
func serverErrorText(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Mensaje string `json:"mensaje"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	for _, s := range []string{payload.Error, payload.Message, payload.Mensaje} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
