package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brokerportal/sessionguard/key"
)

// eventQueueSize is the bounded channel capacity for outbound security events.
const eventQueueSize = 1024

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// StatusError reports a non-2xx platform response.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Client implements KeyService, AnomalyDetector, EventSink, IPLookup and
// KeyAdmin over HTTP.
type Client struct {
	baseURL     string
	apiKey      string
	ipLookupURL string
	source      string
	http        *http.Client
	logger      *slog.Logger
	admin       atomic.Bool

	events chan SecurityEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var (
	_ KeyService      = (*Client)(nil)
	_ AnomalyDetector = (*Client)(nil)
	_ EventSink       = (*Client)(nil)
	_ IPLookup        = (*Client)(nil)
	_ KeyAdmin        = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client (10s timeout).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithAPIKey sets the key sent in the apikey and Authorization headers.
func WithAPIKey(apiKey string) ClientOption {
	return func(cl *Client) { cl.apiKey = apiKey }
}

// WithIPLookupURL sets the public IP lookup endpoint.
func WithIPLookupURL(url string) ClientOption {
	return func(cl *Client) { cl.ipLookupURL = url }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for the platform at baseURL and starts the
// background security-event dispatcher.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.New(slog.DiscardHandler),
		events:  make(chan SecurityEvent, eventQueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "platform")
	c.wg.Add(1)
	go c.loop()
	return c
}

// SetAdmin marks subsequent admin calls as made by a privileged identity.
func (c *Client) SetAdmin(admin bool) {
	c.admin.Store(admin)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "SessionGuard/1.0")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &StatusError{Op: op, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.do(op, req, out)
}

// RequestMasterKey asks the key-issuing endpoint for a session key.
func (c *Client) RequestMasterKey(ctx context.Context) (string, error) {
	var resp KeyResponse
	if err := c.post(ctx, "requesting master key", PathSessionEncryption,
		KeyRequest{RequestType: RequestTypeMasterKey}, &resp); err != nil {
		return "", err
	}
	if resp.SessionEncryptionKey == "" {
		return "", ErrEmptyKey
	}
	return resp.SessionEncryptionKey, nil
}

// DetectAnomaly invokes the anomaly-detection procedure.
func (c *Client) DetectAnomaly(ctx context.Context, in AnomalyRequest) (AnomalyResponse, error) {
	var resp AnomalyResponse
	if err := c.post(ctx, "detecting anomaly", PathDetectAnomaly, in, &resp); err != nil {
		return AnomalyResponse{}, err
	}
	return resp, nil
}

// PublicIP looks up the client's public address. Any failure yields
// UnknownIP.
func (c *Client) PublicIP(ctx context.Context) string {
	if c.ipLookupURL == "" {
		return UnknownIP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ipLookupURL, nil)
	if err != nil {
		return UnknownIP
	}
	req.Header.Set("Accept", "application/json")
	var resp IPResponse
	if err := c.do("looking up public ip", req, &resp); err != nil {
		c.logger.Debug("public ip lookup failed", "error", err)
		return UnknownIP
	}
	if resp.IP == "" {
		return UnknownIP
	}
	return resp.IP
}

// CreateEncryptionKey registers a new server-tracked key and returns its id.
func (c *Client) CreateEncryptionKey(ctx context.Context, identifier, algorithm string) (string, error) {
	const op = "creating encryption key"
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+PathCreateEncryptionKey,
		CreateKeyRequest{KeyIdentifier: identifier, Algorithm: algorithm})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if c.admin.Load() {
		req.Header.Set(AdminHeader, "true")
	}
	var id string
	if err := c.do(op, req, &id); err != nil {
		return "", err
	}
	return id, nil
}

// ListEncryptionKeys returns metadata for every server-tracked key.
func (c *Client) ListEncryptionKeys(ctx context.Context) ([]key.Metadata, error) {
	const op = "listing encryption keys"
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+PathEncryptionKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var keys []key.Metadata
	if err := c.do(op, req, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// LogSecurityEvent enqueues e for delivery. It never blocks; when the queue
// is full or the client is closed the event is dropped with a warning.
func (c *Client) LogSecurityEvent(_ context.Context, e SecurityEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.logger.Warn("security event queue full, dropping event", "event", e.EventType)
	}
}

// Close stops accepting events and drains the queue.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Client) loop() {
	defer c.wg.Done()
	for e := range c.events {
		c.sendEvent(e)
	}
}

// sendEvent POSTs e with one retry on 5xx or transport failure.
func (c *Client) sendEvent(e SecurityEvent) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		req, err := c.newRequest(context.Background(), http.MethodPost, c.baseURL+PathSecurityEvents, e)
		if err != nil {
			c.logger.Warn("building security event request failed", "error", err)
			return
		}
		err = c.do("logging security event", req, nil)
		if err == nil {
			return
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			c.logger.Warn("security event rejected", "status", se.Code, "event", e.EventType)
			return
		}
		c.logger.Warn("security event delivery failed", "error", err, "attempt", attempt+1)
	}
}
