package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bot-core/pkg/ratelimit"
)

// Config holds connection settings for one client.
type Config struct {
	Endpoint string // ws(s) URL without the app_id query
	AppID    string
	Token    string // API token; empty skips the authorize handshake

	SendTimeout          time.Duration // per request/response exchange
	MaxSendRetries       int           // whole-request attempts in Send
	RetryDelay           time.Duration // linear backoff base between attempts
	MaxReconnectAttempts int
	ReconnectCap         time.Duration // ceiling for exponential backoff
	FlushTimeout         time.Duration // quiet window that ends a flush
	RateLimit            float64       // requests per second
	RateBurst            int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "wss://ws.derivws.com/websockets/v3",
		AppID:                "1089",
		SendTimeout:          30 * time.Second,
		MaxSendRetries:       3,
		RetryDelay:           2 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectCap:         30 * time.Second,
		FlushTimeout:         300 * time.Millisecond,
		RateLimit:            10,
		RateBurst:            20,
	}
}

func (cfg Config) dialURL() string {
	if cfg.AppID == "" || strings.Contains(cfg.Endpoint, "app_id=") {
		return cfg.Endpoint
	}
	sep := "?"
	if strings.Contains(cfg.Endpoint, "?") {
		sep = "&"
	}
	return cfg.Endpoint + sep + "app_id=" + cfg.AppID
}

// link bundles one live socket with its reader goroutine state. A new link
// is created on every (re)connect so stale goroutines never touch the
// current connection.
type link struct {
	conn   *websocket.Conn
	frames chan []byte
	stop   chan struct{}
	err    error // set by readLoop before frames is closed
}

// Client is a request/response client over a single multiplexed WebSocket.
//
// Every exchange is serialized behind one mutex: a request id is attached,
// the frame is written, and frames are read until one echoes that id.
// Subscription pushes arriving between exchanges are buffered by the reader
// goroutine and consumed through NextContractUpdate. The client is safe for
// concurrent use, but a session is expected to drive it sequentially.
type Client struct {
	cfg    Config
	bucket *ratelimit.TokenBucket

	mu        sync.Mutex // serializes exchanges and guards the fields below
	link      *link
	connected bool
	permanent bool
	reqID     int64
	loginID   string

	connMu sync.Mutex // serializes whole reconnect sequences
}

// NewClient builds a client with its own rate limiter. Zero-valued config
// fields fall back to DefaultConfig.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxSendRetries <= 0 {
		cfg.MaxSendRetries = def.MaxSendRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = def.ReconnectCap
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	return &Client{
		cfg:    cfg,
		bucket: ratelimit.New(cfg.RateLimit, cfg.RateBurst),
	}
}

// Connect dials the endpoint and, when a token is configured, performs the
// authorize handshake. Errors are returned to the caller; Connect never
// retries on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.link != nil {
		return nil
	}
	c.dropLinkLocked()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}

	l := &link{
		conn:   conn,
		frames: make(chan []byte, 64),
		stop:   make(chan struct{}),
	}
	c.link = l
	c.connected = true
	go readLoop(l)

	if c.cfg.Token != "" {
		if err := c.authorizeLocked(ctx); err != nil {
			c.dropLinkLocked()
			return fmt.Errorf("authorize: %w", err)
		}
	}

	c.permanent = false
	log.Printf("deriv: connected to %s", c.cfg.Endpoint)
	return nil
}

// Connected reports whether the socket is believed alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.link != nil
}

// LoginID returns the account id from the authorize response.
func (c *Client) LoginID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginID
}

// EnsureConnected returns immediately when the socket is alive, otherwise
// runs the reconnect sequence.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected && c.link != nil {
		c.mu.Unlock()
		return nil
	}
	if c.permanent {
		c.mu.Unlock()
		return ErrConnectionFailed
	}
	c.mu.Unlock()
	return c.Reconnect(ctx)
}

// Reconnect redials with exponential backoff, min(2^attempt, cap) per wait.
// Exhausting the attempt budget marks the connection permanently failed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.connected && c.link != nil {
		c.mu.Unlock()
		return nil
	}
	if c.permanent {
		c.mu.Unlock()
		return ErrConnectionFailed
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > c.cfg.ReconnectCap {
			delay = c.cfg.ReconnectCap
		}
		log.Printf("deriv: reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			lastErr = err
			log.Printf("deriv: reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		return nil
	}

	c.mu.Lock()
	c.permanent = true
	c.mu.Unlock()
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, c.cfg.MaxReconnectAttempts, lastErr)
}

// Close shuts the socket down gracefully. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = c.link.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.dropLinkLocked()
	return nil
}

// Send runs one request with the full retry policy: validation errors fail
// immediately, transient API errors and transport failures retry with
// linearly increasing backoff, reconnecting first when the socket died.
func (c *Client) Send(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxSendRetries; attempt++ {
		raw, err := c.sendAttempt(ctx, req)
		if err == nil {
			return raw, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, ErrConnectionFailed) {
			return nil, err
		}

		lastErr = err
		if attempt == c.cfg.MaxSendRetries {
			break
		}
		log.Printf("deriv: request attempt %d/%d failed: %v", attempt, c.cfg.MaxSendRetries, err)
		if !c.Connected() {
			if rerr := c.EnsureConnected(ctx); rerr != nil {
				return nil, rerr
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxSendRetries, lastErr)
}

// sendAttempt performs exactly one exchange. Callers that must never repeat
// a request on the wire (buy) use this instead of Send.
func (c *Client) sendAttempt(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeLocked(ctx, req)
}

// exchangeLocked writes the request and reads frames until one echoes its
// req_id. Frames without the id, or with someone else's, are logged and
// discarded. Error frames come back as *APIError.
func (c *Client) exchangeLocked(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	if c.link == nil || !c.connected {
		return nil, ErrNotConnected
	}

	c.reqID++
	id := c.reqID
	req["req_id"] = id

	l := c.link
	_ = l.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	if err := l.conn.WriteJSON(req); err != nil {
		c.markDeadLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	deadline := time.Now().Add(c.cfg.SendTimeout)
	for {
		raw, err := c.readFrameLocked(ctx, l, deadline)
		if err != nil {
			if !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
				c.markDeadLocked()
			}
			return nil, err
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("deriv: discarding unparseable frame: %v", err)
			continue
		}
		got := f.reqID()
		if got == 0 {
			log.Printf("deriv: discarding frame without req_id (msg_type=%s)", f.MsgType)
			continue
		}
		if got != id {
			log.Printf("deriv: discarding frame with req_id %d, waiting for %d", got, id)
			continue
		}
		if f.Error != nil {
			return nil, f.Error
		}
		return raw, nil
	}
}

// readFrameLocked waits for the next buffered frame from the given link.
func (c *Client) readFrameLocked(ctx context.Context, l *link, deadline time.Time) ([]byte, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil, ErrTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case raw, ok := <-l.frames:
		if !ok {
			if l.err != nil {
				return nil, fmt.Errorf("read: %w", l.err)
			}
			return nil, ErrNotConnected
		}
		return raw, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FlushStale drains frames buffered before a new subscription starts. It
// returns once no frame arrives within the quiet window. The count of
// discarded frames is returned for logging.
func (c *Client) FlushStale(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = c.cfg.FlushTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return 0
	}

	flushed := 0
	for {
		select {
		case _, ok := <-c.link.frames:
			if !ok {
				return flushed
			}
			flushed++
		case <-time.After(timeout):
			if flushed > 0 {
				log.Printf("deriv: flushed %d stale frame(s)", flushed)
			}
			return flushed
		}
	}
}

// NextContractUpdate waits up to the given window for the next
// proposal_open_contract push. Frames of other types are discarded; error
// frames are logged and skipped so one bad push cannot end monitoring.
func (c *Client) NextContractUpdate(ctx context.Context, wait time.Duration) (*ContractUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil || !c.connected {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(wait)
	for {
		raw, err := c.readFrameLocked(ctx, c.link, deadline)
		if err != nil {
			if !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
				c.markDeadLocked()
			}
			return nil, err
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("deriv: discarding unparseable frame: %v", err)
			continue
		}
		if f.Error != nil {
			log.Printf("deriv: error frame during monitoring: %v", f.Error)
			continue
		}
		if f.MsgType != "proposal_open_contract" {
			continue
		}

		var resp struct {
			Contract ContractUpdate `json:"proposal_open_contract"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Printf("deriv: malformed contract update: %v", err)
			continue
		}
		update := resp.Contract
		if f.Subscription != nil {
			update.SubscriptionID = f.Subscription.ID
		}
		return &update, nil
	}
}

func (c *Client) authorizeLocked(ctx context.Context) error {
	raw, err := c.exchangeLocked(ctx, map[string]any{"authorize": c.cfg.Token})
	if err != nil {
		return err
	}
	var resp struct {
		Authorize struct {
			LoginID  string  `json:"loginid"`
			Balance  float64 `json:"balance"`
			Currency string  `json:"currency"`
		} `json:"authorize"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse authorize response: %w", err)
	}
	if resp.Authorize.LoginID == "" {
		return errors.New("authorize response missing loginid")
	}
	c.loginID = resp.Authorize.LoginID
	log.Printf("deriv: authorized as %s (%s)", resp.Authorize.LoginID, resp.Authorize.Currency)
	return nil
}

// markDeadLocked tears the link down after a transport failure. The next
// Send or EnsureConnected triggers the reconnect sequence.
func (c *Client) markDeadLocked() {
	c.dropLinkLocked()
}

func (c *Client) dropLinkLocked() {
	if c.link != nil {
		close(c.link.stop)
		_ = c.link.conn.Close()
		c.link = nil
	}
	c.connected = false
}

// readLoop pumps raw frames into the link's channel until the socket errors
// or the link is stopped. The error is recorded before the channel closes
// so consumers can report the real cause.
func readLoop(l *link) {
	defer close(l.frames)
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
				// expected shutdown, keep err nil
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
					!strings.Contains(err.Error(), "use of closed network connection") {
					l.err = err
				}
			}
			return
		}
		select {
		case l.frames <- raw:
		case <-l.stop:
			return
		}
	}
}
