package mcs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientConfig holds the MCS connection configuration.
type ClientConfig struct {
	// URL is the MCS WebSocket endpoint, e.g. "ws://localhost:3010/mcs".
	URL string
	// RequestTimeout bounds a single RPC round trip.
	RequestTimeout time.Duration
	// ReconnectInterval is the base redial delay after a link loss.
	ReconnectInterval time.Duration
	// MaxReconnectInterval caps the redial backoff.
	MaxReconnectInterval time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:                  "ws://localhost:3010/mcs",
		RequestTimeout:       10 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}
}

// request is one RPC frame sent to the MCS.
type request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// envelope is any frame received from the MCS: an RPC response or an event.
type envelope struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`

	Event     string `json:"event,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	Name      string `json:"name,omitempty"`
	Details   string `json:"details,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcs error %d: %s", e.Code, e.Message)
}

// Client implements MediaServer over a WebSocket JSON link.
// It redials with backoff after a link loss; in-flight requests fail fast
// and OnDisconnect handlers fire once per loss.
type Client struct {
	cfg ClientConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan envelope

	handlerMu          sync.Mutex
	handlerSeq         uint64
	mediaHandlers      map[string]map[uint64]func(MediaEvent)
	disconnectHandlers map[uint64]func()

	connected atomic.Bool
	connCh    chan struct{} // closed when connected; replaced on loss
	connChMu  sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates an MCS client and starts the connection loop.
// The client is usable immediately; calls block in WaitForConnection
// until the first dial succeeds.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultClientConfig().ReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = DefaultClientConfig().MaxReconnectInterval
	}

	c := &Client{
		cfg:                cfg,
		pending:            make(map[string]chan envelope),
		mediaHandlers:      make(map[string]map[uint64]func(MediaEvent)),
		disconnectHandlers: make(map[uint64]func()),
		connCh:             make(chan struct{}),
		done:               make(chan struct{}),
	}

	c.wg.Add(1)
	go c.connectLoop()
	return c
}

// connectLoop dials the MCS and restarts the read loop after link losses.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectInterval
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			slog.Warn("[MCS] Dial failed", "url", c.cfg.URL, "error", err, "retry_in", delay)
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, c.cfg.MaxReconnectInterval)
			continue
		}
		delay = c.cfg.ReconnectInterval

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.setConnected(true)
		slog.Info("[MCS] Connected", "url", c.cfg.URL)

		c.readLoop(conn)

		c.setConnected(false)
		_ = conn.Close()

		select {
		case <-c.done:
			c.failPending(fmt.Errorf("mcs client closed"))
			return
		default:
		}
		c.failPending(fmt.Errorf("mcs link lost"))
		c.notifyDisconnect()
	}
}

// readLoop consumes frames until the link drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("[MCS] Read failed", "error", err)
			}
			return
		}

		switch {
		case env.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case env.Event != "":
			c.dispatchEvent(env)
		}
	}
}

func (c *Client) dispatchEvent(env envelope) {
	ev := MediaEvent{
		Name:      env.Name,
		MediaID:   env.MediaID,
		Details:   env.Details,
		Candidate: env.Candidate,
	}
	if env.Event == "MEDIA_STATE_ICE" {
		ev.Name = EventOnIceCandidate
	}

	c.handlerMu.Lock()
	handlers := make([]func(MediaEvent), 0, len(c.mediaHandlers[env.MediaID]))
	for _, fn := range c.mediaHandlers[env.MediaID] {
		handlers = append(handlers, fn)
	}
	c.handlerMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	c.connChMu.Lock()
	if up {
		select {
		case <-c.connCh:
		default:
			close(c.connCh)
		}
	} else {
		c.connCh = make(chan struct{})
	}
	c.connChMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- envelope{ID: id, Error: &rpcError{Code: -1, Message: err.Error()}}
	}
	c.mu.Unlock()
}

func (c *Client) notifyDisconnect() {
	c.handlerMu.Lock()
	handlers := make([]func(), 0, len(c.disconnectHandlers))
	for _, fn := range c.disconnectHandlers {
		handlers = append(handlers, fn)
	}
	c.handlerMu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// call performs one RPC round trip.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("mcs not connected")
	}

	req := request{ID: uuid.New().String(), Method: method, Params: params}
	ch := make(chan envelope, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("mcs not connected")
	} else {
		err = conn.WriteJSON(req)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-timeout.C:
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: request timed out", method)
	case env := <-ch:
		if env.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, env.Error)
		}
		var result map[string]any
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return nil, fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return result, nil
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// WaitForConnection implements MediaServer.WaitForConnection.
func (c *Client) WaitForConnection(ctx context.Context) bool {
	if c.connected.Load() {
		return true
	}
	c.connChMu.Lock()
	ch := c.connCh
	c.connChMu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// Join implements MediaServer.Join.
func (c *Client) Join(ctx context.Context, room string, opts JoinOptions) (string, error) {
	result, err := c.call(ctx, "join", map[string]any{
		"room":           room,
		"type":           "SFU",
		"externalUserId": opts.ExternalUserID,
		"autoLeave":      opts.AutoLeave,
	})
	if err != nil {
		return "", err
	}
	return str(result, "userId"), nil
}

// Publish implements MediaServer.Publish.
func (c *Client) Publish(ctx context.Context, userID, room string, typ MediaType, opts PublishOptions) (string, string, error) {
	result, err := c.call(ctx, "publish", map[string]any{
		"userId":               userID,
		"room":                 room,
		"type":                 string(typ),
		"descriptor":           opts.DescriptorOffer,
		"adapter":              opts.Adapter,
		"kind":                 string(opts.Kind),
		"overrideRouterCodecs": opts.OverrideRouterCodecs,
		"dedicatedRouter":      opts.DedicatedRouter,
	})
	if err != nil {
		return "", "", err
	}
	return str(result, "mediaId"), str(result, "answer"), nil
}

// Subscribe implements MediaServer.Subscribe.
func (c *Client) Subscribe(ctx context.Context, userID, room, sourceID string, typ MediaType, opts SubscribeOptions) (string, string, error) {
	result, err := c.call(ctx, "subscribe", map[string]any{
		"userId":     userID,
		"room":       room,
		"sourceId":   sourceID,
		"type":       string(typ),
		"descriptor": opts.DescriptorOffer,
		"adapter":    opts.Adapter,
		"kind":       string(opts.Kind),
	})
	if err != nil {
		return "", "", err
	}
	return str(result, "mediaId"), str(result, "answer"), nil
}

// Consume implements MediaServer.Consume.
func (c *Client) Consume(ctx context.Context, sourceID, sinkID string, kind MediaKind) (string, string, error) {
	result, err := c.call(ctx, "consume", map[string]any{
		"sourceId": sourceID,
		"sinkId":   sinkID,
		"kind":     string(kind),
	})
	if err != nil {
		return "", "", err
	}
	return str(result, "mediaId"), str(result, "answer"), nil
}

// Connect implements MediaServer.Connect.
func (c *Client) Connect(ctx context.Context, sourceID, sinkID string, kind MediaKind) error {
	_, err := c.call(ctx, "connect", map[string]any{
		"sourceId": sourceID,
		"sinkId":   sinkID,
		"kind":     string(kind),
	})
	return err
}

// ProcessAnswer implements MediaServer.ProcessAnswer.
func (c *Client) ProcessAnswer(ctx context.Context, mediaID, answer string) error {
	_, err := c.call(ctx, "processAnswer", map[string]any{
		"mediaId": mediaID,
		"answer":  answer,
	})
	return err
}

// AddIceCandidate implements MediaServer.AddIceCandidate.
func (c *Client) AddIceCandidate(ctx context.Context, mediaID, candidate string) error {
	_, err := c.call(ctx, "addIceCandidate", map[string]any{
		"mediaId":   mediaID,
		"candidate": candidate,
	})
	return err
}

// RestartIce implements MediaServer.RestartIce.
func (c *Client) RestartIce(ctx context.Context, mediaID string) (string, error) {
	result, err := c.call(ctx, "restartIce", map[string]any{"mediaId": mediaID})
	if err != nil {
		return "", err
	}
	return str(result, "offer"), nil
}

// Dtmf implements MediaServer.Dtmf.
func (c *Client) Dtmf(ctx context.Context, mediaID, tones string) (string, error) {
	result, err := c.call(ctx, "dtmf", map[string]any{
		"mediaId": mediaID,
		"tones":   tones,
	})
	if err != nil {
		return "", err
	}
	return str(result, "digits"), nil
}

// Unpublish implements MediaServer.Unpublish.
func (c *Client) Unpublish(ctx context.Context, userID, mediaID string) error {
	_, err := c.call(ctx, "unpublish", map[string]any{
		"userId":  userID,
		"mediaId": mediaID,
	})
	return err
}

// Leave implements MediaServer.Leave.
func (c *Client) Leave(ctx context.Context, room, userID string) error {
	_, err := c.call(ctx, "leave", map[string]any{
		"room":   room,
		"userId": userID,
	})
	return err
}

// subscription removes one handler registration on Unsubscribe.
type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// OnMediaEvent implements MediaServer.OnMediaEvent.
func (c *Client) OnMediaEvent(mediaID string, fn func(MediaEvent)) Subscription {
	c.handlerMu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	if c.mediaHandlers[mediaID] == nil {
		c.mediaHandlers[mediaID] = make(map[uint64]func(MediaEvent))
	}
	c.mediaHandlers[mediaID][id] = fn
	c.handlerMu.Unlock()

	return &subscription{cancel: func() {
		c.handlerMu.Lock()
		if handlers, ok := c.mediaHandlers[mediaID]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.mediaHandlers, mediaID)
			}
		}
		c.handlerMu.Unlock()
	}}
}

// OnDisconnect implements MediaServer.OnDisconnect.
func (c *Client) OnDisconnect(fn func()) Subscription {
	c.handlerMu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.disconnectHandlers[id] = fn
	c.handlerMu.Unlock()

	return &subscription{cancel: func() {
		c.handlerMu.Lock()
		delete(c.disconnectHandlers, id)
		c.handlerMu.Unlock()
	}}
}

// Close shuts the client down and stops the reconnect loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.writeMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

var _ MediaServer = (*Client)(nil)
