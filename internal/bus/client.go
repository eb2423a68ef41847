// Package bus is the typed facade over the conferencing message bus.
// Clients publish requests on the to-SFU channel; the SFU answers on the
// client-facing channel and receives meeting lifecycle events on a third.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "github.com/voxmeet/sfu/api/types/v1"
)

// Meeting event names delivered on the meeting-events channel.
const (
	EventUserLeft            = "UserLeftMeetingEvtMsg"
	EventCamBroadcastStarted = "UserBroadcastCamStartedEvtMsg"
)

// MeetingEvent is a meeting lifecycle notification from the conferencing app.
type MeetingEvent struct {
	Name      string `json:"name"`
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Stream    string `json:"stream,omitempty"`
}

// Subscription is a handle for an event registration.
type Subscription interface {
	Unsubscribe()
}

// Publisher publishes outbound frames to clients.
type Publisher interface {
	PublishFrame(ctx context.Context, frame v1.Frame) error
}

// MeetingEvents exposes meeting lifecycle subscriptions.
type MeetingEvents interface {
	// OnUserLeft fires when the given user leaves the given meeting.
	OnUserLeft(meetingID, userID string, fn func()) Subscription
	// OnCamBroadcastStarted fires for every camera broadcast announcement.
	OnCamBroadcastStarted(fn func(ev MeetingEvent)) Subscription
}

// Config holds the bus connection and channel layout.
type Config struct {
	Addr     string
	Password string
	DB       int

	// ToClientChannel carries outbound frames to the frontend gateway.
	ToClientChannel string
	// MeetingEventsChannel carries meeting lifecycle events.
	MeetingEventsChannel string
}

// Client is the redis-backed bus gateway.
type Client struct {
	rdb *redis.Client
	cfg Config

	handlerMu    sync.Mutex
	handlerSeq   uint64
	userLeft     map[string]map[uint64]func() // "<meetingID>:<userID>" -> handlers
	camBroadcast map[uint64]func(MeetingEvent)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient connects to the bus and starts the meeting-event dispatcher.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("bus connection failed: %w", err)
	}

	c := &Client{
		rdb:          rdb,
		cfg:          cfg,
		userLeft:     make(map[string]map[uint64]func()),
		camBroadcast: make(map[uint64]func(MeetingEvent)),
		done:         make(chan struct{}),
	}

	c.wg.Add(1)
	go c.meetingEventLoop()

	slog.Info("[Bus] Connected", "addr", cfg.Addr, "db", cfg.DB)
	return c, nil
}

// SubscribeMessages delivers every inbound client request on the given
// channel to fn until ctx is cancelled or the client closes. Malformed
// payloads are logged and skipped.
func (c *Client) SubscribeMessages(ctx context.Context, channel string, fn func(v1.Message)) {
	sub := c.rdb.Subscribe(ctx, channel)
	ch := sub.Channel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg v1.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					slog.Warn("[Bus] Dropping malformed message", "channel", raw.Channel, "error", err)
					continue
				}
				fn(msg)
			}
		}
	}()
}

// PublishFrame implements Publisher.
func (c *Client) PublishFrame(ctx context.Context, frame v1.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.cfg.ToClientChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// meetingEventLoop fans meeting events out to registered handlers.
func (c *Client) meetingEventLoop() {
	defer c.wg.Done()

	ctx := context.Background()
	sub := c.rdb.Subscribe(ctx, c.cfg.MeetingEventsChannel)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var ev MeetingEvent
			if err := json.Unmarshal([]byte(raw.Payload), &ev); err != nil {
				slog.Warn("[Bus] Dropping malformed meeting event", "error", err)
				continue
			}
			c.dispatchMeetingEvent(ev)
		}
	}
}

func (c *Client) dispatchMeetingEvent(ev MeetingEvent) {
	switch ev.Name {
	case EventUserLeft:
		key := ev.MeetingID + ":" + ev.UserID
		c.handlerMu.Lock()
		handlers := make([]func(), 0, len(c.userLeft[key]))
		for _, fn := range c.userLeft[key] {
			handlers = append(handlers, fn)
		}
		c.handlerMu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	case EventCamBroadcastStarted:
		c.handlerMu.Lock()
		handlers := make([]func(MeetingEvent), 0, len(c.camBroadcast))
		for _, fn := range c.camBroadcast {
			handlers = append(handlers, fn)
		}
		c.handlerMu.Unlock()
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// OnUserLeft implements MeetingEvents.
func (c *Client) OnUserLeft(meetingID, userID string, fn func()) Subscription {
	key := meetingID + ":" + userID

	c.handlerMu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	if c.userLeft[key] == nil {
		c.userLeft[key] = make(map[uint64]func())
	}
	c.userLeft[key][id] = fn
	c.handlerMu.Unlock()

	return &subscription{cancel: func() {
		c.handlerMu.Lock()
		if handlers, ok := c.userLeft[key]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.userLeft, key)
			}
		}
		c.handlerMu.Unlock()
	}}
}

// OnCamBroadcastStarted implements MeetingEvents.
func (c *Client) OnCamBroadcastStarted(fn func(ev MeetingEvent)) Subscription {
	c.handlerMu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.camBroadcast[id] = fn
	c.handlerMu.Unlock()

	return &subscription{cancel: func() {
		c.handlerMu.Lock()
		delete(c.camBroadcast, id)
		c.handlerMu.Unlock()
	}}
}

// Close shuts the bus gateway down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return c.rdb.Close()
}

var (
	_ Publisher     = (*Client)(nil)
	_ MeetingEvents = (*Client)(nil)
)
