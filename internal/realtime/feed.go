// Package realtime consumes the platform's change feed and reconciles it
// into local state. The transport guarantees at-least-once delivery with no
// ordering; everything downstream is idempotent.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// SubscriptionState is the lifecycle of one change-feed channel.
type SubscriptionState string

const (
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StateSubscribing  SubscriptionState = "subscribing"
	StateSubscribed   SubscriptionState = "subscribed"
	StateError        SubscriptionState = "error"
)

// Filter selects the rows a subscription observes, mirroring the feed's
// row-filter syntax.
type Filter struct {
	Table          string
	ConversationID int64
	Participant    string
}

// Topic renders the filter as a feed topic.
func (f Filter) Topic() string {
	switch {
	case f.ConversationID != 0:
		return fmt.Sprintf("%s:conversation_id=eq.%d", f.Table, f.ConversationID)
	case f.Participant != "":
		return fmt.Sprintf("%s:participant=eq.%s", f.Table, f.Participant)
	default:
		return f.Table
	}
}

// Subscription is one open channel on the feed.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	State() SubscriptionState
	Close() error
}

// Feed opens subscriptions on the change feed.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Client implements Feed over a websocket connection per subscription.
type Client struct {
	url    string
	apiKey string
	log    *zap.Logger
}

// NewClient constructs a feed client.
func NewClient(url, apiKey string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, apiKey: apiKey, log: log}
}

type wireFrame struct {
	Event  string          `json:"event"`
	Topic  string          `json:"topic"`
	Record json.RawMessage `json:"record,omitempty"`
	OldID  int64           `json:"old_id,omitempty"`
}

// Subscribe opens a channel for the filter and starts its read loop. The
// loop resubscribes automatically on transport failure with exponential
// backoff; events arriving while disconnected are recovered by the
// supervisory re-fetch, not by the transport.
func (c *Client) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{
		client: c,
		filter: filter,
		events: make(chan models.ChangeEvent, 64),
		state:  StateUnsubscribed,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(ctx)
	return sub, nil
}

type feedSubscription struct {
	client *Client
	filter Filter
	events chan models.ChangeEvent

	mu    sync.RWMutex
	state SubscriptionState

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (s *feedSubscription) Events() <-chan models.ChangeEvent { return s.events }

func (s *feedSubscription) State() SubscriptionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *feedSubscription) setState(state SubscriptionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close tears the channel down. Failing to unsubscribe cleanly is a resource
// leak rather than a correctness bug, but the connection close is guarded so
// it cannot happen silently.
func (s *feedSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.client.log.Warn("subscription teardown timed out", zap.String("topic", s.filter.Topic()))
	}
	return nil
}

func (s *feedSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.setState(StateUnsubscribed)

	observability.IncActiveSubscriptions()
	defer observability.DecActiveSubscriptions()

	schedule := backoff.NewExponentialBackOff()
	schedule.MaxElapsedTime = 0 // retry until torn down

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateSubscribing)
		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(StateError)
			s.client.log.Warn("feed subscribe failed",
				zap.String("topic", s.filter.Topic()), zap.Error(err))
			if !s.sleep(ctx, schedule.NextBackOff()) {
				return
			}
			continue
		}

		s.setState(StateSubscribed)
		schedule.Reset()
		s.client.log.Info("feed subscribed", zap.String("topic", s.filter.Topic()))

		err = s.readLoop(ctx, conn)
		s.unsubscribe(conn)
		if ctx.Err() != nil {
			return
		}

		s.setState(StateError)
		s.client.log.Warn("feed connection lost",
			zap.String("topic", s.filter.Topic()), zap.Error(err))
		if !s.sleep(ctx, schedule.NextBackOff()) {
			return
		}
	}
}

func (s *feedSubscription) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.client.url, nil)
	if err != nil {
		return nil, err
	}

	join := wireFrame{Event: "subscribe", Topic: s.filter.Topic()}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *feedSubscription) unsubscribe(conn *websocket.Conn) {
	_ = conn.WriteJSON(wireFrame{Event: "unsubscribe", Topic: s.filter.Topic()})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func (s *feedSubscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		event, ok := s.decode(frame)
		if !ok {
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *feedSubscription) decode(frame wireFrame) (models.ChangeEvent, bool) {
	var eventType models.EventType
	switch frame.Event {
	case "insert", "INSERT":
		eventType = models.EventInsert
	case "update", "UPDATE":
		eventType = models.EventUpdate
	case "delete", "DELETE":
		eventType = models.EventDelete
	default:
		// heartbeat, ack, or an unknown frame
		return models.ChangeEvent{}, false
	}

	event := models.ChangeEvent{Type: eventType, Table: s.filter.Table, OldID: frame.OldID}
	if len(frame.Record) > 0 && s.filter.Table == "messages" {
		var msg models.Message
		if err := json.Unmarshal(frame.Record, &msg); err != nil {
			s.client.log.Warn("undecodable feed record",
				zap.String("topic", s.filter.Topic()), zap.Error(err))
			observability.IncRealtimeEvent(string(eventType), "undecodable")
			return models.ChangeEvent{}, false
		}
		event.Message = &msg
	}
	return event, true
}

func (s *feedSubscription) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
