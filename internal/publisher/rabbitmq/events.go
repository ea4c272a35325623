package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

const DefaultExchange = "tracking.events"

// queueSize bounds the events waiting for the broker. When full the oldest is dropped.
const queueSize = 16

const (
	eventSnapshot = "snapshot"
	eventError    = "error"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventPublisher sends tracking snapshots and errors to a fanout exchange.
// Render and ReportError only queue; a single worker talks to the broker.
type EventPublisher struct {
	ch       channel
	exchange string
	timeout  time.Duration
	now      func() time.Time

	pending   chan eventMessage
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	sessionID string
}

func NewEventPublisher(conn *amqp.Connection, exchange string) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	p, err := newEventPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return p, nil
}

func newEventPublisher(ch channel, exchange string) (*EventPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := &EventPublisher{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		now:      time.Now,
		pending:  make(chan eventMessage, queueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p, nil
}

type eventMessage struct {
	SessionID   string          `json:"session_id"`
	Type        string          `json:"type"`
	Destination *types.GeoPoint `json:"destination,omitempty"`
	Position    *types.GeoPoint `json:"position,omitempty"`
	DistanceKm  *float64        `json:"distance_km,omitempty"`
	RoutePoints int             `json:"route_points"`
	RouteStale  bool            `json:"route_stale"`
	Error       string          `json:"error,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Render queues a snapshot event. Publish failures are logged, not returned.
func (p *EventPublisher) Render(s types.TrackingState) {
	s = s.Clone()
	p.mu.Lock()
	p.sessionID = s.SessionID
	p.mu.Unlock()

	dest := s.Destination
	msg := eventMessage{
		SessionID:   s.SessionID,
		Type:        eventSnapshot,
		Destination: &dest,
		Position:    s.Position,
		DistanceKm:  s.DistanceKm,
		RoutePoints: len(s.Route),
		RouteStale:  s.RouteStale(),
		Timestamp:   p.timestamp(s.Updated),
	}
	p.enqueue(msg)
}

// ReportError queues an error event for the session last rendered.
func (p *EventPublisher) ReportError(err error) {
	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()

	msg := eventMessage{
		SessionID: sessionID,
		Type:      eventError,
		Error:     err.Error(),
		Timestamp: p.now().Unix(),
	}
	p.enqueue(msg)
}

// Close flushes what is queued, bounded by the publish timeout, and closes the channel.
func (p *EventPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.stopped
		p.closeErr = p.ch.Close()
	})
	return p.closeErr
}

func (p *EventPublisher) enqueue(msg eventMessage) {
	select {
	case <-p.quit:
		return
	default:
	}
	for {
		select {
		case p.pending <- msg:
			return
		default:
		}
		select {
		case dropped := <-p.pending:
			monitoring.Logf("[rabbitmq] broker behind, dropping %s event", dropped.Type)
		default:
		}
	}
}

func (p *EventPublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case msg := <-p.pending:
			p.publish(context.Background(), msg)
		case <-p.quit:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()
			for {
				select {
				case msg := <-p.pending:
					p.publish(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (p *EventPublisher) publish(parent context.Context, msg eventMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		monitoring.Logf("[rabbitmq] marshal %s event: %v", msg.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		Type:          msg.Type,
		CorrelationId: msg.SessionID,
		Timestamp:     p.now(),
		Body:          body,
	})
	if err != nil {
		monitoring.Logf("[rabbitmq] publish %s event: %v", msg.Type, err)
	}
}

func (p *EventPublisher) timestamp(t time.Time) int64 {
	if t.IsZero() {
		t = p.now()
	}
	return t.Unix()
}
