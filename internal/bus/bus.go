// Package bus is the process-wide publish/subscribe channel. Delivery to
// local subscribers is synchronous and unconditional; an optional Transport
// relays events to sibling processes on a best-effort basis.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/redact"
)

const Wildcard = "*"

// Event names published by the engine and the gateway.
const (
	TripStarted       = "TRIP_STARTED"
	TripCompleted     = "TRIP_COMPLETED"
	TicketIssued      = "TICKET_ISSUED"
	RevenueAnchored   = "REVENUE_ANCHORED"
	SmsSent           = "SMS_SENT"
	TrustUpdated      = "TRUST_UPDATED"
	CredentialIssued  = "CREDENTIAL_ISSUED"
	SyncRequired      = "SYNC_REQUIRED"
	HealthCheck       = "HEALTH_CHECK"
	TrustDecayApplied = "TRUST_DECAY_APPLIED"
	VehicleRegistered = "VEHICLE_REGISTERED"
	BranchCreated     = "BRANCH_CREATED"
)

var ErrClosed = errors.New("bus closed")

type Event struct {
	Name      string
	Payload   any
	Origin    string
	Timestamp time.Time
	// Remote is set for events received from the transport.
	Remote bool
}

type Handler func(ctx context.Context, evt Event)

// Subscription identifies one registration; it is the handle passed to
// Unsubscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
}

func (s *Subscription) Topic() string { return s.topic }

// Envelope is the transport representation of an event.
type Envelope struct {
	Origin    string    `cbor:"origin"`
	Name      string    `cbor:"name"`
	Payload   any       `cbor:"payload"`
	Timestamp time.Time `cbor:"ts"`
}

// Transport relays envelopes between processes.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	// Listen blocks, passing received envelopes to deliver, until ctx ends.
	Listen(ctx context.Context, deliver func(Envelope)) error
	Ping(ctx context.Context) error
	Close() error
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription
	nextID    uint64
	closed    bool
	transport Transport
	origin    string
	log       logrus.FieldLogger
	now       func() time.Time
}

type Option func(*Bus)

func WithTransport(t Transport) Option { return func(b *Bus) { b.transport = t } }

func WithLogger(l logrus.FieldLogger) Option { return func(b *Bus) { b.log = l } }

// WithOrigin sets the node id stamped on relayed events.
func WithOrigin(id string) Option { return func(b *Bus) { b.origin = id } }

func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*Subscription),
		origin: uuid.NewString(),
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Origin() string { return b.origin }

// Category returns the prefix topic of an event name: TICKET_ISSUED -> ticket.*
func Category(name string) string {
	prefix := name
	if i := strings.Index(name, "_"); i >= 0 {
		prefix = name[:i]
	}
	return strings.ToLower(prefix) + ".*"
}

func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, handler: h}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Unsubscribe removes sub from topic. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(topic string, sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Publish delivers payload to local subscribers of name, of the wildcard
// topic and of the category topic, then relays it through the transport.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	evt := Event{Name: name, Payload: payload, Origin: b.origin, Timestamp: b.now().UTC()}
	b.deliver(ctx, evt)
	if b.transport == nil {
		return
	}
	env := Envelope{Origin: evt.Origin, Name: name, Payload: redact.Payload(name, payload), Timestamp: evt.Timestamp}
	if err := b.transport.Send(ctx, env); err != nil {
		b.log.WithFields(logrus.Fields{"event": name, "error": err}).Warn("bus: cross-process relay failed")
	}
}

func (b *Bus) deliver(ctx context.Context, evt Event) {
	for _, sub := range b.snapshot(evt.Name) {
		b.invoke(ctx, sub, evt)
	}
}

func (b *Bus) snapshot(name string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	var out []*Subscription
	seen := map[string]bool{}
	for _, topic := range []string{name, Wildcard, Category(name)} {
		if seen[topic] {
			continue
		}
		seen[topic] = true
		out = append(out, b.subs[topic]...)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"event": evt.Name, "topic": sub.topic, "panic": fmt.Sprint(r)}).Error("bus: subscriber panicked")
		}
	}()
	sub.handler(ctx, evt)
}

// Run consumes the transport until ctx ends. Without a transport it only
// waits for ctx.
func (b *Bus) Run(ctx context.Context) error {
	if b.transport == nil {
		<-ctx.Done()
		return nil
	}
	err := b.transport.Listen(ctx, func(env Envelope) {
		if env.Origin == b.origin {
			return
		}
		b.deliver(ctx, Event{Name: env.Name, Payload: env.Payload, Origin: env.Origin, Timestamp: env.Timestamp, Remote: true})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Alive reports bus liveness for dependency checks.
func (b *Bus) Alive(ctx context.Context) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if b.transport != nil {
		return b.transport.Ping(ctx)
	}
	return nil
}

// Check adapts Alive to the core runtime dependency probe.
func (b *Bus) Check(ctx context.Context) error { return b.Alive(ctx) }

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
