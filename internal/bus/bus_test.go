package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyncmos/internal/redact"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []Envelope
	sendErr error
	inbound chan Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan Envelope, 8)}
}

func (f *fakeTransport) Send(_ context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, deliver func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-f.inbound:
			deliver(env)
		}
	}
}

func (f *fakeTransport) Ping(context.Context) error { return nil }
func (f *fakeTransport) Close() error               { return nil }

func TestCategory(t *testing.T) {
	assert.Equal(t, "ticket.*", Category("TICKET_ISSUED"))
	assert.Equal(t, "trust.*", Category("TRUST_DECAY_APPLIED"))
	assert.Equal(t, "ping.*", Category("PING"))
}

func TestPublishOrderAndTopics(t *testing.T) {
	b := New()
	var got []string
	record := func(tag string) Handler {
		return func(_ context.Context, evt Event) { got = append(got, tag+":"+evt.Name) }
	}
	b.Subscribe(Wildcard, record("wild"))
	b.Subscribe(TicketIssued, record("exact1"))
	b.Subscribe("ticket.*", record("category"))
	b.Subscribe(TicketIssued, record("exact2"))
	b.Subscribe(TripStarted, record("other"))

	b.Publish(context.Background(), TicketIssued, map[string]any{"id": "T1"})

	assert.Equal(t, []string{
		"exact1:TICKET_ISSUED",
		"exact2:TICKET_ISSUED",
		"wild:TICKET_ISSUED",
		"category:TICKET_ISSUED",
	}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe(TripStarted, func(context.Context, Event) { calls++ })
	b.Publish(context.Background(), TripStarted, nil)
	b.Unsubscribe(TripStarted, sub)
	b.Publish(context.Background(), TripStarted, nil)
	assert.Equal(t, 1, calls)

	// removing again, or under another topic, is a no-op
	b.Unsubscribe(TripStarted, sub)
	b.Unsubscribe("nothing", sub)
	b.Unsubscribe(TripStarted, nil)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	b := New(WithLogger(logger))
	delivered := false
	b.Subscribe(HealthCheck, func(context.Context, Event) { panic("boom") })
	b.Subscribe(HealthCheck, func(context.Context, Event) { delivered = true })
	b.Publish(context.Background(), HealthCheck, nil)
	assert.True(t, delivered)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestRelayFailureKeepsLocalDelivery(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	tr := newFakeTransport()
	tr.sendErr = errors.New("channel unavailable")
	b := New(WithTransport(tr), WithLogger(logger))
	delivered := 0
	b.Subscribe(TripStarted, func(context.Context, Event) { delivered++ })

	b.Publish(context.Background(), TripStarted, map[string]any{"id": "T1"})

	assert.Equal(t, 1, delivered)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestRelayRedactsButLocalKeepsPhone(t *testing.T) {
	tr := newFakeTransport()
	b := New(WithTransport(tr))
	var local any
	b.Subscribe(TicketIssued, func(_ context.Context, evt Event) { local = evt.Payload })

	payload := map[string]any{"id": "LYNC-T-1", "passengerPhone": "254711000111"}
	b.Publish(context.Background(), TicketIssued, payload)

	assert.Equal(t, "254711000111", local.(map[string]any)["passengerPhone"])
	require.Len(t, tr.sent, 1)
	assert.Equal(t, redact.Marker, tr.sent[0].Payload.(map[string]any)["passengerPhone"])
	assert.Equal(t, b.Origin(), tr.sent[0].Origin)
}

func TestRunDeliversRemoteAndSkipsOwnOrigin(t *testing.T) {
	tr := newFakeTransport()
	b := New(WithTransport(tr), WithOrigin("node-a"))
	got := make(chan Event, 2)
	b.Subscribe(Wildcard, func(_ context.Context, evt Event) { got <- evt })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	tr.inbound <- Envelope{Origin: "node-a", Name: TripStarted}
	tr.inbound <- Envelope{Origin: "node-b", Name: TripCompleted}

	select {
	case evt := <-got:
		assert.Equal(t, TripCompleted, evt.Name)
		assert.True(t, evt.Remote)
	case <-time.After(2 * time.Second):
		t.Fatal("remote event not delivered")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, got)
	assert.Empty(t, tr.sent, "remote events are not relayed again")
}

func TestClose(t *testing.T) {
	b := New()
	b.Subscribe(Wildcard, func(context.Context, Event) { t.Fatal("closed bus delivered") })
	require.NoError(t, b.Close())
	b.Publish(context.Background(), TripStarted, nil)
	assert.ErrorIs(t, b.Alive(context.Background()), ErrClosed)
}

func TestRedisEnvelopeCodec(t *testing.T) {
	tr, err := NewRedisTransport(nil, "")
	require.NoError(t, err)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	data, err := tr.encode(Envelope{Origin: "n1", Name: TicketIssued, Payload: map[string]any{"amount": 50}, Timestamp: ts})
	require.NoError(t, err)
	env, err := tr.decode(data)
	require.NoError(t, err)
	assert.Equal(t, "n1", env.Origin)
	assert.True(t, ts.Equal(env.Timestamp))
	m, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50, m["amount"])
}
