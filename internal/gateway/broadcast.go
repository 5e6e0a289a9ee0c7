package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/bus"
	"lyncmos/internal/redact"
)

const defaultPeerQueue = 64

type peer struct {
	id     string
	origin string
	out    chan []byte
}

// send queues a response for the peer, waiting for room. Responses are
// never dropped; event frames are.
func (p *peer) send(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type hub struct {
	mu      sync.RWMutex
	peers   map[string]*peer
	queue   int
	log     logrus.FieldLogger
	metrics Metrics
}

func newHub(queue int, log logrus.FieldLogger, metrics Metrics) *hub {
	if queue <= 0 {
		queue = defaultPeerQueue
	}
	return &hub{peers: map[string]*peer{}, queue: queue, log: log, metrics: metrics}
}

func (h *hub) join(origin string) *peer {
	p := &peer{id: uuid.NewString(), origin: origin, out: make(chan []byte, h.queue)}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.metrics.PeerConnected()
	h.log.WithFields(logrus.Fields{"peer": p.id, "origin": origin}).Info("gateway: peer connected")
	return p
}

func (h *hub) leave(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p.id]
	delete(h.peers, p.id)
	h.mu.Unlock()
	if ok {
		h.metrics.PeerDisconnected()
		h.log.WithFields(logrus.Fields{"peer": p.id}).Info("gateway: peer disconnected")
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// broadcast offers frame to every peer without blocking. A peer whose
// queue is full misses the frame.
func (h *hub) broadcast(name string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		select {
		case p.out <- frame:
		default:
			h.metrics.FrameDropped()
			h.log.WithFields(logrus.Fields{"peer": p.id, "event": name}).Warn("gateway: peer queue full, event dropped")
		}
	}
}

// Peers reports the number of connected peers.
func (g *Gateway) Peers() int { return g.hub.size() }

// Attach relays every event on b to connected peers as EVENT frames.
// Phone numbers are redacted on the way out; local subscribers still see
// the original payload.
func (g *Gateway) Attach(b *bus.Bus) *bus.Subscription {
	return b.Subscribe(bus.Wildcard, func(_ context.Context, evt bus.Event) {
		g.Broadcast(evt)
	})
}

func (g *Gateway) Broadcast(evt bus.Event) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = g.now()
	}
	frame, err := json.Marshal(EventFrame{
		Protocol:  Protocol,
		Type:      TypeEvent,
		Event:     evt.Name,
		Payload:   redact.Payload(evt.Name, evt.Payload),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		g.log.WithFields(logrus.Fields{"event": evt.Name, "error": err}).Warn("gateway: encode event frame")
		return
	}
	g.hub.broadcast(evt.Name, frame)
}
