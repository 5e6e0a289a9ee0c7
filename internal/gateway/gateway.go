// Package gateway exposes a small set of engine operations to untrusted
// front-ends over the LYNC_RPC_V1 message protocol and relays bus events
// back to them.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"lyncmos/internal/bus"
	"lyncmos/internal/core"
	"lyncmos/internal/engine/auth"
)

const maxLimiters = 10000

// Publisher receives the gateway's HEALTH_CHECK telemetry.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any)
}

// Metrics records gateway traffic.
type Metrics interface {
	ObserveRPC(method, status string, d time.Duration)
	PeerConnected()
	PeerDisconnected()
	FrameDropped()
}

type nopMetrics struct{}

func (nopMetrics) ObserveRPC(string, string, time.Duration) {}
func (nopMetrics) PeerConnected()                           {}
func (nopMetrics) PeerDisconnected()                        {}
func (nopMetrics) FrameDropped()                            {}

type Options struct {
	Runtime *core.Runtime
	Auth    auth.Service
	Backend Backend
	Bus     Publisher
	Metrics Metrics
	Logger  logrus.FieldLogger
	Now     func() time.Time

	// AllowedOrigins lists browser origins allowed to call. "*" allows any.
	AllowedOrigins    []string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	PeerQueue         int
}

type Gateway struct {
	rt      *core.Runtime
	auth    auth.Service
	backend Backend
	bus     Publisher
	metrics Metrics
	log     logrus.FieldLogger
	now     func() time.Time
	timeout time.Duration

	methods   map[string]method
	origins   map[string]bool
	anyOrigin bool

	limit    rate.Limit
	burst    int
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	hub *hub
}

func New(opts Options) *Gateway {
	g := &Gateway{
		rt:       opts.Runtime,
		auth:     opts.Auth,
		backend:  opts.Backend,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
		timeout:  opts.Timeout,
		origins:  map[string]bool{},
		limit:    rate.Inf,
		burst:    opts.Burst,
		limiters: map[string]*rate.Limiter{},
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	if g.log == nil {
		g.log = logrus.StandardLogger()
	}
	if g.now == nil {
		g.now = time.Now
	}
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			g.anyOrigin = true
			continue
		}
		g.origins[o] = true
	}
	if opts.RequestsPerSecond > 0 {
		g.limit = rate.Limit(opts.RequestsPerSecond)
		if g.burst <= 0 {
			g.burst = int(opts.RequestsPerSecond)
		}
	}
	g.hub = newHub(opts.PeerQueue, g.log, g.metrics)
	g.methods = g.registry()
	return g
}

// Source identifies where a frame came from.
type Source struct {
	// Origin is the browser origin; non-browser peers send none.
	Origin string
	// Addr keys the rate limiter when there is no origin.
	Addr string
}

// Methods lists the exposed method names.
func (g *Gateway) Methods() []string {
	out := make([]string, 0, len(g.methods))
	for name := range g.methods {
		out = append(out, name)
	}
	return out
}

// OriginAllowed reports whether frames from origin are served. Browsers
// always send an Origin on cross-context traffic, so an empty origin is a
// non-browser peer and is served.
func (g *Gateway) OriginAllowed(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	return origin == "" || g.anyOrigin || g.origins[origin]
}

// Handle processes one inbound frame. It reports false when the frame is
// dropped without a response: foreign origin, foreign protocol or a frame
// that is not a request.
func (g *Gateway) Handle(ctx context.Context, src Source, req Request) (Response, bool) {
	if !g.OriginAllowed(src.Origin) {
		g.log.WithFields(logrus.Fields{"origin": src.Origin, "method": req.Method}).Debug("gateway: origin rejected")
		return Response{}, false
	}
	if req.Protocol != Protocol || (req.Type != "" && req.Type != TypeRequest) {
		return Response{}, false
	}

	start := g.now()
	var out outcome
	m, found := g.methods[req.Method]
	switch {
	case !g.allow(src):
		out = g.reject(&core.Fault{Code: CodeRateLimited, Message: "Too many requests. Slow down.", Kind: core.KindProtection})
	case !found:
		out = g.reject(&core.Fault{Code: CodeMethodNotFound, Message: fmt.Sprintf("%s: %s", CodeMethodNotFound, req.Method), Kind: core.KindValidation})
	case m.privileged && strings.TrimSpace(req.PlatformKey) == "":
		out = g.reject(core.FaultFrom(auth.MissingKey(req.Method)))
	default:
		out = m.invoke(ctx, Call{Method: req.Method, Key: strings.TrimSpace(req.PlatformKey), Args: req.Payload})
	}
	elapsed := g.now().Sub(start)

	resp := Response{
		Protocol:  Protocol,
		Type:      TypeResponse,
		RequestID: req.RequestID,
		Success:   out.fault == nil,
		Data:      out.data,
		Error:     out.fault,
		Meta: Meta{
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  g.now().UTC().Format(time.RFC3339Nano),
			CoreState:  out.state,
		},
	}
	label := req.Method
	if !found {
		label = ""
	}
	g.report(ctx, label, req, resp, elapsed)
	return resp, true
}

func (g *Gateway) reject(f *core.Fault) outcome {
	return outcome{fault: f, state: g.rt.State()}
}

func (g *Gateway) report(ctx context.Context, label string, req Request, resp Response, elapsed time.Duration) {
	status := StatusSuccess
	if !resp.Success {
		status = StatusDenied
	}
	g.metrics.ObserveRPC(label, status, elapsed)
	if g.bus == nil {
		return
	}
	payload := map[string]any{
		"consumer":  g.auth.ConsumerInfo(req.PlatformKey).Label,
		"method":    req.Method,
		"status":    status,
		"latencyMs": resp.Meta.DurationMs,
	}
	if resp.Error != nil {
		payload["error"] = resp.Error.Message
	}
	g.bus.Publish(ctx, bus.HealthCheck, payload)
}

func (g *Gateway) allow(src Source) bool {
	if g.limit == rate.Inf {
		return true
	}
	key := src.Origin
	if key == "" {
		key = src.Addr
	}
	g.limMu.Lock()
	lim, ok := g.limiters[key]
	if !ok {
		if len(g.limiters) >= maxLimiters {
			g.limiters = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(g.limit, g.burst)
		g.limiters[key] = lim
	}
	g.limMu.Unlock()
	return lim.Allow()
}
