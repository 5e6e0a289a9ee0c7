package gateway

import (
	"context"

	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
	"lyncmos/internal/engine/auth"
)

// Backend is the slice of the domain engine exposed over RPC.
type Backend interface {
	TerminalContext(ctx context.Context, phone string) (engine.TerminalContext, error)
	IssueTicket(ctx context.Context, req engine.TicketRequest) (domain.Ticket, error)
	OperationalMetrics(ctx context.Context) (engine.OperationalMetrics, error)
	GrowthMetrics(ctx context.Context) (engine.GrowthMetrics, error)
	RevenueHealth(ctx context.Context) (engine.RevenueHealth, error)
	DispatchTrip(ctx context.Context, tripID string) (domain.Trip, error)
	VerifiableTrust(ctx context.Context, crewID string) (domain.VerifiableCredential, error)
}

// Call is one resolved invocation.
type Call struct {
	Method string
	Key    string
	Args   Args
}

type op[T any] func(context.Context) (T, error)

type outcome struct {
	data  any
	fault *core.Fault
	state core.State
}

type method struct {
	privileged bool
	invoke     func(ctx context.Context, call Call) outcome
}

// typed builds a registry entry. bind decodes the arguments before the
// runtime is entered, so malformed calls never reach the breaker. The
// fallback is what callers render when the call fails.
func typed[T any](g *Gateway, privileged, write bool, fallback T, bind func(Call) (op[T], error)) method {
	return method{
		privileged: privileged,
		invoke: func(ctx context.Context, call Call) outcome {
			fn, err := bind(call)
			if err != nil {
				return outcome{data: fallback, fault: core.FaultFrom(err), state: g.rt.State()}
			}
			resp := core.ExecuteSafe(ctx, g.rt, fn, fallback, core.Options{Name: call.Method, Write: write, Timeout: g.timeout})
			return outcome{data: resp.Data, fault: resp.Error, state: resp.CoreState}
		},
	}
}

// introspect builds an entry that reads the runtime itself. It bypasses
// ExecuteSafe so the breaker never hides the state it reports.
func introspect[T any](g *Gateway, read func() T) method {
	return method{
		invoke: func(ctx context.Context, call Call) outcome {
			return outcome{data: read(), state: g.rt.State()}
		},
	}
}

// authorized checks the key's capability inside the runtime call.
func authorized[T any](svc auth.Service, key, capability string, fn func(context.Context) (T, error)) op[T] {
	return func(ctx context.Context) (T, error) {
		if _, err := svc.Authorize(key, capability); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	}
}

func (g *Gateway) registry() map[string]method {
	b := g.backend
	return map[string]method{
		"getTerminalContext": typed(g, false, false, engine.UnknownTerminal(), func(c Call) (op[engine.TerminalContext], error) {
			phone, err := c.Args.String(0, "phone")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (engine.TerminalContext, error) {
				return b.TerminalContext(ctx, phone)
			}, nil
		}),
		"ticket": typed(g, false, true, domain.Ticket{}, func(c Call) (op[domain.Ticket], error) {
			tripID, err := c.Args.String(0, "tripId")
			if err != nil {
				return nil, err
			}
			phone, err := c.Args.String(1, "phone")
			if err != nil {
				return nil, err
			}
			amount, err := c.Args.Int64(2, "amount")
			if err != nil {
				return nil, err
			}
			req := engine.TicketRequest{TripID: tripID, Phone: phone, Amount: amount}
			return func(ctx context.Context) (domain.Ticket, error) { return b.IssueTicket(ctx, req) }, nil
		}),
		"getPlatformMetrics": typed(g, true, false, engine.EmptyOperational(), func(c Call) (op[engine.OperationalMetrics], error) {
			return authorized(g.auth, c.Key, auth.CapOperationalMetrics, b.OperationalMetrics), nil
		}),
		"getGrowthData": typed(g, true, false, engine.EmptyGrowth(), func(c Call) (op[engine.GrowthMetrics], error) {
			return authorized(g.auth, c.Key, auth.CapGrowthMetrics, b.GrowthMetrics), nil
		}),
		"getRevenueHealth": typed(g, true, false, engine.EmptyRevenue(), func(c Call) (op[engine.RevenueHealth], error) {
			return authorized(g.auth, c.Key, auth.CapRevenueIntegrity, b.RevenueHealth), nil
		}),
		"dispatch": typed(g, true, true, domain.Trip{}, func(c Call) (op[domain.Trip], error) {
			tripID, err := c.Args.String(0, "tripId")
			if err != nil {
				return nil, err
			}
			return authorized(g.auth, c.Key, auth.CapOperationalMetrics, func(ctx context.Context) (domain.Trip, error) {
				return b.DispatchTrip(ctx, tripID)
			}), nil
		}),
		"getSystemHealth": introspect(g, g.rt.Health),
		"getVerifiableTrust": typed(g, false, false, domain.VerifiableCredential{}, func(c Call) (op[domain.VerifiableCredential], error) {
			crewID, err := c.Args.String(0, "crewId")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (domain.VerifiableCredential, error) {
				return b.VerifiableTrust(ctx, crewID)
			}, nil
		}),
	}
}
