package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgProtection = "Platform in protection mode. Using mock failover."
	msgWriteGuard = "System in %s state. Writes inhibited."
)

// Response is the envelope returned by every safe operation. Data is the
// operation result or the caller's fallback, never a nil placeholder.
type Response[T any] struct {
	CoreState State     `json:"coreState"`
	Data      T         `json:"data"`
	Error     *Fault    `json:"error,omitempty"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (r Response[T]) OK() bool { return r.Error == nil }

// Options for one ExecuteSafe call.
type Options struct {
	Name    string
	Write   bool
	Timeout time.Duration
}

// result is either a value or a fault, never both.
type result[T any] struct {
	val   T
	fault *Fault
}

func ok[T any](v T) result[T] { return result[T]{val: v} }

func failed[T any](f *Fault) result[T] { return result[T]{fault: f} }

// ExecuteSafe runs op under the breaker and state guards and wraps the
// outcome in a Response. It never panics and never returns a nil fault
// with fallback data.
func ExecuteSafe[T any](ctx context.Context, rt *Runtime, op func(context.Context) (T, error), fallback T, opts Options) Response[T] {
	name := opts.Name
	if name == "" {
		name = "operation"
	}
	ctx, span := rt.tracer.Start(ctx, "core.execute "+name, trace.WithAttributes(
		attribute.String("mos.operation", name),
		attribute.Bool("mos.write", opts.Write),
	))
	defer span.End()

	start := rt.clock.Now()
	res := execute(ctx, rt, op, opts)
	resp := Response[T]{Version: rt.version}
	code := "OK"
	if res.fault != nil {
		resp.Data = fallback
		resp.Error = res.fault
		code = res.fault.Code
		span.SetAttributes(attribute.String("mos.error_code", code))
		span.SetStatus(codes.Error, res.fault.Message)
	} else {
		resp.Data = res.val
		if isNil(res.val) {
			resp.Data = fallback
		}
	}
	resp.CoreState = rt.State()
	resp.Timestamp = rt.clock.Now().UTC()
	span.SetAttributes(attribute.String("mos.core_state", string(resp.CoreState)))
	rt.observer.ObserveExecution(name, code, rt.clock.Now().Sub(start))
	return resp
}

func execute[T any](ctx context.Context, rt *Runtime, op func(context.Context) (T, error), opts Options) result[T] {
	if rt.breaker.isOpen() {
		return failed[T](&Fault{Code: CodeCircuitOpen, Message: msgProtection, Kind: KindProtection})
	}
	if opts.Write {
		if s := rt.StoredState(); s.WriteProtected() {
			return failed[T](&Fault{Code: CodeWriteProtection, Message: fmt.Sprintf(msgWriteGuard, s), Kind: KindProtection})
		}
	}
	val, err := call(ctx, op, opts.Timeout)
	if err != nil {
		f := FaultFrom(err)
		if f.Kind.Counted() {
			rt.reportFailure()
		}
		return failed[T](f)
	}
	rt.reportSuccess()
	return ok(val)
}

type outcome[T any] struct {
	val T
	err error
}

// call runs op on its own goroutine so a deadline can be enforced without
// op cooperating. A recovered panic becomes a RUNTIME_FAULT.
func call[T any](ctx context.Context, op func(context.Context) (T, error), timeout time.Duration) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome[T]{err: &Fault{Code: CodeRuntimeFault, Message: fmt.Sprintf("panic: %v", p), Kind: KindDependency}}
			}
		}()
		v, err := op(ctx)
		done <- outcome[T]{val: v, err: err}
	}()
	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &Fault{Code: CodeTimeout, Message: "operation timed out", Kind: KindDependency}
		}
		return zero, &Fault{Code: CodeCancelled, Message: "request cancelled", Kind: KindProtection}
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
