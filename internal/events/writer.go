// Package events journals bus events into the store and forwards the
// journal to configured webhooks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"lyncmos/internal/bus"
	"lyncmos/internal/domain"
	"lyncmos/internal/redact"
	"lyncmos/internal/repo"
)

// Writer appends events to the journal. Payloads are stored redacted since
// the journal is readable through the API and forwarded to webhooks.
type Writer struct {
	Repo    repo.Repo
	Log     logrus.FieldLogger
	Now     func() time.Time
	Exclude map[string]bool
}

func (w Writer) Append(ctx context.Context, evt bus.Event) (int64, error) {
	ts := evt.Timestamp
	if ts.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		ts = w.Now()
	}
	payload := redact.Payload(evt.Name, evt.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	return w.Repo.InsertEvent(ctx, nil, domain.Event{
		TS:      ts.UTC().Format(time.RFC3339),
		Type:    evt.Name,
		Origin:  evt.Origin,
		Payload: string(data),
	})
}

// Attach subscribes the writer to every event on b. Journal failures are
// logged and never reach the publisher.
func (w Writer) Attach(b *bus.Bus) *bus.Subscription {
	return b.Subscribe(bus.Wildcard, func(ctx context.Context, evt bus.Event) {
		if w.Exclude[evt.Name] {
			return
		}
		if _, err := w.Append(context.WithoutCancel(ctx), evt); err != nil {
			w.logger().WithFields(logrus.Fields{"event": evt.Name, "error": err}).Warn("events: journal append failed")
		}
	})
}

func (w Writer) logger() logrus.FieldLogger {
	if w.Log != nil {
		return w.Log
	}
	return logrus.StandardLogger()
}
