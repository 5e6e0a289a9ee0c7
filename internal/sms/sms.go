// Package sms delivers passenger ticket receipts through an SMS relay and
// keeps a delivery log per message.
package sms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/domain"
)

const SmsSentEvent = "SMS_SENT"

// Relay is the outbound SMS provider.
type Relay interface {
	Send(ctx context.Context, phone, message string) (deliveryRef string, err error)
}

// LogRelay is the development relay: it logs the message and returns a ref.
type LogRelay struct {
	SenderID string
	Log      logrus.FieldLogger
}

func (r LogRelay) Send(ctx context.Context, phone, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := "SMS_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{"sender": r.SenderID, "ref": ref, "length": len(message)}).Info("sms: relayed")
	}
	return ref, nil
}

// RelayFunc adapts a function to Relay.
type RelayFunc func(ctx context.Context, phone, message string) (string, error)

func (f RelayFunc) Send(ctx context.Context, phone, message string) (string, error) {
	return f(ctx, phone, message)
}

type Store interface {
	InsertSmsLog(ctx context.Context, l domain.SmsLog) error
	UpdateSmsLog(ctx context.Context, l domain.SmsLog) error
}

type Publisher interface {
	Publish(ctx context.Context, name string, payload any)
}

// Dispatcher sends one message with bounded retries, recording every
// attempt in the store.
type Dispatcher struct {
	Relay       Relay
	Store       Store
	Bus         Publisher
	Log         logrus.FieldLogger
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
	Observe     func(status string)
}

func TicketMessage(ticketID string, amount int64, tripID string) string {
	return fmt.Sprintf("LYNC Ticket: %s. Amt: KES %d. Trip: %s.", ticketID, amount, tripID)
}

func (d Dispatcher) now() string {
	if d.Now != nil {
		return d.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (d Dispatcher) logger() logrus.FieldLogger {
	if d.Log != nil {
		return d.Log
	}
	return logrus.StandardLogger()
}

// Send records a PENDING log row and tries the relay until it succeeds or
// the attempts run out. The final status is SENT or FAILED.
func (d Dispatcher) Send(ctx context.Context, phone, message string) (domain.SmsLog, error) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	ts := d.now()
	entry := domain.SmsLog{
		ID:          "SMS-" + uuid.NewString(),
		PhoneNumber: phone,
		Message:     message,
		Status:      domain.SmsPending,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := d.Store.InsertSmsLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("record sms: %w", err)
	}

	var lastErr error
retry:
	for i := 0; i < attempts; i++ {
		if i > 0 && d.Backoff > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(d.Backoff * time.Duration(i)):
			}
		}
		entry.Attempts++
		ref, err := d.Relay.Send(ctx, phone, message)
		if err == nil {
			entry.Status = domain.SmsSent
			entry.DeliveryRef = ref
			entry.Error = ""
			entry.UpdatedAt = d.now()
			if uerr := d.Store.UpdateSmsLog(ctx, entry); uerr != nil {
				d.logger().WithFields(logrus.Fields{"sms_id": entry.ID, "error": uerr}).Warn("sms: update log failed")
			}
			d.observe(entry.Status)
			if d.Bus != nil {
				d.Bus.Publish(ctx, SmsSentEvent, entry)
			}
			return entry, nil
		}
		lastErr = err
		entry.Error = err.Error()
		entry.UpdatedAt = d.now()
		d.logger().WithFields(logrus.Fields{"sms_id": entry.ID, "attempt": entry.Attempts, "error": err}).Warn("sms: relay attempt failed")
		if uerr := d.Store.UpdateSmsLog(ctx, entry); uerr != nil {
			d.logger().WithFields(logrus.Fields{"sms_id": entry.ID, "error": uerr}).Warn("sms: update log failed")
		}
	}
	entry.Status = domain.SmsFailed
	if lastErr != nil {
		entry.Error = lastErr.Error()
	}
	entry.UpdatedAt = d.now()
	if uerr := d.Store.UpdateSmsLog(context.WithoutCancel(ctx), entry); uerr != nil {
		d.logger().WithFields(logrus.Fields{"sms_id": entry.ID, "error": uerr}).Warn("sms: update log failed")
	}
	d.observe(entry.Status)
	return entry, fmt.Errorf("sms %s: %w", entry.ID, lastErr)
}

func (d Dispatcher) observe(status domain.SmsStatus) {
	if d.Observe != nil {
		d.Observe(string(status))
	}
}
