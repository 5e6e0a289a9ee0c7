package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lyncmos/internal/anchor"
	"lyncmos/internal/config"
	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

// Publisher is the event bus as seen by the engine.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any)
}

// Anchorer records revenue hashes and signs trust credentials.
type Anchorer interface {
	Anchor(ctx context.Context, hash string) (anchor.Proof, error)
	Sign(subject string, claims domain.CredentialClaims) (domain.VerifiableCredential, error)
}

// Notifier delivers ticket receipts.
type Notifier interface {
	Send(ctx context.Context, phone, message string) (domain.SmsLog, error)
}

type TicketObserver interface {
	ObserveTicket(amount int64)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Bus     Publisher
	Config  *config.Config
	Anchor  Anchorer
	SMS     Notifier
	Metrics TicketObserver
	Log     logrus.FieldLogger
	Now     func() time.Time

	locks *tripLocks
	bg    *sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Anchor: anchor.Service{
			Network: cfg.Anchor.Network,
			Issuer:  cfg.Anchor.Issuer,
			Secret:  cfg.Anchor.SigningSecret,
			TTL:     cfg.Anchor.CredentialTTL,
		},
		Log:   logrus.StandardLogger(),
		Now:   time.Now,
		locks: newTripLocks(),
		bg:    &sync.WaitGroup{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string { return e.now().Format(time.RFC3339) }

func (e Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) publish(ctx context.Context, name string, payload any) {
	if e.Bus != nil {
		e.Bus.Publish(ctx, name, payload)
	}
}

// Wait blocks until background receipt deliveries have finished.
func (e Engine) Wait() {
	if e.bg != nil {
		e.bg.Wait()
	}
}

func (e Engine) lockTrip(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(id)
}

// tripLocks serializes mutations per trip id. Entries are reference counted
// and removed once no caller holds or waits for them.
type tripLocks struct {
	mu    sync.Mutex
	byKey map[string]*tripLock
}

type tripLock struct {
	mu   sync.Mutex
	refs int
}

func newTripLocks() *tripLocks { return &tripLocks{byKey: map[string]*tripLock{}} }

func (l *tripLocks) lock(id string) func() {
	l.mu.Lock()
	tl, ok := l.byKey[id]
	if !ok {
		tl = &tripLock{}
		l.byKey[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.byKey, id)
		}
		l.mu.Unlock()
	}
}

func (l *tripLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
