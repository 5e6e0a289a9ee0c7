// Package app assembles the MOS process: store, core runtime, event bus,
// domain engine, RPC gateway, journal and HTTP API.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lyncmos/internal/bus"
	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/db"
	"lyncmos/internal/engine"
	"lyncmos/internal/engine/auth"
	"lyncmos/internal/events"
	"lyncmos/internal/gateway"
	"lyncmos/internal/migrate"
	"lyncmos/internal/repo"
	"lyncmos/internal/server"
	"lyncmos/internal/sms"
	"lyncmos/internal/telemetry"
)

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Runtime   *core.Runtime
	Bus       *bus.Bus
	Engine    engine.Engine
	Auth      auth.Service
	Gateway   *gateway.Gateway
	Telemetry *telemetry.Collector
	Webhooks  *events.WebhookDispatcher
	Handler   http.Handler
	Log       logrus.FieldLogger

	subs []*bus.Subscription
}

// Options tweak Build for tests and one-shot CLI commands.
type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
	// Offline skips the redis transport even if configured.
	Offline bool
}

// Open opens and migrates the workspace store.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return conn, nil
}

// Build wires every component against the workspace store and brings the
// runtime up. Close releases what Build opened.
func Build(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := Open(ctx, workspace)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Log: log}

	busOpts := []bus.Option{bus.WithLogger(log), bus.WithClock(now)}
	if cfg.Bus.Transport == config.TransportRedis && !opts.Offline {
		client, err := bus.OpenRedis(ctx, cfg.Bus.RedisURL)
		if err != nil {
			conn.Close()
			return nil, err
		}
		transport, err := bus.NewRedisTransport(client, cfg.Bus.Channel)
		if err != nil {
			client.Close()
			conn.Close()
			return nil, err
		}
		busOpts = append(busOpts, bus.WithTransport(transport))
	}
	a.Bus = bus.New(busOpts...)

	a.Telemetry = telemetry.New()
	a.Runtime = core.New(core.Config{
		Version:          cfg.Core.Version,
		FailureThreshold: cfg.Core.FailureThreshold,
		Cooldown:         cfg.Core.Cooldown,
		Logger:           log,
		Observer:         a.Telemetry,
	})
	a.Runtime.Register("store", db.Checker{DB: conn})
	a.Runtime.Register("bus", a.Bus)

	eng := engine.New(conn, cfg)
	eng.Bus = a.Bus
	eng.Log = log
	eng.Now = now
	eng.Metrics = a.Telemetry
	eng.SMS = sms.Dispatcher{
		Relay:       sms.LogRelay{SenderID: cfg.SMS.SenderID, Log: log},
		Store:       a.Repo,
		Bus:         a.Bus,
		Log:         log,
		MaxAttempts: cfg.SMS.MaxAttempts,
		Backoff:     200 * time.Millisecond,
		Now:         now,
		Observe:     a.Telemetry.ObserveSMS,
	}
	a.Engine = eng
	a.Auth = auth.FromConfig(cfg)

	a.Gateway = gateway.New(gateway.Options{
		Runtime:           a.Runtime,
		Auth:              a.Auth,
		Backend:           eng,
		Bus:               a.Bus,
		Metrics:           a.Telemetry,
		Logger:            log,
		Now:               now,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Timeout:           cfg.Core.OperationTimeout,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		PeerQueue:         cfg.Gateway.PeerQueue,
	})
	a.subs = append(a.subs, a.Gateway.Attach(a.Bus))

	journal := events.Writer{Repo: a.Repo, Log: log, Now: now, Exclude: map[string]bool{bus.HealthCheck: true}}
	a.subs = append(a.subs, journal.Attach(a.Bus))
	a.Webhooks = events.NewWebhookDispatcher(a.Repo, cfg.Webhooks, log)

	a.Handler, err = server.New(server.Config{
		Engine:   eng,
		Runtime:  a.Runtime,
		Auth:     a.Auth,
		BasePath: cfg.Server.BasePath,
		RPC:      a.Gateway,
		Metrics:  a.Telemetry.Handler(),
		Log:      log,
		Timeout:  cfg.Core.OperationTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	state := a.Runtime.Initialize(ctx)
	log.WithFields(logrus.Fields{"state": state, "version": a.Runtime.Version()}).Info("app: runtime initialized")
	return a, nil
}

// Run drives the background loops until ctx ends: dependency probes, the
// bus transport, webhook delivery and the scheduled jobs.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Runtime.Run(ctx, a.Config.Core.HealthInterval) })
	g.Go(func() error { return a.Bus.Run(ctx) })
	g.Go(func() error { return a.Webhooks.Run(ctx) })
	g.Go(func() error {
		sched, err := NewScheduler(a.Engine, a.Runtime, a.Config, a.Log)
		if err != nil {
			return err
		}
		return sched.Run(ctx)
	})
	return g.Wait()
}

// Close waits for background receipt deliveries and releases resources.
func (a *App) Close() error {
	a.Engine.Wait()
	for _, sub := range a.subs {
		a.Bus.Unsubscribe(sub.Topic(), sub)
	}
	if err := a.Bus.Close(); err != nil {
		a.Log.WithFields(logrus.Fields{"error": err}).Warn("app: closing bus")
	}
	return a.DB.Close()
}
