package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs the nightly trust decay and the daily revenue closure.
// Both go through the runtime as writes, so READ_ONLY and DEGRADED skip them.
type Scheduler struct {
	engine  engine.Engine
	rt      *core.Runtime
	log     logrus.FieldLogger
	timeout time.Duration
	cron    *cron.Cron
}

func parseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if strings.Contains(strings.ToUpper(clean), "TZ=") {
		return nil, fmt.Errorf("schedule %q: timezone prefixes are not allowed, schedules run in UTC", expr)
	}
	s, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return s, nil
}

// NewScheduler validates the configured schedules. An empty schedule
// disables its job.
func NewScheduler(e engine.Engine, rt *core.Runtime, cfg *config.Config, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		engine:  e,
		rt:      rt,
		log:     log,
		timeout: cfg.Core.OperationTimeout,
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser)),
	}
	jobs := []struct {
		expr string
		run  func(context.Context)
	}{
		{cfg.Trust.DecaySchedule, func(ctx context.Context) { s.Decay(ctx) }},
		{cfg.Trust.ClosureSchedule, func(ctx context.Context) { s.Closure(ctx, "") }},
	}
	for _, job := range jobs {
		if strings.TrimSpace(job.expr) == "" {
			continue
		}
		sched, err := parseSchedule(job.expr)
		if err != nil {
			return nil, err
		}
		run := job.run
		s.cron.Schedule(sched, cron.FuncJob(func() { run(context.Background()) }))
	}
	return s, nil
}

// Entries is the number of scheduled jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Run starts the cron loop and stops it when ctx ends, waiting for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Decay applies one round of trust decay.
func (s *Scheduler) Decay(ctx context.Context) core.Response[engine.DecayResult] {
	res := core.ExecuteSafe(ctx, s.rt, s.engine.ApplyTrustDecay, engine.DecayResult{}, core.Options{Name: "applyTrustDecay", Write: true, Timeout: s.timeout})
	s.report("trust decay", res.Error, logrus.Fields{"updated": res.Data.Updated, "state": res.CoreState})
	return res
}

// Closure anchors the given day (default today) for every sacco.
func (s *Scheduler) Closure(ctx context.Context, day string) []core.Response[domain.DailyAnchor] {
	saccos, err := s.engine.Repo.ListSaccos(ctx)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("schedule: list saccos failed")
		return nil
	}
	out := make([]core.Response[domain.DailyAnchor], 0, len(saccos))
	for _, sacco := range saccos {
		id := sacco.ID
		res := core.ExecuteSafe(ctx, s.rt, func(ctx context.Context) (domain.DailyAnchor, error) {
			return s.engine.PerformDailyClosure(ctx, id, day)
		}, domain.DailyAnchor{}, core.Options{Name: "performDailyClosure", Write: true, Timeout: s.timeout})
		s.report("daily closure", res.Error, logrus.Fields{"sacco": id, "revenue": res.Data.DailyRevenue, "trips": res.Data.TripCount})
		out = append(out, res)
	}
	return out
}

func (s *Scheduler) report(job string, fault *core.Fault, fields logrus.Fields) {
	if fault != nil {
		fields["code"] = fault.Code
		s.log.WithFields(fields).Warn("schedule: " + job + " skipped")
		return
	}
	s.log.WithFields(fields).Info("schedule: " + job + " done")
}
