package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	pglock "github.com/goauthentik/authentik-sub008/pkg/pglock"
	cron "github.com/robfig/cron/v3"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Scheduler enqueues recurring tasks from crontab declarations, once per
// enabled tenant. Concurrent schedulers are safe: a per-tenant advisory
// lock elides overlapping runs, and the most recent enqueue time per
// schedule uid dedupes fires across restarts and lock handovers.
type Scheduler struct {
	broker   *Broker
	parser   cron.Parser
	lookback time.Duration

	mu        sync.Mutex
	schedules []schema.Schedule
	specs     map[string]cron.Schedule
	last      time.Time
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func NewScheduler(broker *Broker) *Scheduler {
	return &Scheduler{
		broker:   broker,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lookback: schema.ScheduleLookback,
		specs:    make(map[string]cron.Schedule),
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Register adds a schedule. The crontab is validated up front so a bad
// declaration fails at startup rather than on first fire.
func (s *Scheduler) Register(sched schema.Schedule) error {
	if sched.UID == "" {
		return pg.ErrBadParameter.With("missing schedule uid")
	}
	if sched.Actor == "" {
		return pg.ErrBadParameter.Withf("schedule %q has no actor", sched.UID)
	}
	if sched.Queue == "" {
		sched.Queue = sched.Actor
	}
	spec, err := s.parser.Parse(sched.Crontab)
	if err != nil {
		return pg.ErrBadParameter.Withf("schedule %q: %v", sched.UID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.specs[sched.UID]; exists {
		return pg.ErrBadParameter.Withf("schedule %q is already registered", sched.UID)
	}
	s.specs[sched.UID] = spec
	s.schedules = append(s.schedules, sched)
	return nil
}

// Tick evaluates every schedule for every enabled tenant, enqueueing tasks
// whose fire time has passed without a matching enqueue.
func (s *Scheduler) Tick(ctx context.Context) error {
	var tenants schema.TenantList
	if err := s.broker.conn.List(ctx, &tenants, schema.TenantListRequest{}); err != nil {
		return err
	}

	var result error
	for _, tenant := range tenants.Body {
		key := pglock.KeyFor(schema.SchedulerLockName(s.broker.ns, tenant.TenantID))
		if _, err := s.broker.locks.WithTryLock(ctx, key, func(ctx context.Context) error {
			return s.tickTenant(ctx, tenant.TenantID)
		}); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// MaybeTick ticks when the schedule interval has elapsed since the last
// run, so callers can invoke it on every poll.
func (s *Scheduler) MaybeTick(ctx context.Context) error {
	s.mu.Lock()
	if time.Since(s.last) < s.broker.opts.scheduleTick {
		s.mu.Unlock()
		return nil
	}
	s.last = time.Now()
	s.mu.Unlock()

	return s.Tick(ctx)
}

// Run ticks on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.broker.opts.scheduleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !pg.IsRetryable(err) {
				return err
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (s *Scheduler) tickTenant(ctx context.Context, tenant string) error {
	now := time.Now()
	for _, sched := range s.snapshot() {
		if sched.Paused {
			continue
		}

		s.mu.Lock()
		spec := s.specs[sched.UID]
		s.mu.Unlock()

		// Most recent fire time within the lookback window
		fired := prevFire(spec, now, s.lookback)
		if fired.IsZero() {
			continue
		}

		// Skip when a task was already enqueued at or after the fire time
		var last schema.LastRun
		if err := s.broker.conn.Get(ctx, &last, schema.ScheduleLast{ScheduleUID: sched.UID, TenantID: tenant}); err == nil {
			if !last.EnqueuedAt.Before(fired) {
				continue
			}
		} else if !errors.Is(err, pg.ErrNotFound) {
			return err
		}

		if _, err := s.broker.Enqueue(ctx, tenant, schema.Message{
			ActorName: sched.Actor,
			QueueName: sched.Queue,
			Payload:   sched.Payload,
			Options:   schema.Options{ScheduleUID: sched.UID},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) snapshot() []schema.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules := make([]schema.Schedule, len(s.schedules))
	copy(schedules, s.schedules)
	return schedules
}

// prevFire returns the most recent fire time in (now-lookback, now], or the
// zero time when the schedule did not fire in the window.
func prevFire(spec cron.Schedule, now time.Time, lookback time.Duration) time.Time {
	var prev time.Time
	t := now.Add(-lookback)
	for {
		next := spec.Next(t)
		if next.IsZero() || next.After(now) {
			return prev
		}
		prev = next
		t = next
	}
}
