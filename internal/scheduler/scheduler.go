// Package scheduler drives periodic re-fetches for connected widgets.
// Each widget gets its own cron entry and cancellation context; both
// go away when the widget disconnects or is torn down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guilherme-santos/dashcal"
)

// DefaultInterval is how often a connected widget re-fetches.
const DefaultInterval = 5 * time.Minute

// Job runs one sync cycle. Scheduled runs are silent, user-triggered
// runs are verbose.
type Job func(ctx context.Context, silent bool)

type entry struct {
	cronID cron.EntryID
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
	retry  *time.Timer
}

type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration

	mu   sync.Mutex
	jobs map[dashcal.WidgetID]*entry
}

func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := cron.New()
	c.Start()
	return &Scheduler{
		cron:     c,
		interval: interval,
		jobs:     make(map[dashcal.WidgetID]*entry),
	}
}

// Interval is the configured re-fetch cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins the widget's schedule: an immediate verbose fetch,
// then silent fetches on the fixed interval. An existing schedule for
// the same widget is replaced.
func (s *Scheduler) Start(id dashcal.WidgetID, job Job) error {
	s.Stop(id)

	ctx, cancel := context.WithCancel(context.Background())
	cronID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if ctx.Err() == nil {
			job(ctx, true)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("scheduler: adding entry: %w", err)
	}

	s.mu.Lock()
	s.jobs[id] = &entry{cronID: cronID, job: job, ctx: ctx, cancel: cancel}
	s.mu.Unlock()

	go job(ctx, false)
	return nil
}

// Trigger runs a verbose, user-initiated refresh outside the regular
// schedule. It reports whether the widget had a running schedule.
func (s *Scheduler) Trigger(id dashcal.WidgetID) bool {
	s.mu.Lock()
	e := s.jobs[id]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	go func() {
		if e.ctx.Err() == nil {
			e.job(e.ctx, false)
		}
	}()
	return true
}

// RetryAfter schedules a single silent retry. A pending retry for the
// same widget is replaced, so backoff delays never stack.
func (s *Scheduler) RetryAfter(id dashcal.WidgetID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.jobs[id]
	if e == nil {
		return
	}
	if e.retry != nil {
		e.retry.Stop()
	}
	e.retry = time.AfterFunc(delay, func() {
		if e.ctx.Err() == nil {
			e.job(e.ctx, true)
		}
	})
}

// Running reports whether the widget currently has a schedule.
func (s *Scheduler) Running(id dashcal.WidgetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id] != nil
}

// Stop cancels the widget's schedule, pending retry and any in-flight
// fetch. Late-arriving results see the cancelled context and are
// discarded by the caller.
func (s *Scheduler) Stop(id dashcal.WidgetID) {
	s.mu.Lock()
	e := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if e == nil {
		return
	}
	e.cancel()
	s.cron.Remove(e.cronID)
	if e.retry != nil {
		e.retry.Stop()
	}
}

// Close stops every schedule and the underlying cron runner.
func (s *Scheduler) Close() {
	s.mu.Lock()
	ids := make([]dashcal.WidgetID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
	s.cron.Stop()
}
