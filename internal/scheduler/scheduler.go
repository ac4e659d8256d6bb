// Package scheduler runs named periodic jobs in background goroutines.
//
// Each job owns a ticker and a cancellable context. A job never overlaps
// with itself: ticks that arrive while a run is still in progress are
// coalesced by the ticker, and manual triggers are refused while the job
// is in flight.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Func is the body of a periodic job.
type Func func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       Func
	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
}

// Scheduler owns a set of named periodic jobs.
type Scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for tickers. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger used for skipped runs and recovered panics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Schedule starts fn every interval until parent is cancelled, the job is
// cancelled by name, or the scheduler is stopped. Scheduling a name that is
// already present replaces the previous job.
func (s *Scheduler) Schedule(parent context.Context, name string, interval time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || interval <= 0 {
		return
	}
	if old, ok := s.jobs[name]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	j := &job{name: name, interval: interval, fn: fn, ctx: ctx, cancel: cancel}
	s.jobs[name] = j
	s.wg.Add(1)
	go s.loop(j)
}

// Cancel stops the named job. It reports whether a job was scheduled.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	j.cancel()
	delete(s.jobs, name)
	return true
}

// Scheduled reports whether the named job is currently live.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return ok && j.ctx.Err() == nil
}

// Trigger runs the named job immediately on the caller's goroutine. It
// returns false without running if the job is unknown, cancelled, or
// already in flight.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || j.ctx.Err() != nil {
		return false
	}
	return s.run(j)
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for name, j := range s.jobs {
		j.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.Chan():
			s.run(j)
		}
	}
}

func (s *Scheduler) run(j *job) (ran bool) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Debug("job still in flight, skipping run", "job", j.name)
		return false
	}
	defer j.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.name, "panic", r)
		}
	}()
	// A panicking job still counts as run.
	ran = true
	j.fn(j.ctx)
	return ran
}
