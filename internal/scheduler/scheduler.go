// Package scheduler republishes the merged joint state at a fixed rate once
// both joint sources have registered.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/timeutil"
)

// DefaultPeriod is the publish period used when none is configured (20 Hz).
const DefaultPeriod = 50 * time.Millisecond

// State is the scheduler's position in its two-state lifecycle.
type State int32

const (
	// WaitingForReadiness is the initial state: nothing is published until
	// both sources have registered.
	WaitingForReadiness State = iota
	// Running publishes on every tick until shutdown.
	Running
)

func (s State) String() string {
	switch s {
	case WaitingForReadiness:
		return "waiting_for_readiness"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Source is the part of jointstate.Store the scheduler reads.
type Source interface {
	WaitReady(ctx context.Context) error
	MergeSnapshot() (jointstate.NamedState, error)
}

// Publisher receives every merged snapshot.
type Publisher interface {
	Publish(ctx context.Context, state jointstate.NamedState) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, state jointstate.NamedState) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, state jointstate.NamedState) error {
	return f(ctx, state)
}

// Config holds the scheduler's tunables.
type Config struct {
	// Period between publishes. Zero means DefaultPeriod.
	Period time.Duration
	// Clock drives the ticker. Nil means the real clock.
	Clock timeutil.Clock
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Stats counts what the scheduler has done since it started.
type Stats struct {
	State         State
	Published     uint64
	Skipped       uint64
	PublishErrors uint64
}

// Scheduler is the periodic publish loop.
type Scheduler struct {
	source  Source
	pub     Publisher
	period  time.Duration
	clock   timeutil.Clock
	metrics *metrics.Metrics
	log     monitoring.Logger

	state         atomic.Int32
	published     atomic.Uint64
	skipped       atomic.Uint64
	publishErrors atomic.Uint64

	// lastErr is only touched by the Run goroutine.
	lastErr string
}

// New creates a Scheduler in the WaitingForReadiness state.
func New(source Source, pub Publisher, cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Scheduler{
		source:  source,
		pub:     pub,
		period:  cfg.Period,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     monitoring.For("Scheduler"),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:         s.State(),
		Published:     s.published.Load(),
		Skipped:       s.skipped.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
}

// Run blocks until both sources are ready, publishes immediately, and then
// publishes once per period until ctx is cancelled. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Printf("waiting for both joint sources to register")
	if err := s.source.WaitReady(ctx); err != nil {
		return err
	}
	s.state.Store(int32(Running))
	s.metrics.SetReady(true)
	s.log.Printf("joint sources registered, publishing every %v", s.period)

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := s.clock.Now()
	merged, err := s.source.MergeSnapshot()
	s.metrics.ObserveMerge(s.clock.Since(start).Seconds())
	if err != nil {
		s.skipped.Add(1)
		s.metrics.Skipped(skipReason(err))
		s.noteError("skipping publish: %v", err)
		return
	}

	if err := s.pub.Publish(ctx, merged); err != nil {
		s.publishErrors.Add(1)
		s.metrics.PublishFailed()
		s.noteError("publish failed: %v", err)
		return
	}
	s.published.Add(1)
	s.metrics.Published()
	if s.lastErr != "" {
		s.log.Printf("publishing resumed after: %s", s.lastErr)
		s.lastErr = ""
	}
}

// noteError logs the first occurrence of an error in a run of identical
// failures so a persistent fault does not log at the publish rate.
func (s *Scheduler) noteError(format string, err error) {
	msg := err.Error()
	if msg == s.lastErr {
		return
	}
	s.lastErr = msg
	s.log.Printf(format, err)
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, jointstate.ErrUnknownName):
		return "unknown_name"
	case errors.Is(err, jointstate.ErrNotReady):
		return "not_ready"
	default:
		return "other"
	}
}
