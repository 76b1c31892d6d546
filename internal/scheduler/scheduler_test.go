package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/msg"
	"github.com/banshee-data/jointbridge/internal/timeutil"
)

type recorder struct {
	mu     sync.Mutex
	states []jointstate.NamedState
	err    error
}

func (r *recorder) Publish(_ context.Context, s jointstate.NamedState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.states = append(r.states, s)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) last() jointstate.NamedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func quiet(t *testing.T) {
	prev := monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

type harness struct {
	store *jointstate.Store
	clock *timeutil.MockClock
	pub   *recorder
	sched *Scheduler
	m     *metrics.Metrics
	done  chan error
	stop  context.CancelFunc
}

func start(t *testing.T) *harness {
	t.Helper()
	quiet(t)
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	h := &harness{
		store: jointstate.NewStore(),
		clock: timeutil.NewMockClock(time.Unix(1000, 0)),
		pub:   &recorder{},
		m:     m,
		done:  make(chan error, 1),
	}
	h.sched = New(h.store, h.pub, Config{Period: DefaultPeriod, Clock: h.clock, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.done <- h.sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) shutdown(t *testing.T) error {
	t.Helper()
	h.stop()
	select {
	case err := <-h.done:
		h.done <- err // let Cleanup drain it
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func TestScheduler_AuxiliaryOnlyNeverPublishes(t *testing.T) {
	h := start(t)

	for i := 0; i < 10; i++ {
		if err := h.store.Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2}, msg.Header{}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		h.clock.Advance(DefaultPeriod)
	}
	time.Sleep(20 * time.Millisecond)

	if n := h.pub.count(); n != 0 {
		t.Errorf("published %d times with only the auxiliary source", n)
	}
	if got := h.sched.State(); got != WaitingForReadiness {
		t.Errorf("State() = %v, want %v", got, WaitingForReadiness)
	}
	if n := h.clock.ActiveTickers(); n != 0 {
		t.Errorf("ticker started before readiness: %d active", n)
	}

	if err := h.shutdown(t); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestScheduler_PublishesMergedStateEveryTick(t *testing.T) {
	h := start(t)

	if err := h.store.Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2, 0.3, 0.4}, msg.Header{}); err != nil {
		t.Fatalf("auxiliary: %v", err)
	}
	names := []string{"unit1_roll", "unit1_pitch", "unit2_roll", "unit2_pitch", "other_joint"}
	if err := h.store.Update(jointstate.Canonical, names, []float64{0, 0, 0, 0, 1.0}, msg.Header{Stamp: msg.Time{Sec: 7}}); err != nil {
		t.Fatalf("canonical: %v", err)
	}

	waitFor(t, "first publish", func() bool { return h.pub.count() == 1 })
	waitFor(t, "ticker", func() bool { return h.clock.ActiveTickers() == 1 })

	want := jointstate.NamedState{
		Names:     names,
		Positions: []float64{0.1, 0.2, 0.3, 0.4, 1.0},
		Stamp:     msg.Time{Sec: 7},
	}
	if diff := cmp.Diff(want, h.pub.last()); diff != "" {
		t.Errorf("published state mismatch (-want +got):\n%s", diff)
	}
	if got := h.sched.State(); got != Running {
		t.Errorf("State() = %v, want %v", got, Running)
	}

	// Each period produces exactly one more publish and reflects the
	// latest auxiliary values.
	for i := 2; i <= 4; i++ {
		v := float64(i)
		if err := h.store.Update(jointstate.Auxiliary, nil, []float64{v, v, v, v}, msg.Header{}); err != nil {
			t.Fatalf("auxiliary: %v", err)
		}
		h.clock.Advance(DefaultPeriod)
		waitFor(t, "tick publish", func() bool { return h.pub.count() == i })
		if got := h.pub.last().Positions; got[0] != v || got[4] != 1.0 {
			t.Errorf("tick %d published %v", i, got)
		}
	}

	st := h.sched.Stats()
	if st.Published != 4 || st.Skipped != 0 || st.State != Running {
		t.Errorf("unexpected stats: %+v", st)
	}
	if got := testutil.ToFloat64(h.m.Publishes); got != 4 {
		t.Errorf("publishes metric = %v, want 4", got)
	}
	if got := testutil.ToFloat64(h.m.Ready); got != 1 {
		t.Errorf("ready metric = %v, want 1", got)
	}
}

func TestScheduler_SkipsCycleOnUnknownName(t *testing.T) {
	h := start(t)

	if err := h.store.Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2, 0.3}, msg.Header{}); err != nil {
		t.Fatalf("auxiliary: %v", err)
	}
	if err := h.store.Update(jointstate.Canonical, []string{"unit1_roll", "unit1_pitch"}, []float64{0, 0}, msg.Header{}); err != nil {
		t.Fatalf("canonical: %v", err)
	}

	waitFor(t, "first skip", func() bool { return h.sched.Stats().Skipped == 1 })
	waitFor(t, "ticker", func() bool { return h.clock.ActiveTickers() == 1 })
	h.clock.Advance(DefaultPeriod)
	waitFor(t, "second skip", func() bool { return h.sched.Stats().Skipped == 2 })

	if n := h.pub.count(); n != 0 {
		t.Errorf("published %d times despite merge failure", n)
	}
	if got := testutil.ToFloat64(h.m.SkippedCycles.WithLabelValues("unknown_name")); got != 2 {
		t.Errorf("skipped metric = %v, want 2", got)
	}
	if got := h.sched.State(); got != Running {
		t.Errorf("State() = %v, want %v", got, Running)
	}
}

func TestScheduler_PublishErrorsDoNotStopLoop(t *testing.T) {
	h := start(t)
	h.pub.mu.Lock()
	h.pub.err = errors.New("bus unavailable")
	h.pub.mu.Unlock()

	if err := h.store.Update(jointstate.Auxiliary, nil, []float64{0.1}, msg.Header{}); err != nil {
		t.Fatalf("auxiliary: %v", err)
	}
	if err := h.store.Update(jointstate.Canonical, []string{"unit1_roll"}, []float64{0}, msg.Header{}); err != nil {
		t.Fatalf("canonical: %v", err)
	}

	waitFor(t, "publish error", func() bool { return h.sched.Stats().PublishErrors == 1 })
	waitFor(t, "ticker", func() bool { return h.clock.ActiveTickers() == 1 })

	h.pub.mu.Lock()
	h.pub.err = nil
	h.pub.mu.Unlock()
	h.clock.Advance(DefaultPeriod)
	waitFor(t, "recovered publish", func() bool { return h.pub.count() == 1 })

	if got := testutil.ToFloat64(h.m.PublishErrors); got != 1 {
		t.Errorf("publish error metric = %v, want 1", got)
	}
}

func TestScheduler_StopsTickerOnShutdown(t *testing.T) {
	h := start(t)
	if err := h.store.Update(jointstate.Auxiliary, nil, []float64{0.1}, msg.Header{}); err != nil {
		t.Fatalf("auxiliary: %v", err)
	}
	if err := h.store.Update(jointstate.Canonical, []string{"unit1_roll"}, []float64{0}, msg.Header{}); err != nil {
		t.Fatalf("canonical: %v", err)
	}
	waitFor(t, "ticker", func() bool { return h.clock.ActiveTickers() == 1 })

	if err := h.shutdown(t); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if n := h.clock.ActiveTickers(); n != 0 {
		t.Errorf("ticker still active after shutdown: %d", n)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(jointstate.NewStore(), PublisherFunc(func(context.Context, jointstate.NamedState) error { return nil }), Config{})
	if s.period != DefaultPeriod {
		t.Errorf("period = %v, want %v", s.period, DefaultPeriod)
	}
	if _, ok := s.clock.(timeutil.RealClock); !ok {
		t.Errorf("clock = %T, want timeutil.RealClock", s.clock)
	}
	if s.State() != WaitingForReadiness {
		t.Errorf("State() = %v, want %v", s.State(), WaitingForReadiness)
	}
}

func TestStateString(t *testing.T) {
	if WaitingForReadiness.String() != "waiting_for_readiness" || Running.String() != "running" || State(5).String() != "unknown" {
		t.Error("unexpected State strings")
	}
}
