// Package bridge connects the joint state core to a transport. It feeds the
// auxiliary and canonical joint topics into a jointstate.Store, republishes
// the merged record on a fixed schedule and re-broadcasts every transform
// sample inverted.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/jointbridge/internal/frames"
	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/msg"
	"github.com/banshee-data/jointbridge/internal/scheduler"
	"github.com/banshee-data/jointbridge/internal/timeutil"
	"github.com/banshee-data/jointbridge/internal/transport"
)

// Metric stream labels.
const (
	streamAuxiliary = "auxiliary"
	streamCanonical = "canonical"
	streamTransform = "transform"
)

// Topics names every topic the bridge reads or writes.
type Topics struct {
	Auxiliary    string `json:"auxiliary"`
	Canonical    string `json:"canonical"`
	Transform    string `json:"transform"`
	Merged       string `json:"merged"`
	TransformOut string `json:"transform_out"`
}

// DefaultTopics returns the topic names used on the robot.
func DefaultTopics() Topics {
	return Topics{
		Auxiliary:    "/dragon/gimbals_ctrl",
		Canonical:    "/dragon/joint_states_temp",
		Transform:    "/cog2baselink",
		Merged:       "/dragon/joint_states",
		TransformOut: "/tf",
	}
}

// Validate checks every topic and that inbound and outbound topics differ.
func (t Topics) Validate() error {
	named := []struct{ name, topic string }{
		{"auxiliary", t.Auxiliary},
		{"canonical", t.Canonical},
		{"transform", t.Transform},
		{"merged", t.Merged},
		{"transform_out", t.TransformOut},
	}
	seen := make(map[string]string, len(named))
	for _, n := range named {
		if err := transport.ValidateTopic(n.topic); err != nil {
			return fmt.Errorf("%s topic: %w", n.name, err)
		}
		if prev, ok := seen[n.topic]; ok {
			return fmt.Errorf("%s and %s topics are both %s", prev, n.name, n.topic)
		}
		seen[n.topic] = n.name
	}
	return nil
}

// Config configures a Bridge. Zero values take defaults.
type Config struct {
	Topics     Topics
	Period     time.Duration
	UnitPrefix string
	Clock      timeutil.Clock
	Metrics    *metrics.Metrics
}

// Stats summarises the bridge for the debug pages.
type Stats struct {
	Scheduler       scheduler.Stats
	Auxiliary       jointstate.SourceStats
	Canonical       jointstate.SourceStats
	Inverted        uint64
	TransformErrors uint64
}

// Bridge owns the store and scheduler for one bus.
type Bridge struct {
	bus     transport.Bus
	topics  Topics
	store   *jointstate.Store
	sched   *scheduler.Scheduler
	sinks   []scheduler.Publisher
	metrics *metrics.Metrics
	log     monitoring.Logger

	inverted        atomic.Uint64
	transformErrors atomic.Uint64
}

// New creates a Bridge on bus. Every merged record is published on the
// merged topic and then handed to each of sinks.
func New(bus transport.Bus, cfg Config, sinks ...scheduler.Publisher) (*Bridge, error) {
	if cfg.Topics == (Topics{}) {
		cfg.Topics = DefaultTopics()
	}
	if err := cfg.Topics.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		bus:     bus,
		topics:  cfg.Topics,
		store:   jointstate.NewStore(jointstate.WithUnitPrefix(cfg.UnitPrefix)),
		sinks:   sinks,
		metrics: cfg.Metrics,
		log:     monitoring.For("Bridge"),
	}
	b.sched = scheduler.New(b.store, scheduler.PublisherFunc(b.publish), scheduler.Config{
		Period:  cfg.Period,
		Clock:   cfg.Clock,
		Metrics: cfg.Metrics,
	})
	return b, nil
}

// Store returns the bridge's joint state store.
func (b *Bridge) Store() *jointstate.Store { return b.store }

// Scheduler returns the bridge's publish scheduler.
func (b *Bridge) Scheduler() *scheduler.Scheduler { return b.sched }

// Topics returns the topics in use.
func (b *Bridge) Topics() Topics { return b.topics }

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Scheduler:       b.sched.Stats(),
		Auxiliary:       b.store.Stats(jointstate.Auxiliary),
		Canonical:       b.store.Stats(jointstate.Canonical),
		Inverted:        b.inverted.Load(),
		TransformErrors: b.transformErrors.Load(),
	}
}

// Run subscribes to the inbound topics and runs the publish loop until ctx
// is cancelled. It returns ctx.Err() on shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	subs := []struct {
		topic string
		h     transport.Handler
	}{
		{b.topics.Auxiliary, b.jointHandler(jointstate.Auxiliary, streamAuxiliary)},
		{b.topics.Canonical, b.jointHandler(jointstate.Canonical, streamCanonical)},
		{b.topics.Transform, b.transformHandler()},
	}

	var active []transport.Subscription
	defer func() {
		for _, s := range active {
			if err := s.Unsubscribe(); err != nil {
				b.log.Printf("unsubscribe failed: %v", err)
			}
		}
	}()
	for _, s := range subs {
		sub, err := b.bus.Subscribe(s.topic, s.h)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
		active = append(active, sub)
		b.log.Printf("subscribed to %s", s.topic)
	}

	return b.sched.Run(ctx)
}

// jointHandler returns the handler for one joint source. Each subscription
// calls it from a single goroutine, so lastErr needs no lock.
func (b *Bridge) jointHandler(src jointstate.Source, stream string) transport.Handler {
	var lastErr string
	return func(payload []byte) {
		b.metrics.Received(stream)

		js, err := msg.DecodeJointState(payload)
		if err == nil {
			err = b.store.Update(src, js.Name, js.Position, js.Header)
		} else {
			err = fmt.Errorf("%w: %v", jointstate.ErrMalformedInput, err)
		}
		if err != nil {
			b.metrics.Rejected(stream, rejectReason(err))
			if text := err.Error(); text != lastErr {
				lastErr = text
				b.log.Printf("rejected %s message: %v", stream, err)
			}
			return
		}
		if lastErr != "" {
			b.log.Printf("%s messages accepted again", stream)
			lastErr = ""
		}
	}
}

func (b *Bridge) transformHandler() transport.Handler {
	return func(payload []byte) {
		b.metrics.Received(streamTransform)
		if err := b.invert(payload); err != nil {
			b.transformErrors.Add(1)
			b.metrics.Rejected(streamTransform, rejectReason(err))
			b.log.Printf("dropped transform: %v", err)
		}
	}
}

// invert decodes one transform sample, inverts it and publishes the result
// on the outbound transform topic.
func (b *Bridge) invert(payload []byte) error {
	ts, err := msg.DecodeTransformStamped(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", jointstate.ErrMalformedInput, err)
	}
	inv, err := frames.Invert(frames.FromMsg(ts))
	if err != nil {
		return err
	}
	out, err := msg.Encode(inv.Msg())
	if err != nil {
		return err
	}
	if err := b.bus.Publish(b.topics.TransformOut, out); err != nil {
		return fmt.Errorf("failed to publish inverted transform: %w", err)
	}
	b.inverted.Add(1)
	b.metrics.Inverted()
	return nil
}

// publish sends one merged record to the bus and every sink. A failing sink
// does not stop the others.
func (b *Bridge) publish(ctx context.Context, state jointstate.NamedState) error {
	var errs []error

	payload, err := msg.Encode(state.JointState())
	if err == nil {
		err = b.bus.Publish(b.topics.Merged, payload)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", b.topics.Merged, err))
	}

	for _, s := range b.sinks {
		if err := s.Publish(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jointstate.ErrMalformedInput):
		return "malformed"
	case errors.Is(err, frames.ErrTransformLookup):
		return "transform_lookup"
	default:
		return "other"
	}
}
