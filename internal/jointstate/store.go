package jointstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/jointbridge/internal/msg"
)

var (
	// ErrMalformedInput is returned when a message cannot be applied, for
	// example when its length differs from the registered joint count.
	ErrMalformedInput = errors.New("malformed joint state")
	// ErrUnknownName is returned by MergeSnapshot when an auxiliary joint has
	// no counterpart in the canonical record.
	ErrUnknownName = errors.New("unknown joint name")
	// ErrNotReady is returned by MergeSnapshot before both sources have
	// registered.
	ErrNotReady = errors.New("joint state not ready")
	// ErrUnknownSource is returned for a Source outside Auxiliary/Canonical.
	ErrUnknownSource = errors.New("unknown joint state source")
)

// SourceStats summarises one source's registration and update counts.
type SourceStats struct {
	Registered bool
	Joints     int
	Accepted   uint64
	Rejected   uint64
}

type snapshot struct {
	state      NamedState
	index      map[string]int
	registered bool
	accepted   uint64
	rejected   uint64
}

// Store owns the auxiliary and canonical snapshots. Every method holds the
// same mutex for its whole duration, so a merge always observes a consistent
// pair of snapshots.
type Store struct {
	mu         sync.Mutex
	unitPrefix string
	sources    [2]snapshot
	ready      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithUnitPrefix sets the prefix used to name auxiliary channels.
func WithUnitPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.unitPrefix = prefix
		}
	}
}

// NewStore creates an empty Store. Neither source is registered.
func NewStore(opts ...Option) *Store {
	s := &Store{
		unitPrefix: DefaultUnitPrefix,
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update applies one message from src. The first accepted message of a
// source registers its joint names and freezes their order; later messages
// must carry exactly the registered number of positions and overwrite them
// by index. A rejected message leaves the stored state untouched.
//
// names is ignored for the auxiliary source, whose names are derived from
// channel order.
func (s *Store) Update(src Source, names []string, positions []float64, header msg.Header) error {
	if !src.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSource, int(src))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &s.sources[src]
	var err error
	if snap.registered {
		err = snap.apply(src, names, positions, header)
	} else {
		err = snap.register(src, s.unitPrefix, names, positions, header)
	}
	if err != nil {
		snap.rejected++
		return err
	}
	snap.accepted++

	if s.sources[Auxiliary].registered && s.sources[Canonical].registered {
		select {
		case <-s.ready:
		default:
			close(s.ready)
		}
	}
	return nil
}

func (snap *snapshot) register(src Source, prefix string, names []string, positions []float64, header msg.Header) error {
	if len(positions) == 0 {
		return fmt.Errorf("%w: first %s message has no positions", ErrMalformedInput, src)
	}

	derived := make([]string, len(positions))
	switch src {
	case Auxiliary:
		for i := range positions {
			derived[i] = UnitJointName(prefix, i)
		}
	case Canonical:
		if len(names) != len(positions) {
			return fmt.Errorf("%w: %s message has %d names but %d positions", ErrMalformedInput, src, len(names), len(positions))
		}
		copy(derived, names)
	}

	index := make(map[string]int, len(derived))
	for i, name := range derived {
		if name == "" {
			return fmt.Errorf("%w: %s joint %d has an empty name", ErrMalformedInput, src, i)
		}
		if _, dup := index[name]; dup {
			return fmt.Errorf("%w: %s joint name %q repeated", ErrMalformedInput, src, name)
		}
		index[name] = i
	}

	snap.state.Names = derived
	snap.state.Positions = append(make([]float64, 0, len(positions)), positions...)
	snap.state.Stamp = header.Stamp
	snap.state.FrameID = header.FrameID
	snap.index = index
	snap.registered = true
	return nil
}

func (snap *snapshot) apply(src Source, names []string, positions []float64, header msg.Header) error {
	if src == Canonical && len(names) > 0 && len(names) != len(positions) {
		return fmt.Errorf("%w: %s message has %d names but %d positions", ErrMalformedInput, src, len(names), len(positions))
	}
	if len(positions) != len(snap.state.Positions) {
		return fmt.Errorf("%w: %s message has %d positions, registered %d", ErrMalformedInput, src, len(positions), len(snap.state.Positions))
	}
	copy(snap.state.Positions, positions)
	snap.state.Stamp = header.Stamp
	snap.state.FrameID = header.FrameID
	return nil
}

// MergeSnapshot returns a copy of the canonical record with every auxiliary
// joint's position replaced by the auxiliary value of the same name. If any
// auxiliary joint is missing from the canonical record the whole merge fails
// with ErrUnknownName and no snapshot is returned.
func (s *Store) MergeSnapshot() (NamedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aux, canon := &s.sources[Auxiliary], &s.sources[Canonical]
	if !aux.registered || !canon.registered {
		return NamedState{}, ErrNotReady
	}

	merged := canon.state.Clone()
	for i, name := range aux.state.Names {
		j, ok := canon.index[name]
		if !ok {
			return NamedState{}, fmt.Errorf("%w: auxiliary joint %q not in canonical set", ErrUnknownName, name)
		}
		merged.Positions[j] = aux.state.Positions[i]
	}
	return merged, nil
}

// IsReady reports whether both sources have registered.
func (s *Store) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[Auxiliary].registered && s.sources[Canonical].registered
}

// Ready returns a channel that is closed once both sources have registered.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until both sources have registered or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of one source's state and whether it has
// registered.
func (s *Store) Snapshot(src Source) (NamedState, bool) {
	if !src.valid() {
		return NamedState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &s.sources[src]
	return snap.state.Clone(), snap.registered
}

// Stats returns the registration and update counters for src.
func (s *Store) Stats(src Source) SourceStats {
	if !src.valid() {
		return SourceStats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &s.sources[src]
	return SourceStats{
		Registered: snap.registered,
		Joints:     len(snap.state.Names),
		Accepted:   snap.accepted,
		Rejected:   snap.rejected,
	}
}
