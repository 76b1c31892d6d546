package frames

import "fmt"

type edge struct {
	parent, child string
}

// Buffer holds the latest transform for each directly connected frame pair
// and answers lookups in either direction. It is not safe for concurrent
// use; Invert builds a fresh one per sample.
type Buffer struct {
	edges map[edge]Transform
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{edges: make(map[edge]Transform)}
}

// Set stores t, replacing any earlier transform between the same frames in
// either direction. The rotation is normalised on the way in.
func (b *Buffer) Set(t Transform) error {
	if err := t.validate(); err != nil {
		return err
	}
	q, err := normalise(t.Rotation)
	if err != nil {
		return err
	}
	t.Rotation = q
	delete(b.edges, edge{parent: t.Child, child: t.Parent})
	b.edges[edge{parent: t.Parent, child: t.Child}] = t
	return nil
}

// Lookup returns the pose of child expressed in parent, inverting a stored
// transform when only the reverse direction is known.
func (b *Buffer) Lookup(parent, child string) (Transform, error) {
	if parent == "" || child == "" || parent == child {
		return Transform{}, fmt.Errorf("%w: lookup %q -> %q", ErrInvalidFrame, parent, child)
	}
	if t, ok := b.edges[edge{parent: parent, child: child}]; ok {
		return t, nil
	}
	if t, ok := b.edges[edge{parent: child, child: parent}]; ok {
		return inverse(t), nil
	}
	return Transform{}, fmt.Errorf("%w: %q -> %q", ErrLookup, parent, child)
}

// Invert returns the transform from sample.Child to sample.Parent: frames
// swapped, rotation conjugated, translation rotated back and negated, stamp
// copied. Any error from the lookup is returned unchanged.
func Invert(sample Transform) (Transform, error) {
	buf := NewBuffer()
	if err := buf.Set(sample); err != nil {
		return Transform{}, err
	}
	return buf.Lookup(sample.Child, sample.Parent)
}
