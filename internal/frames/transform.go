// Package frames inverts stamped rigid transforms between two named
// coordinate frames.
package frames

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/jointbridge/internal/msg"
)

var (
	// ErrTransformLookup is the parent of every error returned while
	// resolving a transform.
	ErrTransformLookup = errors.New("transform lookup failed")
	// ErrDegenerateRotation is returned for a rotation that cannot be
	// normalised (zero length or non-finite components).
	ErrDegenerateRotation = fmt.Errorf("%w: degenerate rotation", ErrTransformLookup)
	// ErrInvalidFrame is returned for empty or self-referencing frame names.
	ErrInvalidFrame = fmt.Errorf("%w: invalid frame", ErrTransformLookup)
	// ErrLookup is returned when the requested frame pair is not connected.
	ErrLookup = fmt.Errorf("%w: frames not connected", ErrTransformLookup)
)

// minRotationNorm is the smallest quaternion length accepted as a rotation.
const minRotationNorm = 1e-9

// Transform is the pose of Child expressed in Parent at Stamp: a point p in
// the child frame maps to Rotation·p·Rotation⁻¹ + Translation in the parent.
type Transform struct {
	Parent      string
	Child       string
	Translation r3.Vec
	Rotation    quat.Number
	Stamp       msg.Time
}

// FromMsg converts a wire transform. Header.FrameID is the parent frame.
func FromMsg(ts msg.TransformStamped) Transform {
	t := ts.Transform
	return Transform{
		Parent:      ts.Header.FrameID,
		Child:       ts.ChildFrameID,
		Translation: r3.Vec{X: t.Translation.X, Y: t.Translation.Y, Z: t.Translation.Z},
		Rotation:    quat.Number{Real: t.Rotation.W, Imag: t.Rotation.X, Jmag: t.Rotation.Y, Kmag: t.Rotation.Z},
		Stamp:       ts.Header.Stamp,
	}
}

// Msg converts the transform to its wire form.
func (t Transform) Msg() msg.TransformStamped {
	return msg.TransformStamped{
		Header:       msg.Header{Stamp: t.Stamp, FrameID: t.Parent},
		ChildFrameID: t.Child,
		Transform: msg.Transform{
			Translation: msg.Vector3{X: t.Translation.X, Y: t.Translation.Y, Z: t.Translation.Z},
			Rotation:    msg.Quaternion{X: t.Rotation.Imag, Y: t.Rotation.Jmag, Z: t.Rotation.Kmag, W: t.Rotation.Real},
		},
	}
}

// Apply maps a point from the child frame into the parent frame.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(rotate(t.Rotation, p), t.Translation)
}

func (t Transform) validate() error {
	if t.Parent == "" || t.Child == "" {
		return fmt.Errorf("%w: parent %q child %q", ErrInvalidFrame, t.Parent, t.Child)
	}
	if t.Parent == t.Child {
		return fmt.Errorf("%w: %q is its own parent", ErrInvalidFrame, t.Parent)
	}
	for _, v := range []float64{t.Translation.X, t.Translation.Y, t.Translation.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite translation %v", ErrTransformLookup, t.Translation)
		}
	}
	return nil
}

// normalise returns q scaled to unit length.
func normalise(q quat.Number) (quat.Number, error) {
	if quat.IsNaN(q) || quat.IsInf(q) {
		return quat.Number{}, fmt.Errorf("%w: %v", ErrDegenerateRotation, q)
	}
	n := quat.Abs(q)
	if n < minRotationNorm {
		return quat.Number{}, fmt.Errorf("%w: norm %g", ErrDegenerateRotation, n)
	}
	return quat.Scale(1/n, q), nil
}

// rotate applies the unit quaternion q to p.
func rotate(q quat.Number, p r3.Vec) r3.Vec {
	v := quat.Mul(quat.Mul(q, quat.Number{Imag: p.X, Jmag: p.Y, Kmag: p.Z}), quat.Conj(q))
	return r3.Vec{X: v.Imag, Y: v.Jmag, Z: v.Kmag}
}

// inverse returns the transform of Parent expressed in Child. q must be a
// unit quaternion.
func inverse(t Transform) Transform {
	qInv := quat.Conj(t.Rotation)
	return Transform{
		Parent:      t.Child,
		Child:       t.Parent,
		Translation: r3.Scale(-1, rotate(qInv, t.Translation)),
		Rotation:    qInv,
		Stamp:       t.Stamp,
	}
}
