// Package jointstate merges joint readings from two independent sources into
// one canonical, stably ordered joint state record.
//
// The auxiliary source reports raw gimbal channels in roll/pitch pairs; the
// canonical source reports the full named joint set. Each source's joint
// names and their order are frozen by its first message. The Store merges the
// auxiliary positions over the canonical record by name.
package jointstate

import (
	"fmt"

	"github.com/banshee-data/jointbridge/internal/msg"
)

// Source identifies which stream a reading came from.
type Source int

const (
	// Auxiliary is the gimbal actuator stream. Its joints are a subset of
	// the canonical set.
	Auxiliary Source = iota
	// Canonical is the full joint sensor stream used as the publish record.
	Canonical
)

func (s Source) String() string {
	switch s {
	case Auxiliary:
		return "auxiliary"
	case Canonical:
		return "canonical"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func (s Source) valid() bool {
	return s == Auxiliary || s == Canonical
}

// DefaultUnitPrefix is the name prefix given to auxiliary channels when no
// other prefix is configured.
const DefaultUnitPrefix = "unit"

// UnitJointName returns the joint name for auxiliary channel i. Channels come
// in pairs: channel 2k is the roll of unit k+1 and channel 2k+1 its pitch.
func UnitJointName(prefix string, i int) string {
	axis := "roll"
	if i%2 == 1 {
		axis = "pitch"
	}
	return fmt.Sprintf("%s%d_%s", prefix, i/2+1, axis)
}

// NamedState is an ordered set of joint positions plus the header of the
// message that last updated it. Names and Positions are parallel.
type NamedState struct {
	Names     []string
	Positions []float64
	Stamp     msg.Time
	FrameID   string
}

// Len returns the number of joints.
func (n NamedState) Len() int {
	return len(n.Names)
}

// Clone returns a deep copy that shares no backing arrays with n.
func (n NamedState) Clone() NamedState {
	out := NamedState{Stamp: n.Stamp, FrameID: n.FrameID}
	if n.Names != nil {
		out.Names = append(make([]string, 0, len(n.Names)), n.Names...)
	}
	if n.Positions != nil {
		out.Positions = append(make([]float64, 0, len(n.Positions)), n.Positions...)
	}
	return out
}

// Position returns the position of the named joint.
func (n NamedState) Position(name string) (float64, bool) {
	for i, nm := range n.Names {
		if nm == name {
			return n.Positions[i], true
		}
	}
	return 0, false
}

// JointState converts the record into its wire form.
func (n NamedState) JointState() msg.JointState {
	c := n.Clone()
	return msg.JointState{
		Header:   msg.Header{Stamp: c.Stamp, FrameID: c.FrameID},
		Name:     c.Names,
		Position: c.Positions,
	}
}
