// Package msg defines the JSON wire schema shared by every transport: joint
// state fragments, stamped transforms and the merged joint state record.
//
// The field layout follows the robot middleware's message definitions so a
// payload captured from the robot can be replayed through any bus unchanged.
package msg

import (
	"encoding/json"
	"fmt"
	"time"
)

// Time is a middleware timestamp split into whole seconds and nanoseconds.
type Time struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// Time converts back to a time.Time in UTC.
func (t Time) Time() time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(t.Sec, t.Nsec).UTC()
}

// IsZero reports whether the stamp was never set.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Header carries the stamp and reference frame of a message.
type Header struct {
	Seq     uint32 `json:"seq,omitempty"`
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// JointState is a set of named joint readings. Name, Position, Velocity and
// Effort are parallel arrays; any of them may be empty.
type JointState struct {
	Header   Header    `json:"header"`
	Name     []string  `json:"name"`
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity,omitempty"`
	Effort   []float64 `json:"effort,omitempty"`
}

// Vector3 is a translation in metres.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a rotation in (x, y, z, w) order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Transform is a rigid transform from the header frame to the child frame.
type Transform struct {
	Translation Vector3    `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
}

// TransformStamped is a Transform between Header.FrameID (parent) and
// ChildFrameID.
type TransformStamped struct {
	Header       Header    `json:"header"`
	ChildFrameID string    `json:"child_frame_id"`
	Transform    Transform `json:"transform"`
}

// DecodeJointState parses a JSON payload and checks that the parallel arrays
// it carries agree in length.
func DecodeJointState(payload []byte) (JointState, error) {
	var js JointState
	if err := json.Unmarshal(payload, &js); err != nil {
		return JointState{}, fmt.Errorf("failed to unmarshal joint state: %w", err)
	}
	if len(js.Name) > 0 && len(js.Name) != len(js.Position) {
		return JointState{}, fmt.Errorf("joint state has %d names but %d positions", len(js.Name), len(js.Position))
	}
	return js, nil
}

// DecodeTransformStamped parses a JSON payload into a TransformStamped.
func DecodeTransformStamped(payload []byte) (TransformStamped, error) {
	var ts TransformStamped
	if err := json.Unmarshal(payload, &ts); err != nil {
		return TransformStamped{}, fmt.Errorf("failed to unmarshal transform: %w", err)
	}
	return ts, nil
}

// Encode marshals any wire message to JSON.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}
