// Package transport moves raw message payloads between the bridge and the
// rest of the robot over named topics. Topics are slash-separated paths such
// as "/dragon/joint_states".
package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidTopic is returned for a topic that is not a clean absolute
	// path.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Handler receives one payload. Each subscription calls its handler from a
// single goroutine, so payloads on one topic are handled in arrival order.
// The handler must not retain payload after returning.
type Handler func(payload []byte)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a topic based publish/subscribe transport.
type Bus interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	Publish(topic string, payload []byte) error
	Close() error
}

// ValidateTopic checks that topic is an absolute path with non-empty
// segments. Segments may not contain whitespace or the NATS wildcard and
// separator characters, so every valid topic maps to exactly one subject.
func ValidateTopic(topic string) error {
	if !strings.HasPrefix(topic, "/") || len(topic) == 1 {
		return fmt.Errorf("%w %q: must be an absolute path", ErrInvalidTopic, topic)
	}
	for _, seg := range strings.Split(topic[1:], "/") {
		if seg == "" {
			return fmt.Errorf("%w %q: empty segment", ErrInvalidTopic, topic)
		}
		if strings.ContainsAny(seg, ".*> \t\r\n") {
			return fmt.Errorf("%w %q: segment %q has reserved characters", ErrInvalidTopic, topic, seg)
		}
	}
	return nil
}

// SubjectForTopic maps "/a/b" to the NATS subject "a.b".
func SubjectForTopic(topic string) (string, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	return strings.ReplaceAll(topic[1:], "/", "."), nil
}

// TopicForSubject maps the NATS subject "a.b" back to "/a/b".
func TopicForSubject(subject string) (string, error) {
	topic := "/" + strings.ReplaceAll(subject, ".", "/")
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	return topic, nil
}
