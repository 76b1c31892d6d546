package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/serialmux"
)

// Envelope is one line on the serial link. Payload must be JSON.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope renders one serial line without its trailing newline.
// Payload is compacted, so it never contains a newline.
func EncodeEnvelope(topic string, payload []byte) ([]byte, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload for %s is not valid JSON", topic)
	}
	return json.Marshal(Envelope{Topic: topic, Payload: payload})
}

// DecodeEnvelope parses one serial line.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := ValidateTopic(env.Topic); err != nil {
		return Envelope{}, err
	}
	if len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("envelope for %s has no payload", env.Topic)
	}
	return env, nil
}

// SerialBus carries topics over a serial line as newline-delimited JSON
// envelopes. Inbound lines are demultiplexed to per-topic subscribers
// through a LocalBus. The caller owns the mux and must run its Monitor loop.
type SerialBus struct {
	mux   serialmux.SerialMuxInterface
	local *LocalBus
	subID string
	wg    sync.WaitGroup
	once  sync.Once

	badLines atomic.Uint64
	log      monitoring.Logger
}

// NewSerialBus subscribes to mux and starts demultiplexing its lines.
func NewSerialBus(mux serialmux.SerialMuxInterface) *SerialBus {
	b := &SerialBus{
		mux:   mux,
		local: NewLocalBus(0),
		log:   monitoring.For("SerialBus"),
	}
	id, lines := mux.Subscribe()
	b.subID = id

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for line := range lines {
			b.route(line)
		}
	}()
	return b
}

func (b *SerialBus) route(line string) {
	if line == "" {
		return
	}
	env, err := DecodeEnvelope([]byte(line))
	if err != nil {
		if b.badLines.Add(1) == 1 {
			b.log.Printf("ignoring unparseable line: %v", err)
		}
		return
	}
	if err := b.local.Publish(env.Topic, env.Payload); err != nil {
		b.log.Printf("failed to route %s: %v", env.Topic, err)
	}
}

// Subscribe registers h for envelopes addressed to topic.
func (b *SerialBus) Subscribe(topic string, h Handler) (Subscription, error) {
	return b.local.Subscribe(topic, h)
}

// Publish writes one envelope line to the serial port.
func (b *SerialBus) Publish(topic string, payload []byte) error {
	line, err := EncodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	if err := b.mux.WriteLine(string(line)); err != nil {
		return fmt.Errorf("failed to write %s to serial: %w", topic, err)
	}
	return nil
}

// BadLines returns the number of inbound lines that were not envelopes.
func (b *SerialBus) BadLines() uint64 {
	return b.badLines.Load()
}

// Close stops demultiplexing and closes all subscriptions. The mux is left
// open.
func (b *SerialBus) Close() error {
	b.once.Do(func() {
		b.mux.Unsubscribe(b.subID)
		b.wg.Wait()
		b.local.Close()
	})
	return nil
}
