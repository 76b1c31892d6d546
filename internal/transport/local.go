package transport

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/jointbridge/internal/monitoring"
)

// DefaultLocalBuffer is the per-subscription queue length of a LocalBus.
const DefaultLocalBuffer = 256

// LocalBus is an in-process Bus. Every subscription has its own queue and
// delivery goroutine; a full queue drops the payload for that subscriber
// only, so a slow handler never blocks a publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*localSub
	closed bool
	buffer int
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	log       monitoring.Logger
}

type localSub struct {
	id    string
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
	bus   *LocalBus
}

// LocalStats counts LocalBus traffic.
type LocalStats struct {
	Subscriptions int
	Published     uint64
	Dropped       uint64
}

// NewLocalBus creates a LocalBus whose subscriptions queue up to buffer
// payloads. A buffer <= 0 uses DefaultLocalBuffer.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = DefaultLocalBuffer
	}
	return &LocalBus{
		subs:   make(map[string]map[string]*localSub),
		buffer: buffer,
		log:    monitoring.For("LocalBus"),
	}
}

// Subscribe registers h for topic.
func (b *LocalBus) Subscribe(topic string, h Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	sub := &localSub{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*localSub)
	}
	b.subs[topic][sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case p := <-sub.ch:
				h(p)
			}
		}
	}()
	return sub, nil
}

// Publish queues a copy of payload for every subscriber of topic.
func (b *LocalBus) Publish(topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	p := append([]byte(nil), payload...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- p:
		default:
			if b.dropped.Add(1) == 1 {
				b.log.Printf("subscriber queue full on %s, dropping", topic)
			}
		}
	}
	return nil
}

// Stats returns current counters.
func (b *LocalBus) Stats() LocalStats {
	b.mu.RLock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	b.mu.RUnlock()
	return LocalStats{
		Subscriptions: n,
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Close stops every subscription and waits for in-flight handlers to
// return. Handlers may call Publish during Close; those calls get ErrClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*localSub
	for _, m := range b.subs {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.subs = make(map[string]map[string]*localSub)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
	return nil
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery. Payloads still queued are discarded.
func (s *localSub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	if m := b.subs[s.topic]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.topic)
		}
	}
	b.mu.Unlock()
	s.stop()
	return nil
}
