// Package stream serves the merged joint state to gRPC clients.
//
// The Publisher owns the gRPC server and fans each published state out to
// every connected StreamJointStates call. A client that cannot keep up loses
// states rather than slowing the publish loop.
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/msg"
)

// Config holds configuration for the joint state gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the number of states queued per client before states
	// are dropped for that client
	ClientBuffer int

	// Metrics is optional
	Metrics *metrics.Metrics
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// Publisher manages the gRPC server and joint state streaming.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	stateCh   chan *msg.JointState
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	latest    atomic.Pointer[msg.JointState]

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	log monitoring.Logger
}

type clientStream struct {
	id      string
	filter  map[string]struct{}
	stateCh chan *msg.JointState
}

// NewPublisher creates a Publisher. Zero fields of cfg take their defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		stateCh: make(chan *msg.JointState, 64),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
		log:     monitoring.For("Stream"),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	if err := p.Serve(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// Serve serves on lis in the background. Tests pass a bufconn listener.
func (p *Publisher) Serve(lis net.Listener) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterJointStateServiceServer(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		p.log.Printf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every open stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.listener.Close()
	p.wg.Wait()
	p.log.Printf("gRPC server stopped")
}

// Publish queues state for every connected client. It never blocks; when the
// broadcast queue is full the state is dropped and counted.
func (p *Publisher) Publish(_ context.Context, state jointstate.NamedState) error {
	js := state.JointState()
	js.Header.Seq = uint32(p.published.Add(1))
	p.latest.Store(&js)

	if !p.running.Load() {
		return nil
	}
	select {
	case p.stateCh <- &js:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.log.Printf("broadcast queue full, dropped %d states", n)
		}
	}
	return nil
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case js := <-p.stateCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.stateCh <- js:
				default:
					// client is slow, drop this state for it only
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// StreamJointStates implements JointStateServiceServer.
func (p *Publisher) StreamJointStates(req *StreamRequest, stream JointStateSender) error {
	filter := make(map[string]struct{}, len(req.Names))
	for _, n := range req.Names {
		if n == "" {
			return status.Error(codes.InvalidArgument, "empty joint name in request")
		}
		filter[n] = struct{}{}
	}

	client, err := p.addClient(filter)
	if err != nil {
		return err
	}
	defer p.removeClient(client.id)

	if !req.SkipLatest {
		if js := p.latest.Load(); js != nil {
			if err := stream.Send(client.view(js)); err != nil {
				return err
			}
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return status.Error(codes.Unavailable, "joint state stream shutting down")
		case js := <-client.stateCh:
			if err := stream.Send(client.view(js)); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient(filter map[string]struct{}) (*clientStream, error) {
	c := &clientStream{
		id:      uuid.NewString(),
		filter:  filter,
		stateCh: make(chan *msg.JointState, p.config.ClientBuffer),
	}

	p.clientsMu.Lock()
	if len(p.clients) >= p.config.MaxClients {
		p.clientsMu.Unlock()
		return nil, status.Errorf(codes.ResourceExhausted, "at most %d joint state clients", p.config.MaxClients)
	}
	p.clients[c.id] = c
	p.clientsMu.Unlock()

	n := p.clientCount.Add(1)
	p.config.Metrics.SetStreamClients(int(n))
	p.log.Printf("client connected: %s (total: %d)", c.id, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if !ok {
		return
	}
	n := p.clientCount.Add(-1)
	p.config.Metrics.SetStreamClients(int(n))
	p.log.Printf("client disconnected: %s (remaining: %d)", id, n)
}

// view returns js restricted to the client's joints. Shared states are never
// modified.
func (c *clientStream) view(js *msg.JointState) *msg.JointState {
	if len(c.filter) == 0 {
		return js
	}
	out := &msg.JointState{Header: js.Header}
	for i, name := range js.Name {
		if _, ok := c.filter[name]; !ok {
			continue
		}
		out.Name = append(out.Name, name)
		if i < len(js.Position) {
			out.Position = append(out.Position, js.Position[i])
		}
		if i < len(js.Velocity) {
			out.Velocity = append(out.Velocity, js.Velocity[i])
		}
		if i < len(js.Effort) {
			out.Effort = append(out.Effort, js.Effort[i])
		}
	}
	return out
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
		ClientCount: p.clientCount.Load(),
		Running:     p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published   uint64
	Dropped     uint64
	ClientCount int32
	Running     bool
}
