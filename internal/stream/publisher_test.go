package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/monitoring"
	"github.com/banshee-data/jointbridge/internal/msg"
)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// startPublisher serves p over an in-memory listener and returns a client
// connected to it.
func startPublisher(t *testing.T, p *Publisher) *Client {
	t.Helper()
	quiet(t)

	lis := bufconn.Listen(1 << 20)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func waitClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ClientCount == n }, 2*time.Second, time.Millisecond)
}

func testState(pos ...float64) jointstate.NamedState {
	names := []string{"joint1", "joint2", "unit1_roll", "unit1_pitch"}
	return jointstate.NamedState{
		Names:     names[:len(pos)],
		Positions: pos,
		Stamp:     msg.Time{Sec: 10, Nsec: 5},
		FrameID:   "base_link",
	}
}

func TestPublisher_StreamsPublishedStates(t *testing.T) {
	p := NewPublisher(Config{})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rx, err := client.StreamJointStates(ctx, &StreamRequest{SkipLatest: true})
	require.NoError(t, err)
	waitClients(t, p, 1)

	require.NoError(t, p.Publish(ctx, testState(0.1, 0.2, 0.3, 0.4)))
	require.NoError(t, p.Publish(ctx, testState(1, 2, 3, 4)))

	got, err := rx.Recv()
	require.NoError(t, err)
	want := &msg.JointState{
		Header:   msg.Header{Seq: 1, Stamp: msg.Time{Sec: 10, Nsec: 5}, FrameID: "base_link"},
		Name:     []string{"joint1", "joint2", "unit1_roll", "unit1_pitch"},
		Position: []float64{0.1, 0.2, 0.3, 0.4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first state mismatch (-want +got):\n%s", diff)
	}

	got, err = rx.Recv()
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Header.Seq)
	assert.Equal(t, []float64{1, 2, 3, 4}, got.Position)
}

func TestPublisher_SendsLatestOnConnect(t *testing.T) {
	p := NewPublisher(Config{})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Publish(ctx, testState(0.5, 0.6)))

	rx, err := client.StreamJointStates(ctx, &StreamRequest{})
	require.NoError(t, err)
	got, err := rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, []string{"joint1", "joint2"}, got.Name)
	assert.Equal(t, []float64{0.5, 0.6}, got.Position)
}

func TestPublisher_FiltersByName(t *testing.T) {
	p := NewPublisher(Config{})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rx, err := client.StreamJointStates(ctx, &StreamRequest{
		Names:      []string{"unit1_pitch", "joint1", "absent"},
		SkipLatest: true,
	})
	require.NoError(t, err)
	waitClients(t, p, 1)

	require.NoError(t, p.Publish(ctx, testState(0.1, 0.2, 0.3, 0.4)))
	got, err := rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, []string{"joint1", "unit1_pitch"}, got.Name)
	assert.Equal(t, []float64{0.1, 0.4}, got.Position)
}

func TestPublisher_RejectsEmptyName(t *testing.T) {
	p := NewPublisher(Config{})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rx, err := client.StreamJointStates(ctx, &StreamRequest{Names: []string{""}})
	require.NoError(t, err)
	_, err = rx.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPublisher_MaxClients(t *testing.T) {
	p := NewPublisher(Config{MaxClients: 1})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamJointStates(ctx, &StreamRequest{})
	require.NoError(t, err)
	waitClients(t, p, 1)

	rx, err := client.StreamJointStates(ctx, &StreamRequest{})
	require.NoError(t, err)
	_, err = rx.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPublisher_ClientCountMetric(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	p := NewPublisher(Config{Metrics: m})
	client := startPublisher(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = client.StreamJointStates(ctx, &StreamRequest{})
	require.NoError(t, err)
	waitClients(t, p, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamClients))

	cancel()
	waitClients(t, p, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamClients))
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	p := NewPublisher(Config{})
	client := startPublisher(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rx, err := client.StreamJointStates(ctx, &StreamRequest{SkipLatest: true})
	require.NoError(t, err)
	waitClients(t, p, 1)

	p.Stop()
	_, err = rx.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.False(t, p.Stats().Running)
	assert.Error(t, p.Serve(bufconn.Listen(1)), "a stopped publisher does not restart")
}

func TestPublisher_PublishWithoutServer(t *testing.T) {
	p := NewPublisher(Config{})
	require.NoError(t, p.Publish(context.Background(), testState(1)))
	require.NoError(t, p.Publish(context.Background(), testState(2)))

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.Published)
	assert.False(t, stats.Running)
	assert.Equal(t, []float64{2}, p.latest.Load().Position)
}

func TestClientStream_View(t *testing.T) {
	js := &msg.JointState{
		Name:     []string{"a", "b", "c"},
		Position: []float64{1, 2, 3},
		Velocity: []float64{4, 5, 6},
	}

	all := (&clientStream{}).view(js)
	assert.Same(t, js, all)

	c := &clientStream{filter: map[string]struct{}{"c": {}, "a": {}}}
	got := c.view(js)
	want := &msg.JointState{
		Name:     []string{"a", "c"},
		Position: []float64{1, 3},
		Velocity: []float64{4, 6},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("view mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a", "b", "c"}, js.Name, "source state must not change")
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	b, err := c.Marshal(&StreamRequest{Names: []string{"a"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"names":["a"]}`, string(b))

	var req StreamRequest
	require.NoError(t, c.Unmarshal(b, &req))
	assert.Equal(t, []string{"a"}, req.Names)

	assert.Error(t, c.Unmarshal([]byte("{"), &req))
}
