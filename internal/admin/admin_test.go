package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/jointbridge/internal/bridge"
	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/msg"
	"github.com/banshee-data/jointbridge/internal/stream"
	"github.com/banshee-data/jointbridge/internal/transport"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This satisfies tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

type fixture struct {
	mux     *http.ServeMux
	bridge  *bridge.Bridge
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	b, err := bridge.New(transport.NewLocalBus(0), bridge.Config{Metrics: m})
	require.NoError(t, err)

	mux := http.NewServeMux()
	AttachRoutes(mux, Routes{Bridge: b, Gatherer: reg, Stream: stream.NewPublisher(stream.Config{})})
	return &fixture{mux: mux, bridge: b, metrics: m}
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, localHostRequest(http.MethodGet, path, nil))
	return w
}

func (f *fixture) register(t *testing.T, canon []string) {
	t.Helper()
	require.NoError(t, f.bridge.Store().Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2, 0.3, 0.4}, msg.Header{}))
	require.NoError(t, f.bridge.Store().Update(jointstate.Canonical, canon, make([]float64, len(canon)), msg.Header{}))
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) StateView {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var v StateView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestJointState_BeforeReady(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Store().Update(jointstate.Auxiliary, nil, []float64{0.5, 0.6}, msg.Header{}))

	v := decodeView(t, f.get("/debug/joint-state"))
	assert.False(t, v.Ready)
	assert.Equal(t, "waiting_for_readiness", v.SchedulerState)
	assert.Nil(t, v.Merged)
	assert.Empty(t, v.MergeError)
	assert.True(t, v.Auxiliary.Registered)
	assert.Equal(t, []string{"unit1_roll", "unit1_pitch"}, v.Auxiliary.Names)
	assert.False(t, v.Canonical.Registered)
	assert.Equal(t, bridge.DefaultTopics(), v.Topics)
}

func TestJointState_Merged(t *testing.T) {
	f := newFixture(t)
	f.register(t, []string{"unit1_roll", "unit1_pitch", "unit2_roll", "unit2_pitch", "other_joint"})

	v := decodeView(t, f.get("/debug/joint-state"))
	assert.True(t, v.Ready)
	require.NotNil(t, v.Merged)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0}, v.Merged.Positions)
	assert.EqualValues(t, 1, v.Canonical.Accepted)
}

func TestJointState_ShowsCanonicalStamp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Store().Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2}, msg.Header{}))
	require.NoError(t, f.bridge.Store().Update(jointstate.Canonical, []string{"unit1_roll", "unit1_pitch"}, []float64{0, 0},
		msg.Header{Stamp: msg.Time{Sec: 1700000000, Nsec: 500}, FrameID: "base_link"}))

	v := decodeView(t, f.get("/debug/joint-state"))
	require.NotNil(t, v.Merged)
	want := time.Unix(1700000000, 500).UTC()
	assert.True(t, want.Equal(v.Merged.Stamp), "merged stamp %v, want %v", v.Merged.Stamp, want)
	assert.Equal(t, "base_link", v.Merged.FrameID)
	assert.True(t, want.Equal(v.Canonical.Stamp))
	assert.True(t, v.Auxiliary.Stamp.IsZero())
}

func TestJointState_MergeError(t *testing.T) {
	f := newFixture(t)
	f.register(t, []string{"unit1_roll", "unit1_pitch"})

	v := decodeView(t, f.get("/debug/joint-state"))
	assert.True(t, v.Ready)
	assert.Nil(t, v.Merged)
	assert.Contains(t, v.MergeError, "unit2_roll")
}

func TestJointState_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/joint-state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestJointChart(t *testing.T) {
	f := newFixture(t)

	w := f.get("/debug/joint-chart")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, f.bridge.Store().Update(jointstate.Auxiliary, nil, []float64{0.1, 0.2}, msg.Header{}))
	w = f.get("/debug/joint-chart")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unit1_pitch")
	assert.Contains(t, w.Body.String(), "Joint positions (auxiliary)")

	require.NoError(t, f.bridge.Store().Update(jointstate.Canonical, []string{"unit1_roll", "unit1_pitch", "wrist"}, []float64{0, 0, 1}, msg.Header{}))
	w = f.get("/debug/joint-chart")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Joint positions (merged)")
	assert.Contains(t, body, "wrist")
	assert.NotContains(t, body, "Joint positions (auxiliary)")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.metrics.Received("canonical")

	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `jointbridge_messages_received_total{stream="canonical"} 1`))
}

func TestDebugRoutesRequireLocalAccess(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/joint-state", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
