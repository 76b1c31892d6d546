// Package admin serves the bridge's operator endpoints: Prometheus metrics
// and the localhost-only /debug/ pages.
package admin

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/jointbridge/internal/bridge"
	"github.com/banshee-data/jointbridge/internal/httputil"
	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/stream"
	"github.com/banshee-data/jointbridge/internal/version"
)

// Bridge is the part of bridge.Bridge the debug pages read.
type Bridge interface {
	Store() *jointstate.Store
	Stats() bridge.Stats
	Topics() bridge.Topics
}

// Routes configures AttachRoutes.
type Routes struct {
	Bridge Bridge
	// Gatherer backs /metrics. Nil skips the endpoint.
	Gatherer prometheus.Gatherer
	// Stream is optional; its stats are shown when set.
	Stream *stream.Publisher
	// AssetsHost overrides where chart pages load echarts from.
	AssetsHost string
}

// AttachRoutes mounts /metrics and the joint state debug pages on mux.
func AttachRoutes(mux *http.ServeMux, r Routes) {
	if r.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{}))
	}

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KVFunc("Joint state ready", func() any { return r.Bridge.Store().IsReady() })
	debug.Handle("joint-state", "Merged joint state and per-source registration (JSON)", http.HandlerFunc(r.handleJointState))
	debug.Handle("joint-chart", "Bar chart of merged joint positions", http.HandlerFunc(r.handleJointChart))
}

// SourceView is one source's snapshot in the joint-state page.
type SourceView struct {
	Registered bool      `json:"registered"`
	Accepted   uint64    `json:"accepted"`
	Rejected   uint64    `json:"rejected"`
	Stamp      time.Time `json:"stamp"`
	FrameID    string    `json:"frame_id,omitempty"`
	Names      []string  `json:"names"`
	Positions  []float64 `json:"positions"`
}

// StateView is the joint-state page body.
type StateView struct {
	Ready           bool          `json:"ready"`
	SchedulerState  string        `json:"scheduler_state"`
	Published       uint64        `json:"published"`
	Skipped         uint64        `json:"skipped"`
	PublishErrors   uint64        `json:"publish_errors"`
	Inverted        uint64        `json:"inverted"`
	TransformErrors uint64        `json:"transform_errors"`
	Topics          bridge.Topics `json:"topics"`
	Merged          *SourceView   `json:"merged,omitempty"`
	MergeError      string        `json:"merge_error,omitempty"`
	Auxiliary       SourceView    `json:"auxiliary"`
	Canonical       SourceView    `json:"canonical"`
	StreamClients   int32         `json:"stream_clients"`
}

func (r Routes) view() StateView {
	store := r.Bridge.Store()
	stats := r.Bridge.Stats()

	v := StateView{
		Ready:           store.IsReady(),
		SchedulerState:  stats.Scheduler.State.String(),
		Published:       stats.Scheduler.Published,
		Skipped:         stats.Scheduler.Skipped,
		PublishErrors:   stats.Scheduler.PublishErrors,
		Inverted:        stats.Inverted,
		TransformErrors: stats.TransformErrors,
		Topics:          r.Bridge.Topics(),
		Auxiliary:       sourceView(store, jointstate.Auxiliary, stats.Auxiliary),
		Canonical:       sourceView(store, jointstate.Canonical, stats.Canonical),
	}
	if r.Stream != nil {
		v.StreamClients = r.Stream.Stats().ClientCount
	}

	merged, err := store.MergeSnapshot()
	switch {
	case err == nil:
		v.Merged = &SourceView{
			Registered: true,
			Stamp:      merged.Stamp.Time(),
			FrameID:    merged.FrameID,
			Names:      merged.Names,
			Positions:  merged.Positions,
		}
	case errors.Is(err, jointstate.ErrNotReady):
	default:
		v.MergeError = err.Error()
	}
	return v
}

func sourceView(store *jointstate.Store, src jointstate.Source, stats jointstate.SourceStats) SourceView {
	snap, _ := store.Snapshot(src)
	return SourceView{
		Registered: stats.Registered,
		Accepted:   stats.Accepted,
		Rejected:   stats.Rejected,
		Stamp:      snap.Stamp.Time(),
		FrameID:    snap.FrameID,
		Names:      snap.Names,
		Positions:  snap.Positions,
	}
}

func (r Routes) handleJointState(w http.ResponseWriter, req *http.Request) {
	if !httputil.AllowMethods(w, req, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, r.view())
}

// handleJointChart renders the merged positions, or each registered source's
// positions while the bridge is not yet publishing.
func (r Routes) handleJointChart(w http.ResponseWriter, req *http.Request) {
	v := r.view()

	type series struct {
		name  string
		state SourceView
	}
	var all []series
	if v.Merged != nil {
		all = append(all, series{"merged", *v.Merged})
	} else {
		if v.Canonical.Registered {
			all = append(all, series{"canonical", v.Canonical})
		}
		if v.Auxiliary.Registered {
			all = append(all, series{"auxiliary", v.Auxiliary})
		}
	}
	if len(all) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "no joint state received yet")
		return
	}

	page := components.NewPage()
	if r.AssetsHost != "" {
		page.SetAssetsHost(r.AssetsHost)
	}
	for _, s := range all {
		data := make([]opts.BarData, len(s.state.Positions))
		for i, p := range s.state.Positions {
			data[i] = opts.BarData{Value: p}
		}

		bar := charts.NewBar()
		initOpts := opts.Initialization{Width: "100%", Height: "480px"}
		if r.AssetsHost != "" {
			initOpts.AssetsHost = r.AssetsHost
		}
		bar.SetGlobalOptions(
			charts.WithInitializationOpts(initOpts),
			charts.WithTitleOpts(opts.Title{
				Title:    "Joint positions (" + s.name + ")",
				Subtitle: fmt.Sprintf("state=%s joints=%d published=%d", v.SchedulerState, len(data), v.Published),
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		)
		bar.SetXAxis(s.state.Names).
			AddSeries(s.name, data,
				charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
			)
		page.AddCharts(bar)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "render error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
