// Package admin exposes the debug/metrics HTTP surface the core
// explicitly delegates to an external collaborator ("Configuration
// loading, admin/stats plane, signal handling, daemonization, logging",
// §1 Out of scope) — it never touches the slab region directly, only
// the read-mostly counters and atomics the engine already exposes
// (§5, "Metric counters ... readers tolerate torn reads on 64-bit
// values or use atomic loads").
//
// Follows a /debug snapshot + promhttp.HandlerFor wiring pattern,
// adapted from a one-off demo's inline handlers into a reusable mux
// builder.
//
// © 2025 twemcached authors. MIT License.
package admin

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Voskan/twemcached/pkg/engine"
)

// snapshot is the JSON shape served at /debug/twemcached/snapshot,
// consumed by cmd/twemcache-inspect.
type snapshot struct {
	Items       int    `json:"items"`
	UsedBytes   int64  `json:"used_bytes"`
	MaxBytes    int64  `json:"max_bytes"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expired     uint64 `json:"expired"`
	Evictions   uint64 `json:"evictions"`
	Oversized   uint64 `json:"oversized"`
	OutOfMemory uint64 `json:"out_of_memory"`
}

// NewMux builds the admin HTTP surface: a JSON snapshot endpoint and,
// if reg is non-nil, a Prometheus /metrics endpoint.
func NewMux(eng *engine.Engine, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/twemcached/snapshot", func(w http.ResponseWriter, r *http.Request) {
		st := eng.Stats()
		snap := snapshot{
			Items:       st.Items,
			UsedBytes:   st.Slab.UsedBytes,
			MaxBytes:    st.Slab.MaxBytes,
			Hits:        st.Hits,
			Misses:      st.Misses,
			Expired:     st.Expired,
			Evictions:   st.Evictions,
			Oversized:   st.Slab.Oversized,
			OutOfMemory: st.Slab.OutOfMemory,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	mux.HandleFunc("/debug/twemcached/classes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Store.ClassStats())
	})

	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	// Standard pprof handlers, same endpoints cmd/twemcache-inspect's
	// -profile flag downloads from.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}
