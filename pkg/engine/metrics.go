// metrics.go follows pkg/metrics.go's sink-interface split
// (metricsSink / noopMetrics / promMetrics): the engine is built and
// runs identically whether or not a Prometheus registry was supplied,
// and the hot path never branches on that choice — it just calls
// through whichever sink was selected at Setup.
//
// © 2025 twemcached authors. MIT License.
package engine

import "github.com/prometheus/client_golang/prometheus"

// metricsSink is the internal abstraction the engine's dispatch loop
// talks to, so it never needs to know whether metrics are enabled.
type metricsSink interface {
	incHit()
	incMiss()
	incExpired()
	incEviction()
	incStored()
	incClientError()
	incServerError()
}

type noopMetrics struct{}

func (noopMetrics) incHit()         {}
func (noopMetrics) incMiss()        {}
func (noopMetrics) incExpired()     {}
func (noopMetrics) incEviction()    {}
func (noopMetrics) incStored()      {}
func (noopMetrics) incClientError() {}
func (noopMetrics) incServerError() {}

type promMetrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	expired      prometheus.Counter
	evictions    prometheus.Counter
	stored       prometheus.Counter
	clientErrors prometheus.Counter
	serverErrors prometheus.Counter
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	ctr := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twemcached",
			Name:      name,
			Help:      help,
		})
	}
	m := &promMetrics{
		hits:         ctr("cache_hits_total", "Number of item_get hits."),
		misses:       ctr("cache_misses_total", "Number of item_get misses (absent or expired)."),
		expired:      ctr("cache_expired_total", "Number of items lazily reclaimed as expired."),
		evictions:    ctr("cache_evictions_total", "Number of items unlinked by slab eviction."),
		stored:       ctr("cache_stored_total", "Number of successful store operations."),
		clientErrors: ctr("client_errors_total", "Number of requests rejected with a client error."),
		serverErrors: ctr("server_errors_total", "Number of requests rejected with a server error."),
	}
	reg.MustRegister(m.hits, m.misses, m.expired, m.evictions, m.stored, m.clientErrors, m.serverErrors)
	return m
}

func (m *promMetrics) incHit()         { m.hits.Inc() }
func (m *promMetrics) incMiss()        { m.misses.Inc() }
func (m *promMetrics) incExpired()     { m.expired.Inc() }
func (m *promMetrics) incEviction()    { m.evictions.Inc() }
func (m *promMetrics) incStored()      { m.stored.Inc() }
func (m *promMetrics) incClientError() { m.clientErrors.Inc() }
func (m *promMetrics) incServerError() { m.serverErrors.Inc() }

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
