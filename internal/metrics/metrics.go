// Package metrics exposes Prometheus counters for the offline gateway on a
// private registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lavender_gateway"

// Install results.
const (
	InstallSucceeded = "succeeded"
	InstallRetried   = "retried"
	InstallFailed    = "failed"
)

// Recorder 聚合网关的全部指标。
type Recorder struct {
	registry      *prometheus.Registry
	fetches       *prometheus.CounterVec
	installs      *prometheus.CounterVec
	activations   prometheus.Counter
	deletedCaches prometheus.Counter
	evictions     prometheus.Counter
}

// New 创建 Recorder 并注册到独立的 Registry，避免污染全局默认注册表。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Requests handled by the offline controller, by strategy and response source.",
		}, []string{"strategy", "source"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_attempts_total",
			Help:      "Controller install attempts by result.",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Controller versions that became active.",
		}),
		deletedCaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caches_deleted_total",
			Help:      "Outdated caches removed during activation.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_evictions_total",
			Help:      "Runtime cache entries evicted by the entry cap.",
		}),
	}
	r.registry.MustRegister(
		r.fetches,
		r.installs,
		r.activations,
		r.deletedCaches,
		r.evictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler 返回 /-/metrics 使用的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveFetch(strategy, source string) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(strategy, source).Inc()
}

func (r *Recorder) ObserveInstall(result string) {
	if r == nil {
		return
	}
	r.installs.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveActivation() {
	if r == nil {
		return
	}
	r.activations.Inc()
}

func (r *Recorder) ObserveCachesDeleted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.deletedCaches.Add(float64(n))
}

func (r *Recorder) ObserveEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.evictions.Add(float64(n))
}
