// Package prom exports cache and loader signals as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/imgcache/cache"
	"github.com/IvanBrykalov/imgcache/loader"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	evicts   *prometheus.CounterVec
	sizeEnt  prometheus.Gauge
	sizeCost prometheus.Gauge
}

// New constructs a Prometheus adapter for a memory cache and registers it on
// reg (nil => prometheus.DefaultRegisterer). constLabels may be nil.
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := opts{ns: ns, sub: sub, labels: constLabels}
	a := &Adapter{
		hits:     prometheus.NewCounter(o.counter("hits_total", "Memory cache hits")),
		misses:   prometheus.NewCounter(o.counter("misses_total", "Memory cache misses")),
		evicts:   prometheus.NewCounterVec(o.counter("evictions_total", "Entries leaving the memory cache, by reason"), []string{"reason"}),
		sizeEnt:  prometheus.NewGauge(o.gauge("size_entries", "Number of resident entries")),
		sizeCost: prometheus.NewGauge(o.gauge("size_bytes", "Decoded pixel bytes held by resident entries")),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeCost)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates gauges for the number of entries and total bytes.
func (a *Adapter) Size(entries int, cost int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeCost.Set(float64(cost))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)

// LoaderAdapter implements loader.Metrics.
type LoaderAdapter struct {
	requests *prometheus.CounterVec
	disk     *prometheus.CounterVec
	fetches  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	released prometheus.Counter
}

// NewLoader constructs a Prometheus adapter for one loader. Use constLabels
// (e.g. {"strategy": "network"}) to tell loaders apart on a shared registry.
func NewLoader(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *LoaderAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := opts{ns: ns, sub: sub, labels: constLabels}
	a := &LoaderAdapter{
		requests: prometheus.NewCounterVec(o.counter("requests_total", "Requests by path taken"), []string{"path"}),
		disk:     prometheus.NewCounterVec(o.counter("disk_lookups_total", "Disk tier lookups"), []string{"result"}),
		fetches:  prometheus.NewCounterVec(o.counter("fetches_total", "Source fetches by result"), []string{"result"}),
		outcomes: prometheus.NewCounterVec(o.counter("jobs_total", "Background jobs by outcome"), []string{"outcome"}),
		released: prometheus.NewCounter(o.counter("resources_released_total", "Decoded payloads freed after their last reference")),
	}
	reg.MustRegister(a.requests, a.disk, a.fetches, a.outcomes, a.released)
	return a
}

func (a *LoaderAdapter) Request(path string) { a.requests.WithLabelValues(path).Inc() }

func (a *LoaderAdapter) Disk(hit bool) {
	if hit {
		a.disk.WithLabelValues("hit").Inc()
		return
	}
	a.disk.WithLabelValues("miss").Inc()
}

func (a *LoaderAdapter) Fetch(result string) { a.fetches.WithLabelValues(result).Inc() }

func (a *LoaderAdapter) Outcome(outcome string) { a.outcomes.WithLabelValues(outcome).Inc() }

func (a *LoaderAdapter) ResourceReleased() { a.released.Inc() }

var _ loader.Metrics = (*LoaderAdapter)(nil)

type opts struct {
	ns, sub string
	labels  prometheus.Labels
}

func (o opts) counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: o.ns, Subsystem: o.sub, Name: name, Help: help, ConstLabels: o.labels}
}

func (o opts) gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: o.ns, Subsystem: o.sub, Name: name, Help: help, ConstLabels: o.labels}
}
