// Package metrics wires the tree-zone core's Prometheus instrumentation
// (SPEC_FULL §10.6). Registration is optional: passing a nil *prometheus.Registry
// to NewZone disables it entirely, so unit tests never need a running
// collector — the gauges/counters still update, they simply aren't
// exported anywhere.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Zone bundles the per-zone gauges and counters named in SPEC_FULL §10.6.
type Zone struct {
	VIOPoolBusy         prometheus.Gauge
	TrackedPages        prometheus.Gauge
	DirtyPagesTotal     prometheus.Gauge
	FlushWrites         prometheus.Counter
	RebuildLeafPages    prometheus.Counter
	ReadOnlyTransitions prometheus.Counter
}

// NewZone constructs a Zone's metrics, registering them against reg if
// non-nil. zoneLabel distinguishes this zone's series from others when
// multiple zones share a registry.
func NewZone(reg *prometheus.Registry, zoneLabel string) *Zone {
	labels := prometheus.Labels{"zone": zoneLabel}
	z := &Zone{
		VIOPoolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blockmap",
			Name:        "vio_pool_busy",
			Help:        "1 if the zone's VIO pool has any entry checked out or waiters queued.",
			ConstLabels: labels,
		}),
		TrackedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blockmap",
			Name:        "tracked_pages",
			Help:        "Number of tree pages registered with the zone.",
			ConstLabels: labels,
		}),
		DirtyPagesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blockmap",
			Name:        "dirty_pages_total",
			Help:        "Current count of dirty pages tracked by the zone.",
			ConstLabels: labels,
		}),
		FlushWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockmap",
			Name:        "flush_writes_total",
			Help:        "Total number of page writes issued by the flush protocol.",
			ConstLabels: labels,
		}),
		RebuildLeafPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockmap",
			Name:        "rebuild_leaf_pages_total",
			Help:        "Total number of leaf pages processed during reference-count rebuild.",
			ConstLabels: labels,
		}),
		ReadOnlyTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockmap",
			Name:        "readonly_transitions_total",
			Help:        "Total number of times the zone entered read-only mode.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(z.VIOPoolBusy, z.TrackedPages, z.DirtyPagesTotal, z.FlushWrites, z.RebuildLeafPages, z.ReadOnlyTransitions)
	}
	return z
}

// NewNopZone returns metrics that update in memory but are registered
// against no collector — the default when a caller has no Prometheus
// registry handy (e.g. in tests).
func NewNopZone() *Zone {
	return NewZone(nil, "nop")
}

// CheckDrainComplete is a placeholder hook the tree-zone core calls
// whenever draining activity might have completed; real admin-state
// wiring (out of scope per spec §1) would observe IsTreeZoneActive
// through here instead of polling.
func (z *Zone) CheckDrainComplete(active bool) {
	if active {
		z.VIOPoolBusy.Set(1)
	} else {
		z.VIOPoolBusy.Set(0)
	}
}
