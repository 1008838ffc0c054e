package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Prefix is the metrics namespace of the application.
	Prefix = "kvmigrate"
)

// Recorder records sync daemon metrics on a Prometheus registry.
type Recorder struct {
	reg prometheus.Registerer

	resyncDuration *prometheus.HistogramVec
	syncedEntries  *prometheus.CounterVec
	driftHeals     *prometheus.CounterVec
}

// NewRecorder returns a new metrics recorder, a nil registry falls back to the
// default one.
func NewRecorder(reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		reg: reg,

		resyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Prefix,
				Subsystem: "sync",
				Name:      "resync_duration_seconds",
				Help:      "Duration histogram of full source store resync runs.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"success"},
		),

		syncedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "sync",
				Name:      "entries_total",
				Help:      "Number of processed source store entries by migration status.",
			},
			[]string{"status"},
		),

		driftHeals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "controller",
				Name:      "drift_heals_total",
				Help:      "Number of handled managed ConfigMap events by heal result.",
			},
			[]string{"healed"},
		),
	}

	r.reg.MustRegister(
		r.resyncDuration,
		r.syncedEntries,
		r.driftHeals,
	)

	return *r
}

// ObserveResync records a full resync run.
func (r Recorder) ObserveResync(duration time.Duration, success bool) {
	r.resyncDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

// AddSyncedEntries records processed entries by status.
func (r Recorder) AddSyncedEntries(status string, count int) {
	r.syncedEntries.WithLabelValues(status).Add(float64(count))
}

// ObserveDriftHeal records a handled managed ConfigMap event.
func (r Recorder) ObserveDriftHeal(healed bool) {
	r.driftHeals.WithLabelValues(strconv.FormatBool(healed)).Inc()
}
