package autosave

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains a set of functions that are invoked on different stages
// of the save cycle to report metrics. A nil *Metrics reports nothing.
type Metrics struct {
	OnSave        func(mode Mode, success bool, attempts int, took time.Duration)
	OnAttempt     func(mode Mode, success bool)
	OnRetry       func()
	OnThrottled   func()
	OnBackupWrite func(success bool)
	OnStatus      func(s Status)
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	saves := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "saves_total",
		Help:      "Completed save cycles by payload mode and outcome",
	}, []string{"mode", "success"})

	saveDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "save_duration_seconds",
		Help:      "Duration of save cycles including retries",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"mode"})

	attemptsPerSave := promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "attempts_per_save",
		Help:      "Number of attempts needed per save cycle",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	attempts := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "attempts_total",
		Help:      "Individual save calls by payload mode and outcome",
	}, []string{"mode", "success"})

	retries := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "retries_total",
		Help:      "Retries scheduled after a failed attempt",
	})

	throttled := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "throttled_total",
		Help:      "Automatic saves deferred by the minimum inter-save gap",
	})

	backupWrites := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "backup_writes_total",
		Help:      "Local backup writes by outcome",
	}, []string{"success"})

	status := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "fable",
		Subsystem: "autosave",
		Name:      "status",
		Help:      "Current save status (0=idle, 1=saving, 2=saved, 3=error)",
	})

	return &Metrics{
		OnSave: func(mode Mode, success bool, n int, took time.Duration) {
			saves.WithLabelValues(string(mode), strconv.FormatBool(success)).Inc()
			saveDuration.WithLabelValues(string(mode)).Observe(took.Seconds())
			attemptsPerSave.Observe(float64(n))
		},
		OnAttempt: func(mode Mode, success bool) {
			attempts.WithLabelValues(string(mode), strconv.FormatBool(success)).Inc()
		},
		OnRetry: func() {
			retries.Inc()
		},
		OnThrottled: func() {
			throttled.Inc()
		},
		OnBackupWrite: func(success bool) {
			backupWrites.WithLabelValues(strconv.FormatBool(success)).Inc()
		},
		OnStatus: func(s Status) {
			status.Set(float64(s))
		},
	}
}
