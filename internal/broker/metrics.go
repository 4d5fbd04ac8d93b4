package broker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting broker activity.
type Metrics struct {
	tasksSubmitted  prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	tasksActive     prometheus.Gauge
	executeDuration *prometheus.HistogramVec
	eventsByType    *prometheus.CounterVec
	workspaceErrors prometheus.Counter
	roomSendErrors  prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry, created only once so repeated orchestrator
// construction (tests, embedders) cannot panic on duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the collectors against the provided registerer,
// reusing already-registered collectors of the matching shape. Supply a
// fresh registry in tests that need isolated counts.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasksSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "tasks_submitted_total",
		Help:      "Total number of task submissions accepted by the registry.",
	})
	tasksFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks that reached a terminal status.",
	}, []string{"status"})
	tasksActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "tasks_active",
		Help:      "Number of tasks currently queued or running.",
	})
	executeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of adapter executions.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"status"})
	eventsByType := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "events_normalized_total",
		Help:      "Normalized execution events by internal type.",
	}, []string{"type"})
	workspaceErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "workspace_update_failures_total",
		Help:      "Workspace updates that failed after the retry budget.",
	})
	roomSendErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errand",
		Subsystem: "broker",
		Name:      "room_send_failures_total",
		Help:      "Chat-room sends that failed.",
	})

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}

	return &Metrics{
		tasksSubmitted:  register(tasksSubmitted).(prometheus.Counter),
		tasksFinished:   register(tasksFinished).(*prometheus.CounterVec),
		tasksActive:     register(tasksActive).(prometheus.Gauge),
		executeDuration: register(executeDuration).(*prometheus.HistogramVec),
		eventsByType:    register(eventsByType).(*prometheus.CounterVec),
		workspaceErrors: register(workspaceErrors).(prometheus.Counter),
		roomSendErrors:  register(roomSendErrors).(prometheus.Counter),
	}
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
	m.tasksActive.Inc()
}

func (m *Metrics) finished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	m.tasksActive.Dec()
	m.executeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) event(eventType string) {
	if m == nil {
		return
	}
	m.eventsByType.WithLabelValues(eventType).Inc()
}

func (m *Metrics) workspaceError() {
	if m == nil {
		return
	}
	m.workspaceErrors.Inc()
}

func (m *Metrics) roomError() {
	if m == nil {
		return
	}
	m.roomSendErrors.Inc()
}
