package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged, never returned.
type PrometheusSink struct {
	ticksTotal      *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	postsPublished  prometheus.Counter
	deliveriesTotal prometheus.Counter
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	sweepPicked     prometheus.Counter
	sweepProcessed  prometheus.Counter
	tasksPending    prometheus.Gauge
	tasksFailed     prometheus.Gauge
	staleRecovered  prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letterd_ticks_total",
			Help: "Cron tick invocations by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "letterd_tick_duration_seconds",
			Help:    "Duration of the tick pipeline in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		postsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letterd_posts_published_total",
			Help: "Posts moved from SCHEDULED to SENT.",
		}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letterd_deliveries_created_total",
			Help: "Deliveries created by the publish fan-out.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letterd_tasks_finished_total",
			Help: "Finished task attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "letterd_task_duration_seconds",
			Help:    "Handler duration per task attempt in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		sweepPicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letterd_sweep_picked_total",
			Help: "Due tasks selected by sweeps.",
		}),
		sweepProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letterd_sweep_processed_total",
			Help: "Tasks that reached done during sweeps.",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "letterd_tasks_pending",
			Help: "Pending tasks after the last sweep.",
		}),
		tasksFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "letterd_tasks_failed",
			Help: "Permanently failed tasks after the last sweep.",
		}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letterd_tasks_stale_recovered_total",
			Help: "Processing tasks returned by stale recovery.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.ticksTotal, s.tickDuration, s.postsPublished, s.deliveriesTotal,
		s.tasksTotal, s.taskDuration, s.sweepPicked, s.sweepProcessed,
		s.tasksPending, s.tasksFailed, s.staleRecovered,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("metrics: failed to register collector")
		}
	}
	return s
}

func (s *PrometheusSink) TickCompleted(outcome string, d time.Duration) {
	s.ticksTotal.WithLabelValues(outcome).Inc()
	s.tickDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) PostsPublished(posts, deliveries int) {
	s.postsPublished.Add(float64(posts))
	s.deliveriesTotal.Add(float64(deliveries))
}

func (s *PrometheusSink) TaskFinished(taskType, outcome string, d time.Duration) {
	s.tasksTotal.WithLabelValues(taskType, outcome).Inc()
	s.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (s *PrometheusSink) SweepCompleted(picked, processed, pending, failed int) {
	s.sweepPicked.Add(float64(picked))
	s.sweepProcessed.Add(float64(processed))
	s.tasksPending.Set(float64(pending))
	s.tasksFailed.Set(float64(failed))
}

func (s *PrometheusSink) StaleRecovered(n int) {
	if n > 0 {
		s.staleRecovered.Add(float64(n))
	}
}
