package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/logging"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	pacingDecisions *prometheus.CounterVec
	dedupVerdicts   *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	dispatchAttempts *prometheus.CounterVec
	dispatchOutcomes *prometheus.CounterVec
	publishDuration  prometheus.Histogram
	dispatchInFlight prometheus.Gauge

	watchTransitions *prometheus.CounterVec
	pollsTotal       prometheus.Counter
	pollErrorsTotal  prometheus.Counter

	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	sweepsTotal      prometheus.Counter
	sweepErrorsTotal prometheus.Counter
	sweepExpired     prometheus.Counter
	sweepPruned      prometheus.Counter

	leader prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logging.OrNop(logger).Named("metrics")}
	s.initPacingMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initSniperMetrics(reg)
	s.initHousekeepingMetrics(reg)
	return s
}

func (s *PrometheusSink) initPacingMetrics(reg prometheus.Registerer) {
	s.pacingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_pacing_decisions_total",
		Help: "Pacing decisions by reason.",
	}, []string{"reason"})
	s.dedupVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_dedup_verdicts_total",
		Help: "Duplicate detector verdicts.",
	}, []string{"verdict"})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_queue_depth",
		Help: "Pending actions in the priority queue.",
	})

	s.register(reg, s.pacingDecisions, "pacer_pacing_decisions_total")
	s.register(reg, s.dedupVerdicts, "pacer_dedup_verdicts_total")
	s.register(reg, s.queueDepth, "pacer_queue_depth")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_dispatch_attempts_total",
		Help: "Publish attempts by destination and status class.",
	}, []string{"destination", "status_class"})
	s.dispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_dispatch_outcomes_total",
		Help: "Dispatch outcomes.",
	}, []string{"outcome"})
	s.publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pacer_publish_duration_seconds",
		Help:    "Forum publish latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.dispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_dispatch_in_flight",
		Help: "Publishes currently in flight.",
	})

	s.register(reg, s.dispatchAttempts, "pacer_dispatch_attempts_total")
	s.register(reg, s.dispatchOutcomes, "pacer_dispatch_outcomes_total")
	s.register(reg, s.publishDuration, "pacer_publish_duration_seconds")
	s.register(reg, s.dispatchInFlight, "pacer_dispatch_in_flight")
}

func (s *PrometheusSink) initSniperMetrics(reg prometheus.Registerer) {
	s.watchTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_sniper_watch_transitions_total",
		Help: "Sniper watch state transitions by target state.",
	}, []string{"state"})
	s.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sniper_polls_total",
		Help: "Thread polls completed.",
	})
	s.pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sniper_poll_errors_total",
		Help: "Thread polls that failed.",
	})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_notification_buffer_size",
		Help: "Trigger notifications waiting in the bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_notification_emit_errors_total",
		Help: "Trigger notifications dropped because the bus was full.",
	})

	s.register(reg, s.watchTransitions, "pacer_sniper_watch_transitions_total")
	s.register(reg, s.pollsTotal, "pacer_sniper_polls_total")
	s.register(reg, s.pollErrorsTotal, "pacer_sniper_poll_errors_total")
	s.register(reg, s.bufferSize, "pacer_notification_buffer_size")
	s.register(reg, s.emitErrorsTotal, "pacer_notification_emit_errors_total")
}

func (s *PrometheusSink) initHousekeepingMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sweeper_runs_total",
		Help: "Sweeper runs.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sweeper_errors_total",
		Help: "Sweeper runs that failed.",
	})
	s.sweepExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sweeper_watches_expired_total",
		Help: "Sniper watches expired by the sweeper.",
	})
	s.sweepPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_sweeper_records_pruned_total",
		Help: "Action records pruned past retention.",
	})
	s.leader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pacer_leader",
		Help: "1 when this instance holds the leader lock.",
	})

	s.register(reg, s.sweepsTotal, "pacer_sweeper_runs_total")
	s.register(reg, s.sweepErrorsTotal, "pacer_sweeper_errors_total")
	s.register(reg, s.sweepExpired, "pacer_sweeper_watches_expired_total")
	s.register(reg, s.sweepPruned, "pacer_sweeper_records_pruned_total")
	s.register(reg, s.leader, "pacer_leader")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", zap.String("name", name), zap.Error(err))
	}
}

func (s *PrometheusSink) PacingDecision(reason string) {
	s.pacingDecisions.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DedupVerdict(verdict string) {
	s.dedupVerdicts.WithLabelValues(verdict).Inc()
}

func (s *PrometheusSink) QueueDepth(depth int) {
	s.queueDepth.Set(float64(depth))
}

func (s *PrometheusSink) DispatchAttemptCompleted(destination, statusClass string, duration time.Duration) {
	s.dispatchAttempts.WithLabelValues(destination, statusClass).Inc()
	s.publishDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchOutcome(outcome string) {
	s.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) DispatchInFlightIncr() {
	s.dispatchInFlight.Inc()
}

func (s *PrometheusSink) DispatchInFlightDecr() {
	s.dispatchInFlight.Dec()
}

func (s *PrometheusSink) WatchTransition(state string) {
	s.watchTransitions.WithLabelValues(state).Inc()
}

func (s *PrometheusSink) PollCompleted(err error) {
	s.pollsTotal.Inc()
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) SweepCompleted(expired, pruned int, err error) {
	s.sweepsTotal.Inc()
	s.sweepExpired.Add(float64(expired))
	s.sweepPruned.Add(float64(pruned))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) LeaderStatus(isLeader bool) {
	if isLeader {
		s.leader.Set(1)
		return
	}
	s.leader.Set(0)
}
