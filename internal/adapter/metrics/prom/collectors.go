package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

const namespace = "warfront"

// Collectors exports command, flush and battle counters on a private registry.
type Collectors struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	flushed     *prometheus.CounterVec
	flushFailed *prometheus.CounterVec
	coalesced   prometheus.Counter
	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	rounds      prometheus.Histogram
	advance     prometheus.Histogram
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "processed_total",
			Help: "Commands taken off the stream, by kind and outcome.",
		}, []string{"kind", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "retries_total",
			Help: "Commands left pending for redelivery after a transient failure.",
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streams", Name: "dead_letters_total",
			Help: "Messages moved to a dead-letter stream.",
		}, []string{"stream"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "written_total",
			Help: "Documents written to the durable store.",
		}, []string{"type"}),
		flushFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "failed_total",
			Help: "Documents the durable store refused.",
		}, []string{"type"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "coalesced_total",
			Help: "Change-log entries folded into a later entry for the same key.",
		}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "battles", Name: "started_total",
			Help: "Battles that reached IN_PROGRESS.",
		}, []string{"mode"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "battles", Name: "finished_total",
			Help: "Battles that ended, by end reason.",
		}, []string{"reason"}),
		rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "battles", Name: "rounds",
			Help:    "Rounds or ticks a battle ran before ending.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		advance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "battles", Name: "advance_seconds",
			Help:    "Time spent in one battle advance.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.commands, c.retries, c.deadLetters,
		c.flushed, c.flushFailed, c.coalesced,
		c.started, c.finished, c.rounds, c.advance,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) RecordCommand(kind string, status ports.CommandStatus) {
	c.commands.WithLabelValues(kind, string(status)).Inc()
}

func (c *Collectors) RecordRetry(kind string) {
	c.retries.WithLabelValues(kind).Inc()
}

func (c *Collectors) RecordDeadLetter(stream string) {
	c.deadLetters.WithLabelValues(stream).Inc()
}

func (c *Collectors) RecordFlush(t entity.Type, written, failed int) {
	c.flushed.WithLabelValues(string(t)).Add(float64(written))
	c.flushFailed.WithLabelValues(string(t)).Add(float64(failed))
}

func (c *Collectors) RecordCoalesced(superseded int) {
	c.coalesced.Add(float64(superseded))
}

func (c *Collectors) RecordBattleStarted(mode string) {
	c.started.WithLabelValues(mode).Inc()
}

func (c *Collectors) RecordBattleFinished(reason string, rounds int) {
	c.finished.WithLabelValues(reason).Inc()
	c.rounds.Observe(float64(rounds))
}

func (c *Collectors) RecordAdvance(elapsed time.Duration) {
	c.advance.Observe(elapsed.Seconds())
}
