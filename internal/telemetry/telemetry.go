package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/factoryscout/factoryscout/config"
)

// Tracer is the tracer used for pipeline phase spans.
func Tracer() trace.Tracer { return otel.Tracer("factoryscout/pipeline") }

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryscout_runs_total",
		Help: "Pipeline runs by outcome.",
	}, []string{"outcome"})

	adapterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryscout_adapter_requests_total",
		Help: "Adapter collections by adapter and result.",
	}, []string{"adapter", "result"})

	recordsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryscout_records_collected_total",
		Help: "Raw records collected by adapter.",
	}, []string{"adapter"})

	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factoryscout_phase_duration_seconds",
		Help:    "Duration of pipeline phases.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"phase"})

	llmRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryscout_llm_requests_total",
		Help: "LLM completions by result.",
	}, []string{"result"})
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(runsTotal, adapterRequests, recordsCollected, phaseDuration, llmRequests)
	})
}

// Telemetry tracks pipeline health and feeds the Prometheus registry.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	mu          sync.RWMutex
	totalRuns   int64
	runOutcomes map[string]int64
	phaseTimes  map[string]time.Duration
}

func New(cfg config.TelemetryConfig) *Telemetry {
	if cfg.Enabled {
		register()
	}
	return &Telemetry{
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		runOutcomes: make(map[string]int64),
		phaseTimes:  make(map[string]time.Duration),
	}
}

// RecordRun records the terminal outcome of a run.
func (t *Telemetry) RecordRun(outcome string, duration time.Duration) {
	if !t.cfg.Enabled {
		return
	}
	runsTotal.WithLabelValues(outcome).Inc()

	t.mu.Lock()
	t.totalRuns++
	t.runOutcomes[outcome]++
	t.mu.Unlock()

	t.logger.Printf("run finished: outcome=%s duration=%v", outcome, duration)
}

// RecordPhase records the duration of one pipeline phase.
func (t *Telemetry) RecordPhase(phase string, duration time.Duration) {
	if !t.cfg.Enabled {
		return
	}
	phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())

	t.mu.Lock()
	t.phaseTimes[phase] = duration
	t.mu.Unlock()

	if t.cfg.PeriodicLogs {
		t.logger.Printf("phase %s took %v", phase, duration)
	}
}

// RecordAdapter records one adapter collection attempt.
func (t *Telemetry) RecordAdapter(adapter string, records int, err error) {
	if !t.cfg.Enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	adapterRequests.WithLabelValues(adapter, result).Inc()
	if records > 0 {
		recordsCollected.WithLabelValues(adapter).Add(float64(records))
	}
}

// RecordLLM records one completion call.
func (t *Telemetry) RecordLLM(err error) {
	if !t.cfg.Enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	llmRequests.WithLabelValues(result).Inc()
}

// Snapshot is a point-in-time view of the counters for debug output.
type Snapshot struct {
	TotalRuns   int64
	RunOutcomes map[string]int64
	PhaseTimes  map[string]time.Duration
}

func (t *Telemetry) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		TotalRuns:   t.totalRuns,
		RunOutcomes: make(map[string]int64, len(t.runOutcomes)),
		PhaseTimes:  make(map[string]time.Duration, len(t.phaseTimes)),
	}
	for k, v := range t.runOutcomes {
		s.RunOutcomes[k] = v
	}
	for k, v := range t.phaseTimes {
		s.PhaseTimes[k] = v
	}
	return s
}
