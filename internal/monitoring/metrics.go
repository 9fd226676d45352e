// Package monitoring exports evaluation pipeline metrics to Prometheus.
package monitoring

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/reconcile"
)

// Stages timed by the pipeline.
const (
	StageRubric    = "rubric"
	StageOracle    = "oracle"
	StageReconcile = "reconcile"
	StagePersist   = "persist"
)

// Recorder captures pipeline telemetry.
type Recorder interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveEvaluation(d time.Duration, err error)
	ObserveReconcile(stats reconcile.Stats)
	ObserveUsage(modelName string, input, output int64, costUSD float64)
}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	evaluations   *prometheus.CounterVec
	evalDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	notes         *prometheus.CounterVec
	totalDerived  prometheus.Counter
	tokens        *prometheus.CounterVec
	cost          *prometheus.CounterVec
}

// NewPrometheus registers the pipeline metrics on reg, or on the default
// registerer when reg is nil. Registering twice reuses the existing collectors.
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	if namespace == "" {
		namespace = "roleplay_eval"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation runs by outcome. Outcome is ok or the error kind.",
		}, []string{"outcome"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end latency of evaluation runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures.",
		}, []string{"stage"}),
		notes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Oracle items by reconciliation result.",
		}, []string{"result"}),
		totalDerived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total_derived_total",
			Help:      "Evaluations whose total was computed from the notes.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_tokens_total",
			Help:      "Oracle tokens by model and direction.",
		}, []string{"model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_cost_usd_total",
			Help:      "Estimated oracle spend in USD by model.",
		}, []string{"model"}),
	}

	p.evaluations = register(reg, p.evaluations)
	p.evalDuration = register(reg, p.evalDuration)
	p.stageDuration = register(reg, p.stageDuration)
	p.stageErrors = register(reg, p.stageErrors)
	p.notes = register(reg, p.notes)
	p.totalDerived = register(reg, p.totalDerived)
	p.tokens = register(reg, p.tokens)
	p.cost = register(reg, p.cost)
	if p.evaluations == nil || p.evalDuration == nil || p.stageDuration == nil ||
		p.stageErrors == nil || p.notes == nil || p.totalDerived == nil ||
		p.tokens == nil || p.cost == nil {
		return nil, eris.New("monitoring: register metrics")
	}
	return p, nil
}

// register returns c, or the already registered collector of the same type.
// It returns the zero value when registration fails for another reason.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	var zero C
	return zero
}

// Outcome is the label used for a finished run.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}

func (p *Prometheus) ObserveStage(stage string, d time.Duration, err error) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		p.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (p *Prometheus) ObserveEvaluation(d time.Duration, err error) {
	outcome := Outcome(err)
	p.evaluations.WithLabelValues(outcome).Inc()
	p.evalDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) ObserveReconcile(s reconcile.Stats) {
	p.notes.WithLabelValues("matched").Add(float64(s.Matched))
	p.notes.WithLabelValues("discarded").Add(float64(s.Discarded))
	p.notes.WithLabelValues("duplicate").Add(float64(s.Duplicates))
	p.notes.WithLabelValues("synthesized").Add(float64(s.Synthesized))
	p.notes.WithLabelValues("clamped").Add(float64(s.Clamped))
	if s.TotalDerived {
		p.totalDerived.Inc()
	}
}

func (p *Prometheus) ObserveUsage(modelName string, input, output int64, costUSD float64) {
	p.tokens.WithLabelValues(modelName, "input").Add(float64(input))
	p.tokens.WithLabelValues(modelName, "output").Add(float64(output))
	if costUSD > 0 {
		p.cost.WithLabelValues(modelName).Add(costUSD)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveStage(string, time.Duration, error) {}

func (Nop) ObserveEvaluation(time.Duration, error) {}

func (Nop) ObserveReconcile(reconcile.Stats) {}

func (Nop) ObserveUsage(string, int64, int64, float64) {}
