// Package evaluation runs one recording through the scoring pipeline:
// rubric aggregation, prompt building, the oracle call, reconciliation and
// persistence.
package evaluation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/cost"
	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/monitoring"
	"github.com/sells-group/roleplay-eval/internal/oracle"
	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/reconcile"
)

// RubricBuilder produces the canonical rubric for a scene.
type RubricBuilder interface {
	Build(ctx context.Context, sceneID string) (model.Rubric, model.Scene, error)
}

// Store is the evaluation side of the persistence layer.
type Store interface {
	SaveEvaluation(ctx context.Context, ev *model.Evaluation) (string, error)
	GetEvaluationByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error)
}

// Service evaluates recordings. It is safe for concurrent use.
type Service struct {
	rubric  RubricBuilder
	oracle  oracle.Oracle
	store   Store
	metrics monitoring.Recorder
	costs   *cost.Calculator
	locks   *keyedMutex
}

// NewService wires a Service. A nil recorder disables metrics.
func NewService(rb RubricBuilder, o oracle.Oracle, st Store, rec monitoring.Recorder) *Service {
	if rec == nil {
		rec = monitoring.Nop{}
	}
	return &Service{
		rubric:  rb,
		oracle:  o,
		store:   st,
		metrics: rec,
		costs:   cost.NewCalculator(cost.DefaultRates()),
		locks:   newKeyedMutex(),
	}
}

// Evaluate grades req.Transcript against the rubric of req.SceneID and stores
// the result, replacing any earlier evaluation of the same recording.
func (s *Service) Evaluate(ctx context.Context, req model.EvaluationRequest) (res *model.EvaluationResult, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveEvaluation(time.Since(start), err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("recording_id", req.RecordingID),
		zap.String("scene_id", req.SceneID),
	)
	log.Info("evaluation: starting")

	stageStart := time.Now()
	rubric, scene, err := s.rubric.Build(ctx, req.SceneID)
	s.metrics.ObserveStage(monitoring.StageRubric, time.Since(stageStart), err)
	if err != nil {
		log.Warn("evaluation: rubric unavailable", zap.Error(err))
		return nil, classified(err, "evaluation: build rubric")
	}

	payload := prompt.Build(prompt.Input{
		Rubric:           rubric,
		Transcript:       req.Transcript,
		SceneDescription: scene.Description,
	})

	stageStart = time.Now()
	resp, err := s.oracle.Score(ctx, payload)
	s.metrics.ObserveStage(monitoring.StageOracle, time.Since(stageStart), err)
	if err != nil {
		log.Warn("evaluation: oracle failed",
			zap.String("kind", string(model.KindOf(err))),
			zap.Error(err),
		)
		return nil, classified(err, "evaluation: score")
	}
	costUSD := s.costs.Oracle(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	s.metrics.ObserveUsage(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, costUSD)

	stageStart = time.Now()
	rec := reconcile.Reconcile(rubric, resp)
	s.metrics.ObserveStage(monitoring.StageReconcile, time.Since(stageStart), nil)
	s.metrics.ObserveReconcile(rec.Stats)
	logStats(log, rec.Stats, resp.Skipped)

	ev := &model.Evaluation{
		RecordingID:       req.RecordingID,
		SceneID:           req.SceneID,
		TotalScore:        rec.TotalScore,
		SummaryComment:    rec.SummaryComment,
		Model:             resp.Model,
		PromptFingerprint: payload.Fingerprint(),
		Notes:             rec.Notes,
	}

	if err := verifyCoverage(ev, rubric); err != nil {
		log.Error("evaluation: reconciled notes do not cover rubric, not saving", zap.Error(err))
		return nil, err
	}

	stageStart = time.Now()
	unlock := s.locks.Lock(req.RecordingID)
	id, err := s.store.SaveEvaluation(ctx, ev)
	unlock()
	s.metrics.ObserveStage(monitoring.StagePersist, time.Since(stageStart), err)
	if err != nil {
		if model.IsKind(err, model.KindPersistenceInconsistent) {
			log.Error("evaluation: storage left inconsistent, manual reconciliation required", zap.Error(err))
			return nil, err
		}
		log.Error("evaluation: save failed", zap.Error(err))
		return nil, classified(err, "evaluation: save")
	}

	log.Info("evaluation: complete",
		zap.String("evaluation_id", id),
		zap.Int("total_score", rec.TotalScore),
		zap.Int("notes", len(rec.Notes)),
		zap.Float64("estimated_cost_usd", costUSD),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &model.EvaluationResult{
		EvaluationID:   id,
		TotalScore:     rec.TotalScore,
		SummaryComment: rec.SummaryComment,
	}, nil
}

// GetByRecording returns the stored evaluation for a recording, or nil when
// there is none.
func (s *Service) GetByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error) {
	ev, err := s.store.GetEvaluationByRecording(ctx, recordingID)
	if err != nil {
		return nil, eris.Wrapf(err, "evaluation: get %s", recordingID)
	}
	return ev, nil
}

// verifyCoverage fails when ev does not hold exactly one note per rubric
// criterion. Saving such a result would leave a partial evaluation behind.
func verifyCoverage(ev *model.Evaluation, r model.Rubric) error {
	if ev.CoversRubric(r) {
		return nil
	}
	return eris.Errorf("evaluation: %d notes do not cover %d rubric criteria for %s",
		len(ev.Notes), r.Len(), ev.RecordingID)
}

// classified keeps domain errors as they are so callers can read their kind,
// and wraps anything else.
func classified(err error, msg string) error {
	if model.KindOf(err) != "" {
		return err
	}
	return eris.Wrap(err, msg)
}

func logStats(log *zap.Logger, st reconcile.Stats, skipped int) {
	fields := []zap.Field{
		zap.Int("matched", st.Matched),
		zap.Int("discarded", st.Discarded),
		zap.Int("duplicates", st.Duplicates),
		zap.Int("synthesized", st.Synthesized),
		zap.Int("clamped", st.Clamped),
		zap.Int("skipped", skipped),
		zap.Bool("total_derived", st.TotalDerived),
	}
	if st.Discarded+st.Duplicates+st.Synthesized+st.Clamped+skipped > 0 || st.TotalDerived {
		log.Warn("evaluation: oracle response needed repair", fields...)
		return
	}
	log.Debug("evaluation: reconciled", fields...)
}
