// Package store persists rubrics and evaluations. Both drivers share the
// same semantics: an evaluation save replaces any prior result for the
// recording in a single transaction, and a failure after prior notes were
// deleted is reported as KindPersistenceInconsistent.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// Store defines the persistence interface for the evaluation service.
type Store interface {
	// Rubric reads
	ListCriteria(ctx context.Context, source model.CriterionSource, sceneID string) ([]model.CriterionSpec, error)
	GetScene(ctx context.Context, sceneID string) (*model.Scene, error)

	// Rubric writes (seed import)
	UpsertScene(ctx context.Context, s model.Scene) error
	UpsertCriterion(ctx context.Context, c model.CriterionSpec) error

	// Evaluations
	SaveEvaluation(ctx context.Context, ev *model.Evaluation) (string, error)
	GetEvaluationByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const opSave = "store: save evaluation"

// noteColumns is the column order used to insert evaluation notes.
var noteColumns = []string{
	"id", "evaluation_id", "criterion_id", "label", "max_score",
	"score", "comment", "synthesized", "position",
}

// prepareEvaluation checks the header and assigns ids and timestamps that
// the caller left empty.
func prepareEvaluation(ev *model.Evaluation) error {
	if ev == nil {
		return eris.New("store: nil evaluation")
	}
	if ev.RecordingID == "" {
		return eris.New("store: evaluation has no recording id")
	}
	if len(ev.Notes) == 0 {
		return eris.Errorf("store: evaluation for %s has no notes", ev.RecordingID)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	for i := range ev.Notes {
		if ev.Notes[i].ID == "" {
			ev.Notes[i].ID = uuid.New().String()
		}
	}
	return nil
}

// noteRows flattens notes in noteColumns order.
func noteRows(evaluationID string, notes []model.ReconciledNote) [][]any {
	rows := make([][]any, len(notes))
	for i, n := range notes {
		rows[i] = []any{
			n.ID, evaluationID, n.CriterionID, n.Label, n.MaxScore,
			n.Score, n.Comment, n.Synthesized, i,
		}
	}
	return rows
}

// inconsistent classifies a failure that happened after prior notes were
// deleted inside the save transaction.
func inconsistent(err error, format string, args ...any) error {
	return model.NewError(model.KindPersistenceInconsistent, opSave, eris.Wrapf(err, format, args...))
}
