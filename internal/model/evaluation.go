package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// EvaluationRequest is the input of one pipeline run.
type EvaluationRequest struct {
	RecordingID string `json:"recordingId"`
	Transcript  string `json:"transcript"`
	SceneID     string `json:"sceneId"`
}

// Validate trims the request fields and reports the first missing one.
func (r *EvaluationRequest) Validate() error {
	r.RecordingID = strings.TrimSpace(r.RecordingID)
	r.SceneID = strings.TrimSpace(r.SceneID)
	switch {
	case r.RecordingID == "":
		return NewError(KindInvalidRequest, "", errMissing("recordingId"))
	case strings.TrimSpace(r.Transcript) == "":
		return NewError(KindInvalidRequest, "", errMissing("transcript"))
	case r.SceneID == "":
		return NewError(KindInvalidRequest, "", errMissing("sceneId"))
	}
	return nil
}

func errMissing(field string) error {
	return eris.Errorf("%s is required", field)
}

// ReconciledNote is the stored feedback for exactly one rubric criterion.
type ReconciledNote struct {
	ID          string `json:"id"`
	CriterionID string `json:"criterion_id"`
	Label       string `json:"label"`
	MaxScore    int    `json:"max_score"`
	Score       int    `json:"score"`
	Comment     string `json:"comment"`
	// Synthesized marks a note the pipeline produced because the oracle
	// omitted the criterion.
	Synthesized bool `json:"synthesized"`
}

// Evaluation is the persisted result of grading one recording.
type Evaluation struct {
	ID                string           `json:"id"`
	RecordingID       string           `json:"recording_id"`
	SceneID           string           `json:"scene_id"`
	TotalScore        int              `json:"total_score"`
	SummaryComment    string           `json:"summary_comment"`
	Model             string           `json:"model,omitempty"`
	PromptFingerprint string           `json:"prompt_fingerprint,omitempty"`
	Notes             []ReconciledNote `json:"notes"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// CoversRubric reports whether the notes hold exactly one entry per
// criterion of r, with nothing extra.
func (e *Evaluation) CoversRubric(r Rubric) bool {
	if len(e.Notes) != len(r.Criteria) {
		return false
	}
	want := make(map[string]bool, len(r.Criteria))
	for _, c := range r.Criteria {
		want[c.ID] = false
	}
	for _, n := range e.Notes {
		seen, ok := want[n.CriterionID]
		if !ok || seen {
			return false
		}
		want[n.CriterionID] = true
	}
	return true
}

// EvaluationResult is the body returned to the recording UI.
type EvaluationResult struct {
	EvaluationID   string `json:"evaluationId"`
	TotalScore     int    `json:"totalScore"`
	SummaryComment string `json:"summaryComment"`
}
