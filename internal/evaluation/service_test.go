package evaluation

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/monitoring"
	"github.com/sells-group/roleplay-eval/internal/oracle"
	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/reconcile"
	"github.com/sells-group/roleplay-eval/internal/store"
)

func greetingClosingRubric() model.Rubric {
	return model.Rubric{
		SceneID: "scene-1",
		Criteria: []model.CriterionSpec{
			{ID: "crit-greeting", Label: "Greeting", MaxScore: 5, Source: model.SourceBasic},
			{ID: "crit-closing", Label: "Closing", MaxScore: 5, Source: model.SourceBasic},
		},
	}
}

func validRequest() model.EvaluationRequest {
	return model.EvaluationRequest{
		RecordingID: "rec-1",
		Transcript:  "Agent: Hello, thanks for calling.\nCustomer: I want a refund.",
		SceneID:     "scene-1",
	}
}

func greetingOnlyResponse() *oracle.Response {
	total := 70.0
	return &oracle.Response{
		TotalScore:     &total,
		SummaryComment: "Good opening, abrupt end.",
		Items: []oracle.RawItem{
			{"criterionLabel": "Greeting", "score": 4.0, "comment": "Warm and clear."},
		},
		Model: "claude-test",
		Usage: oracle.Usage{InputTokens: 100, OutputTokens: 40},
	}
}

func TestEvaluate_MissingCriterionIsSynthesized(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	rec := newFakeRecorder()
	svc := NewService(rb, orc, st, rec)

	rb.On("Build", mock.Anything, "scene-1").
		Return(greetingClosingRubric(), model.Scene{ID: "scene-1", Description: "Refund call"}, nil)
	orc.On("Score", mock.Anything, mock.Anything).Return(greetingOnlyResponse(), nil)

	var saved *model.Evaluation
	st.On("SaveEvaluation", mock.Anything, mock.AnythingOfType("*model.Evaluation")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*model.Evaluation) }).
		Return("ev-1", nil)

	res, err := svc.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, &model.EvaluationResult{
		EvaluationID:   "ev-1",
		TotalScore:     70,
		SummaryComment: "Good opening, abrupt end.",
	}, res)

	require.NotNil(t, saved)
	assert.True(t, saved.CoversRubric(greetingClosingRubric()))
	assert.Equal(t, "claude-test", saved.Model)
	assert.NotEmpty(t, saved.PromptFingerprint)

	greeting, closing := saved.Notes[0], saved.Notes[1]
	assert.Equal(t, "crit-greeting", greeting.CriterionID)
	assert.Equal(t, 4, greeting.Score)
	assert.Equal(t, "Warm and clear.", greeting.Comment)
	assert.False(t, greeting.Synthesized)

	assert.Equal(t, "crit-closing", closing.CriterionID)
	assert.True(t, closing.Synthesized)
	assert.Equal(t, reconcile.PlaceholderScore(70, true, 5), closing.Score)
	assert.Equal(t, reconcile.PlaceholderComment("Closing"), closing.Comment)

	assert.Equal(t, 1, rec.stages[monitoring.StagePersist])
	assert.Equal(t, int64(140), rec.tokens)
	require.Len(t, rec.stats, 1)
	assert.Equal(t, 1, rec.stats[0].Synthesized)
	require.Len(t, rec.outcomes, 1)
	assert.NoError(t, rec.outcomes[0])

	rb.AssertExpectations(t)
	orc.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestEvaluate_PromptCarriesLabelsNotIDs(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{ID: "scene-1"}, nil)
	orc.On("Score", mock.Anything, mock.MatchedBy(func(p prompt.Payload) bool {
		return strings.Contains(p.User, "Greeting") &&
			strings.Contains(p.User, "Closing") &&
			!strings.Contains(p.System+p.User, "crit-greeting") &&
			!strings.Contains(p.System+p.User, "crit-closing")
	})).Return(greetingOnlyResponse(), nil)
	st.On("SaveEvaluation", mock.Anything, mock.Anything).Return("ev-1", nil)

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	orc.AssertExpectations(t)
}

func TestEvaluate_ContractViolationPersistsNothing(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	rec := newFakeRecorder()
	svc := NewService(rb, orc, st, rec)

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)
	orc.On("Score", mock.Anything, mock.Anything).
		Return(nil, model.NewError(model.KindOracleContractViolation, "oracle: parse", eris.New("not JSON")))

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, model.KindOracleContractViolation, model.KindOf(err))
	st.AssertNotCalled(t, "SaveEvaluation", mock.Anything, mock.Anything)
	assert.Equal(t, 1, rec.stageErrors[monitoring.StageOracle])
	assert.Zero(t, rec.stages[monitoring.StagePersist])
}

func TestEvaluate_InvalidRequest(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	for _, req := range []model.EvaluationRequest{
		{Transcript: "t", SceneID: "s"},
		{RecordingID: "r", SceneID: "s", Transcript: "   "},
		{RecordingID: "r", Transcript: "t"},
	} {
		_, err := svc.Evaluate(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))
	}
	rb.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestEvaluate_RubricIncomplete(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	rb.On("Build", mock.Anything, "scene-1").
		Return(model.Rubric{}, model.Scene{}, model.NewError(model.KindRubricIncomplete, "rubric: build", eris.New("no criteria")))

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, model.KindRubricIncomplete, model.KindOf(err))
	orc.AssertNotCalled(t, "Score", mock.Anything, mock.Anything)
}

func TestEvaluate_RubricStoreErrorIsWrapped(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	rb.On("Build", mock.Anything, "scene-1").Return(model.Rubric{}, model.Scene{}, eris.New("db down"))

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluation: build rubric")
	assert.Empty(t, model.KindOf(err))
}

func TestEvaluate_PersistenceInconsistentSurfaces(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)
	orc.On("Score", mock.Anything, mock.Anything).Return(greetingOnlyResponse(), nil)
	st.On("SaveEvaluation", mock.Anything, mock.Anything).
		Return("", model.NewError(model.KindPersistenceInconsistent, "store: save evaluation", eris.New("copy failed")))

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, model.KindPersistenceInconsistent, model.KindOf(err))
}

func TestEvaluate_PlainStoreErrorIsWrapped(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	svc := NewService(rb, orc, st, nil)

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)
	orc.On("Score", mock.Anything, mock.Anything).Return(greetingOnlyResponse(), nil)
	st.On("SaveEvaluation", mock.Anything, mock.Anything).Return("", eris.New("begin failed"))

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluation: save")
	assert.False(t, model.IsKind(err, model.KindPersistenceInconsistent))
}

func TestEvaluate_ReEvaluationReplacesStoredResult(t *testing.T) {
	sq, err := store.NewSQLite(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() }) //nolint:errcheck
	require.NoError(t, sq.Migrate(context.Background()))

	rb, orc := &mockRubric{}, &mockOracle{}
	svc := NewService(rb, orc, sq, nil)

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)

	total := 90.0
	full := &oracle.Response{
		TotalScore:     &total,
		SummaryComment: "Excellent.",
		Items: []oracle.RawItem{
			{"criterionLabel": "Greeting", "score": 5.0, "comment": "great"},
			{"criterionLabel": "Closing", "score": 4.0, "comment": "clean"},
		},
	}
	orc.On("Score", mock.Anything, mock.Anything).Return(greetingOnlyResponse(), nil).Once()
	orc.On("Score", mock.Anything, mock.Anything).Return(full, nil).Once()

	first, err := svc.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	second, err := svc.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, first.EvaluationID, second.EvaluationID)
	assert.Equal(t, 90, second.TotalScore)

	ev, err := svc.GetByRecording(context.Background(), "rec-1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 90, ev.TotalScore)
	assert.True(t, ev.CoversRubric(greetingClosingRubric()))
	for _, n := range ev.Notes {
		assert.False(t, n.Synthesized)
	}
}

func TestEvaluate_ConcurrentSameRecording(t *testing.T) {
	sq, err := store.NewSQLite(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() }) //nolint:errcheck
	require.NoError(t, sq.Migrate(context.Background()))

	rb, orc := &mockRubric{}, &mockOracle{}
	svc := NewService(rb, orc, sq, nil)
	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)
	orc.On("Score", mock.Anything, mock.Anything).Return(greetingOnlyResponse(), nil)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Evaluate(context.Background(), validRequest())
			if assert.NoError(t, err) {
				ids[i] = res.EvaluationID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	ev, err := svc.GetByRecording(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Len(t, ev.Notes, 2)
	assert.Zero(t, svc.locks.size())
}

func TestGetByRecording(t *testing.T) {
	st := &mockStore{}
	svc := NewService(&mockRubric{}, &mockOracle{}, st, nil)

	st.On("GetEvaluationByRecording", mock.Anything, "rec-1").Return(&model.Evaluation{ID: "ev-1"}, nil)
	st.On("GetEvaluationByRecording", mock.Anything, "missing").Return(nil, nil)
	st.On("GetEvaluationByRecording", mock.Anything, "broken").Return(nil, eris.New("db down"))

	ev, err := svc.GetByRecording(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", ev.ID)

	ev, err = svc.GetByRecording(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = svc.GetByRecording(context.Background(), "broken")
	assert.ErrorContains(t, err, "evaluation: get broken")
}

func TestEvaluate_RecordsEstimatedCost(t *testing.T) {
	rb, orc, st := &mockRubric{}, &mockOracle{}, &mockStore{}
	rec := newFakeRecorder()
	svc := NewService(rb, orc, st, rec)

	resp := greetingOnlyResponse()
	resp.Model = "claude-sonnet-4-5-20250929"
	resp.Usage = oracle.Usage{InputTokens: 1_000_000, OutputTokens: 0}

	rb.On("Build", mock.Anything, "scene-1").Return(greetingClosingRubric(), model.Scene{}, nil)
	orc.On("Score", mock.Anything, mock.Anything).Return(resp, nil)
	st.On("SaveEvaluation", mock.Anything, mock.Anything).Return("ev-1", nil)

	_, err := svc.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.InDelta(t, 3.00, rec.costUSD, 1e-9)
}

func TestVerifyCoverage(t *testing.T) {
	rubric := greetingClosingRubric()
	full := []model.ReconciledNote{
		{CriterionID: "crit-greeting", Label: "Greeting", MaxScore: 5, Score: 4},
		{CriterionID: "crit-closing", Label: "Closing", MaxScore: 5, Score: 3},
	}

	tests := []struct {
		name  string
		notes []model.ReconciledNote
		ok    bool
	}{
		{"exact", full, true},
		{"missing", full[:1], false},
		{"duplicate", []model.ReconciledNote{full[0], full[0]}, false},
		{"foreign", []model.ReconciledNote{full[0], {CriterionID: "crit-other", Label: "Other", MaxScore: 5, Score: 2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyCoverage(&model.Evaluation{RecordingID: "rec-1", Notes: tt.notes}, rubric)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "do not cover 2 rubric criteria for rec-1")
		})
	}
}
