package evaluation

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/oracle"
	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/reconcile"
)

type mockRubric struct {
	mock.Mock
}

func (m *mockRubric) Build(ctx context.Context, sceneID string) (model.Rubric, model.Scene, error) {
	args := m.Called(ctx, sceneID)
	return args.Get(0).(model.Rubric), args.Get(1).(model.Scene), args.Error(2)
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Score(ctx context.Context, p prompt.Payload) (*oracle.Response, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.Response), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveEvaluation(ctx context.Context, ev *model.Evaluation) (string, error) {
	args := m.Called(ctx, ev)
	return args.String(0), args.Error(1)
}

func (m *mockStore) GetEvaluationByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error) {
	args := m.Called(ctx, recordingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Evaluation), args.Error(1)
}

// fakeRecorder records which hooks fired.
type fakeRecorder struct {
	mu          sync.Mutex
	stages      map[string]int
	stageErrors map[string]int
	outcomes    []error
	stats       []reconcile.Stats
	tokens      int64
	costUSD     float64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{stages: map[string]int{}, stageErrors: map[string]int{}}
}

func (f *fakeRecorder) ObserveStage(stage string, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[stage]++
	if err != nil {
		f.stageErrors[stage]++
	}
}

func (f *fakeRecorder) ObserveEvaluation(_ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, err)
}

func (f *fakeRecorder) ObserveReconcile(s reconcile.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, s)
}

func (f *fakeRecorder) ObserveUsage(_ string, in, out int64, costUSD float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens += in + out
	f.costUSD += costUSD
}
