package rubric

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/roleplay-eval/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListCriteria(ctx context.Context, source model.CriterionSource, sceneID string) ([]model.CriterionSpec, error) {
	args := m.Called(ctx, source, sceneID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CriterionSpec), args.Error(1)
}

func (m *mockStore) GetScene(ctx context.Context, sceneID string) (*model.Scene, error) {
	args := m.Called(ctx, sceneID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Scene), args.Error(1)
}

func (m *mockStore) UpsertScene(ctx context.Context, s model.Scene) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockStore) UpsertCriterion(ctx context.Context, c model.CriterionSpec) error {
	return m.Called(ctx, c).Error(0)
}
