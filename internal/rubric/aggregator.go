// Package rubric assembles the canonical rubric for a scene from the basic,
// scene-specific and secondary criterion sources.
package rubric

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// Reader is the read side of the rubric store.
type Reader interface {
	// ListCriteria returns the rows of one source that apply to sceneID,
	// ordered by sort key then id.
	ListCriteria(ctx context.Context, source model.CriterionSource, sceneID string) ([]model.CriterionSpec, error)
	// GetScene returns nil, nil when the scene does not exist.
	GetScene(ctx context.Context, sceneID string) (*model.Scene, error)
}

// Options tune aggregation.
type Options struct {
	IncludeSecondary bool
	DefaultMaxScore  int
}

// Aggregator builds rubrics. It never writes.
type Aggregator struct {
	store Reader
	opts  Options
}

// NewAggregator returns an Aggregator reading from store.
func NewAggregator(store Reader, opts Options) *Aggregator {
	if opts.DefaultMaxScore <= 0 {
		opts.DefaultMaxScore = 5
	}
	return &Aggregator{store: store, opts: opts}
}

// Build loads every enabled source concurrently and merges them in source
// order. It also returns the scene, which is empty when the store has none.
// A scene with zero criteria fails with KindRubricIncomplete.
func (a *Aggregator) Build(ctx context.Context, sceneID string) (model.Rubric, model.Scene, error) {
	sources := []model.CriterionSource{model.SourceBasic, model.SourceSceneSpecific}
	if a.opts.IncludeSecondary {
		sources = append(sources, model.SourceSecondary)
	}

	loaded := make([][]model.CriterionSpec, len(sources))
	var scene *model.Scene

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			rows, err := a.store.ListCriteria(gctx, src, sceneID)
			if err != nil {
				return eris.Wrapf(err, "rubric: load %s criteria for scene %s", src, sceneID)
			}
			loaded[i] = rows
			return nil
		})
	}
	g.Go(func() error {
		s, err := a.store.GetScene(gctx, sceneID)
		if err != nil {
			return eris.Wrapf(err, "rubric: load scene %s", sceneID)
		}
		scene = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Rubric{}, model.Scene{}, err
	}

	r := model.Rubric{SceneID: sceneID, Criteria: a.merge(sceneID, sources, loaded)}
	if r.Len() == 0 {
		return model.Rubric{}, model.Scene{}, model.NewError(model.KindRubricIncomplete, "rubric: build",
			eris.Errorf("scene %q has no criteria in any source", sceneID))
	}
	if err := r.Validate(); err != nil {
		return model.Rubric{}, model.Scene{}, err
	}

	out := model.Scene{ID: sceneID}
	if scene != nil {
		out = *scene
	}
	return r, out, nil
}

// merge normalizes rows and resolves label collisions. Earlier sources keep
// their label; later ones get a source qualifier and, if needed, an ordinal.
func (a *Aggregator) merge(sceneID string, sources []model.CriterionSource, loaded [][]model.CriterionSpec) []model.CriterionSpec {
	var out []model.CriterionSpec
	labels := make(map[string]struct{})
	ids := make(map[string]struct{})

	for i, src := range sources {
		for _, row := range loaded[i] {
			c := row
			c.Source = src
			c.ID = strings.TrimSpace(c.ID)
			c.Label = strings.TrimSpace(c.Label)
			c.Description = strings.TrimSpace(c.Description)

			if c.Label == "" || c.ID == "" {
				zap.L().Warn("rubric: skipping criterion without id or label",
					zap.String("scene_id", sceneID),
					zap.String("source", string(src)),
					zap.String("criterion_id", c.ID),
				)
				continue
			}
			if _, dup := ids[c.ID]; dup {
				zap.L().Warn("rubric: skipping duplicate criterion id",
					zap.String("scene_id", sceneID),
					zap.String("criterion_id", c.ID),
				)
				continue
			}
			if c.MaxScore <= 0 {
				c.MaxScore = a.opts.DefaultMaxScore
			}

			if _, taken := labels[c.Label]; taken {
				original := c.Label
				c.Label = disambiguate(c.Label, src, labels)
				zap.L().Warn("rubric: label collision, renamed",
					zap.String("scene_id", sceneID),
					zap.String("criterion_id", c.ID),
					zap.String("label", original),
					zap.String("renamed", c.Label),
				)
			}

			labels[c.Label] = struct{}{}
			ids[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func disambiguate(label string, src model.CriterionSource, taken map[string]struct{}) string {
	candidate := fmt.Sprintf("%s (%s)", label, src.Qualifier())
	if _, ok := taken[candidate]; !ok {
		return candidate
	}
	for n := 2; ; n++ {
		next := fmt.Sprintf("%s #%d", candidate, n)
		if _, ok := taken[next]; !ok {
			return next
		}
	}
}
