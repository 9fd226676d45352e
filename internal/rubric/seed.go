package rubric

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// Writer is the write side of the rubric store, used by seed imports.
type Writer interface {
	UpsertScene(ctx context.Context, s model.Scene) error
	UpsertCriterion(ctx context.Context, c model.CriterionSpec) error
}

// SeedFile is the YAML document operators use to manage rubrics.
type SeedFile struct {
	Basic     []model.CriterionSpec `yaml:"basic"`
	Secondary []model.CriterionSpec `yaml:"secondary"`
	Scenes    []SeedScene           `yaml:"scenes"`
}

// SeedScene is a scene with its scene-specific criteria.
type SeedScene struct {
	model.Scene `yaml:",inline"`
	Criteria    []model.CriterionSpec `yaml:"criteria"`
}

// ImportStats counts rows written by Import.
type ImportStats struct {
	Scenes   int
	Criteria int
}

// LoadSeedFile reads and validates a seed document. Source and scene id of
// every criterion are filled in from where it appears in the file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: read seed %s", path)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrap(err, "rubric: parse seed")
	}

	for i := range seed.Basic {
		seed.Basic[i].Source = model.SourceBasic
		seed.Basic[i].SceneID = ""
	}
	for i := range seed.Secondary {
		seed.Secondary[i].Source = model.SourceSecondary
		seed.Secondary[i].SceneID = ""
	}
	for i := range seed.Scenes {
		sc := &seed.Scenes[i]
		sc.ID = strings.TrimSpace(sc.ID)
		for j := range sc.Criteria {
			sc.Criteria[j].Source = model.SourceSceneSpecific
			sc.Criteria[j].SceneID = sc.ID
		}
	}

	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *SeedFile) validate() error {
	ids := make(map[string]struct{})
	check := func(c model.CriterionSpec) error {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return eris.Errorf("rubric: seed criterion %q has no id", c.Label)
		}
		if strings.TrimSpace(c.Label) == "" {
			return eris.Errorf("rubric: seed criterion %s has no label", id)
		}
		if c.MaxScore < 0 {
			return eris.Errorf("rubric: seed criterion %s has negative max_score", id)
		}
		if _, dup := ids[id]; dup {
			return eris.Errorf("rubric: seed criterion id %s appears twice", id)
		}
		ids[id] = struct{}{}
		return nil
	}

	for _, c := range s.all() {
		if err := check(c); err != nil {
			return err
		}
	}

	scenes := make(map[string]struct{})
	for _, sc := range s.Scenes {
		if sc.ID == "" {
			return eris.Errorf("rubric: seed scene %q has no id", sc.Name)
		}
		if _, dup := scenes[sc.ID]; dup {
			return eris.Errorf("rubric: seed scene %s appears twice", sc.ID)
		}
		scenes[sc.ID] = struct{}{}
	}
	return nil
}

func (s *SeedFile) all() []model.CriterionSpec {
	out := make([]model.CriterionSpec, 0, len(s.Basic)+len(s.Secondary))
	out = append(out, s.Basic...)
	out = append(out, s.Secondary...)
	for _, sc := range s.Scenes {
		out = append(out, sc.Criteria...)
	}
	return out
}

// Import upserts every scene and criterion in the seed. It stops at the
// first failure; rows already written stay written.
func Import(ctx context.Context, w Writer, seed *SeedFile) (ImportStats, error) {
	var stats ImportStats
	for _, sc := range seed.Scenes {
		if err := w.UpsertScene(ctx, sc.Scene); err != nil {
			return stats, eris.Wrapf(err, "rubric: import scene %s", sc.ID)
		}
		stats.Scenes++
	}
	for _, c := range seed.all() {
		if err := w.UpsertCriterion(ctx, c); err != nil {
			return stats, eris.Wrapf(err, "rubric: import criterion %s", c.ID)
		}
		stats.Criteria++
	}

	zap.L().Info("rubric: seed imported",
		zap.Int("scenes", stats.Scenes),
		zap.Int("criteria", stats.Criteria),
	)
	return stats, nil
}
