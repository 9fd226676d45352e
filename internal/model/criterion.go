package model

import "github.com/rotisserie/eris"

// CriterionSource identifies which rubric a criterion was loaded from.
type CriterionSource string

const (
	SourceBasic         CriterionSource = "basic"
	SourceSceneSpecific CriterionSource = "scene"
	SourceSecondary     CriterionSource = "secondary"
)

// Sources lists every criterion source in merge order.
var Sources = []CriterionSource{SourceBasic, SourceSceneSpecific, SourceSecondary}

// Qualifier returns the short name used to disambiguate colliding labels.
func (s CriterionSource) Qualifier() string {
	switch s {
	case SourceBasic:
		return "basic"
	case SourceSceneSpecific:
		return "scene"
	case SourceSecondary:
		return "values"
	default:
		return string(s)
	}
}

// Valid reports whether s is a known source.
func (s CriterionSource) Valid() bool {
	switch s {
	case SourceBasic, SourceSceneSpecific, SourceSecondary:
		return true
	}
	return false
}

// CriterionSpec is one gradable criterion. The ID never leaves the service;
// the oracle only ever sees and echoes the Label.
type CriterionSpec struct {
	ID          string          `json:"id" yaml:"id"`
	SceneID     string          `json:"scene_id,omitempty" yaml:"-"`
	Label       string          `json:"label" yaml:"label"`
	Description string          `json:"description" yaml:"description"`
	MaxScore    int             `json:"max_score" yaml:"max_score"`
	Source      CriterionSource `json:"source" yaml:"-"`
	SortKey     int             `json:"sort_key" yaml:"sort_key"`
}

// Scene describes a roleplay situation that trainees are graded in.
type Scene struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Rubric is the canonical, ordered criterion list for one evaluation. Labels
// are unique within a rubric.
type Rubric struct {
	SceneID  string          `json:"scene_id"`
	Criteria []CriterionSpec `json:"criteria"`
}

// Len returns the number of criteria.
func (r Rubric) Len() int { return len(r.Criteria) }

// IDs returns the criterion ids in rubric order.
func (r Rubric) IDs() []string {
	ids := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		ids[i] = c.ID
	}
	return ids
}

// Validate checks the structural invariants of a rubric.
func (r Rubric) Validate() error {
	if len(r.Criteria) == 0 {
		return NewError(KindRubricIncomplete, "rubric: validate", eris.Errorf("scene %q has no criteria", r.SceneID))
	}
	labels := make(map[string]struct{}, len(r.Criteria))
	ids := make(map[string]struct{}, len(r.Criteria))
	for _, c := range r.Criteria {
		if _, dup := labels[c.Label]; dup {
			return eris.Errorf("rubric: duplicate label %q", c.Label)
		}
		if _, dup := ids[c.ID]; dup {
			return eris.Errorf("rubric: duplicate criterion id %q", c.ID)
		}
		if c.MaxScore < 1 {
			return eris.Errorf("rubric: criterion %q has max score %d", c.Label, c.MaxScore)
		}
		labels[c.Label] = struct{}{}
		ids[c.ID] = struct{}{}
	}
	return nil
}
