// Package reconcile maps an untrusted oracle response onto the canonical
// rubric. The result always holds exactly one note per criterion, in rubric
// order, with every score inside [1, maxScore]. Anomalies in the response are
// counted and logged, never returned as errors.
package reconcile

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/oracle"
)

// labelKeys are the item fields that may carry the criterion label, in
// precedence order. Older prompts produced "criterionId" holding the label.
var labelKeys = []string{"criterionLabel", "criterion", "label", "criterionId"}

// Stats counts what reconciliation had to do.
type Stats struct {
	Matched     int `json:"matched"`
	Discarded   int `json:"discarded"`
	Duplicates  int `json:"duplicates"`
	Synthesized int `json:"synthesized"`
	Clamped     int `json:"clamped"`
	// TotalDerived is set when the oracle total was missing or out of range
	// and the total was computed from the notes.
	TotalDerived bool `json:"total_derived"`
}

// Result is a complete, internally consistent evaluation body.
type Result struct {
	Notes          []model.ReconciledNote
	TotalScore     int
	SummaryComment string
	Stats          Stats
}

// Reconcile builds the notes and total for rubric r from resp. A nil resp is
// treated as an empty answer.
func Reconcile(r model.Rubric, resp *oracle.Response) Result {
	if resp == nil {
		resp = &oracle.Response{}
	}

	byLabel := make(map[string]int, len(r.Criteria))
	for i, c := range r.Criteria {
		byLabel[strings.TrimSpace(c.Label)] = i
	}

	var stats Stats
	notes := make([]*model.ReconciledNote, len(r.Criteria))

	for pos, item := range resp.Items {
		label := itemLabel(item)
		idx, ok := byLabel[label]
		if !ok {
			stats.Discarded++
			zap.L().Warn("reconcile: discarding item with unknown label",
				zap.String("scene_id", r.SceneID),
				zap.String("label", label),
				zap.Int("position", pos),
			)
			continue
		}
		c := r.Criteria[idx]

		raw, ok := toFloat64(item["score"])
		if !ok {
			stats.Discarded++
			zap.L().Warn("reconcile: discarding item with unusable score",
				zap.String("scene_id", r.SceneID),
				zap.String("label", label),
				zap.String("score", fmt.Sprintf("%v", item["score"])),
			)
			continue
		}

		if notes[idx] != nil {
			stats.Duplicates++
			zap.L().Warn("reconcile: duplicate item for criterion, keeping first",
				zap.String("scene_id", r.SceneID),
				zap.String("criterion_id", c.ID),
				zap.String("label", label),
			)
			continue
		}

		score, clamped := clamp(raw, c.MaxScore)
		if clamped {
			stats.Clamped++
		}
		stats.Matched++
		notes[idx] = &model.ReconciledNote{
			CriterionID: c.ID,
			Label:       c.Label,
			MaxScore:    c.MaxScore,
			Score:       score,
			Comment:     itemComment(item),
		}
	}

	total, totalOK := validTotal(resp.TotalScore)

	out := make([]model.ReconciledNote, len(r.Criteria))
	sumScore, sumMax := 0, 0
	for i, c := range r.Criteria {
		if notes[i] == nil {
			stats.Synthesized++
			notes[i] = synthesize(c, total, totalOK)
		}
		out[i] = *notes[i]
		sumScore += out[i].Score
		sumMax += c.MaxScore
	}

	res := Result{
		Notes:          out,
		SummaryComment: resp.SummaryComment,
	}
	if totalOK {
		res.TotalScore = int(math.Round(total))
	} else {
		stats.TotalDerived = true
		if sumMax > 0 {
			res.TotalScore = int(math.Round(100 * float64(sumScore) / float64(sumMax)))
		}
	}
	res.Stats = stats
	return res
}

// PlaceholderComment is the comment stored on a synthesized note.
func PlaceholderComment(label string) string {
	return label + " was not separately addressed in the evaluation."
}

// PlaceholderScore is round(total/100*max) clamped into [1, max] when the
// oracle supplied a valid total, else 1.
func PlaceholderScore(total float64, totalOK bool, maxScore int) int {
	if !totalOK {
		return 1
	}
	score, _ := clamp(total/100*float64(maxScore), maxScore)
	return score
}

func synthesize(c model.CriterionSpec, total float64, totalOK bool) *model.ReconciledNote {
	return &model.ReconciledNote{
		CriterionID: c.ID,
		Label:       c.Label,
		MaxScore:    c.MaxScore,
		Score:       PlaceholderScore(total, totalOK, c.MaxScore),
		Comment:     PlaceholderComment(c.Label),
		Synthesized: true,
	}
}

// clamp rounds v to the nearest integer and bounds it into [1, maxScore]. The
// bool reports whether bounding changed the rounded value.
func clamp(v float64, maxScore int) (int, bool) {
	if maxScore < 1 {
		maxScore = 1
	}
	r := math.Round(v)
	switch {
	case r < 1:
		return 1, true
	case r > float64(maxScore):
		return maxScore, true
	default:
		return int(r), false
	}
}

func validTotal(t *float64) (float64, bool) {
	if t == nil || math.IsNaN(*t) || math.IsInf(*t, 0) || *t < 0 || *t > 100 {
		return 0, false
	}
	return *t, true
}

func itemLabel(item oracle.RawItem) string {
	for _, key := range labelKeys {
		if s, ok := item[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func itemComment(item oracle.RawItem) string {
	s, _ := item["comment"].(string)
	return strings.TrimSpace(s)
}

// toFloat64 accepts JSON numbers and numeric strings. NaN and infinities are
// rejected.
func toFloat64(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
