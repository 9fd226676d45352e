// Package prompt renders a rubric and transcript into the instruction payload
// sent to the scoring oracle. Rendering is pure: the same inputs always give
// byte-identical output.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// Payload is the instruction sent to the oracle.
type Payload struct {
	System string
	User   string
}

// Fingerprint returns a SHA-256 hex digest identifying the payload.
func (p Payload) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(p.System))
	h.Write([]byte{0})
	h.Write([]byte(p.User))
	return hex.EncodeToString(h.Sum(nil))
}

// Input groups everything the builder needs.
type Input struct {
	Rubric           model.Rubric
	Transcript       string
	SceneDescription string
}

const systemPrompt = `You are an experienced customer-service coach grading a trainee's roleplay.
Grade only what the transcript shows. Be consistent: the same behaviour earns the same score.

Respond with a single JSON object and nothing else. No markdown, no prose before or after.
The object must have exactly this shape:
{
  "totalScore": <integer 0-100, overall performance>,
  "summaryComment": "<two or three sentences of overall feedback>",
  "criteriaScores": [
    {"criterionLabel": "<label copied exactly from the rubric>", "score": <integer 1-max>, "comment": "<specific feedback>"}
  ]
}

Rules:
- Return exactly one criteriaScores item for every rubric criterion, in rubric order.
- Copy each criterionLabel exactly as written in the rubric, including case and punctuation.
- Never invent criteria that are not in the rubric.
- Each score must be a whole number between 1 and that criterion's max.`

// Build renders the payload for one evaluation.
func Build(in Input) Payload {
	var b strings.Builder

	b.WriteString("## Scene\n")
	if desc := strings.TrimSpace(in.SceneDescription); desc != "" {
		b.WriteString(desc)
	} else {
		b.WriteString("(no scene description)")
	}
	b.WriteString("\n\n## Rubric\n")
	b.WriteString(RenderRubric(in.Rubric))
	b.WriteString("\n## Transcript\n")
	b.WriteString(strings.TrimSpace(in.Transcript))
	b.WriteString("\n\nGrade the transcript against every rubric criterion above and return the JSON object.")

	return Payload{System: systemPrompt, User: b.String()}
}

// RenderRubric lists criteria as "N. label: description (max M)", one per line.
// Criterion ids are never included.
func RenderRubric(r model.Rubric) string {
	var b strings.Builder
	for i, c := range r.Criteria {
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			fmt.Fprintf(&b, "%d. %s (max %d)\n", i+1, c.Label, c.MaxScore)
			continue
		}
		fmt.Fprintf(&b, "%d. %s: %s (max %d)\n", i+1, c.Label, desc, c.MaxScore)
	}
	return b.String()
}
