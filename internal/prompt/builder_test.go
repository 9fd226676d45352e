package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/roleplay-eval/internal/model"
)

func testRubric() model.Rubric {
	return model.Rubric{
		SceneID: "scene-1",
		Criteria: []model.CriterionSpec{
			{ID: "c1", Label: "Greeting", Description: "Greets the customer\n  warmly", MaxScore: 5, Source: model.SourceBasic},
			{ID: "c2", Label: "Closing", Description: "", MaxScore: 3, Source: model.SourceSceneSpecific},
		},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := Input{Rubric: testRubric(), Transcript: "Agent: Hello!\nCustomer: Hi.", SceneDescription: "Refund request"}

	a := Build(in)
	b := Build(in)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestBuild_Content(t *testing.T) {
	p := Build(Input{Rubric: testRubric(), Transcript: "  Agent: Hello!  ", SceneDescription: "Refund request"})

	assert.Contains(t, p.System, `"criterionLabel"`)
	assert.Contains(t, p.System, `"totalScore"`)
	assert.Contains(t, p.System, `"criteriaScores"`)
	assert.Contains(t, p.System, `"summaryComment"`)

	assert.Contains(t, p.User, "## Scene\nRefund request")
	assert.Contains(t, p.User, "1. Greeting: Greets the customer warmly (max 5)\n")
	assert.Contains(t, p.User, "2. Closing (max 3)\n")
	assert.Contains(t, p.User, "## Transcript\nAgent: Hello!\n")
}

func TestBuild_NeverExposesIDs(t *testing.T) {
	r := testRubric()
	r.Criteria[0].ID = "crit-secret-123"
	p := Build(Input{Rubric: r, Transcript: "x"})

	assert.NotContains(t, p.User, "crit-secret-123")
	assert.NotContains(t, p.System, "crit-secret-123")
}

func TestBuild_MissingSceneDescription(t *testing.T) {
	p := Build(Input{Rubric: testRubric(), Transcript: "x"})
	assert.Contains(t, p.User, "(no scene description)")
}

func TestFingerprint_ChangesWithInput(t *testing.T) {
	base := Build(Input{Rubric: testRubric(), Transcript: "one"})
	other := Build(Input{Rubric: testRubric(), Transcript: "two"})

	assert.Len(t, base.Fingerprint(), 64)
	assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())

	// The separator keeps the boundary between System and User significant.
	assert.NotEqual(t,
		Payload{System: "ab", User: "c"}.Fingerprint(),
		Payload{System: "a", User: "bc"}.Fingerprint())
}

func TestRenderRubric_Order(t *testing.T) {
	out := RenderRubric(testRubric())
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1. Greeting"))
	assert.True(t, strings.HasPrefix(lines[1], "2. Closing"))
}
