package store

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roleplay-eval/internal/model"
)

func TestPrepareEvaluation_AssignsIDs(t *testing.T) {
	ev := sampleEvaluation()
	require.NoError(t, prepareEvaluation(ev))

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.False(t, ev.UpdatedAt.IsZero())
	for _, n := range ev.Notes {
		assert.NotEmpty(t, n.ID)
	}
}

func TestPrepareEvaluation_KeepsExistingID(t *testing.T) {
	ev := sampleEvaluation()
	ev.ID = "fixed"
	ev.Notes[0].ID = "note-fixed"
	require.NoError(t, prepareEvaluation(ev))
	assert.Equal(t, "fixed", ev.ID)
	assert.Equal(t, "note-fixed", ev.Notes[0].ID)
}

func TestPrepareEvaluation_Nil(t *testing.T) {
	assert.Error(t, prepareEvaluation(nil))
}

func TestNoteRows_ColumnOrder(t *testing.T) {
	ev := sampleEvaluation()
	require.NoError(t, prepareEvaluation(ev))

	rows := noteRows("ev-1", ev.Notes)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Len(t, r, len(noteColumns))
	}
	assert.Equal(t, "ev-1", rows[0][1])
	assert.Equal(t, "c1", rows[0][2])
	assert.Equal(t, true, rows[1][7])
	assert.Equal(t, 1, rows[1][8])
}

func TestInconsistent_Classified(t *testing.T) {
	err := inconsistent(eris.New("boom"), "insert notes for %s", "ev-1")
	assert.Equal(t, model.KindPersistenceInconsistent, model.KindOf(err))
	assert.Contains(t, err.Error(), "insert notes for ev-1")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, "evaluation storage inconsistent", model.PublicMessage(err))
}
