package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func sampleEvaluation() *model.Evaluation {
	return &model.Evaluation{
		RecordingID: "rec-1",
		SceneID:     "scene-1",
		TotalScore:  70,
		Notes: []model.ReconciledNote{
			{CriterionID: "c1", Label: "Greeting", MaxScore: 5, Score: 4, Comment: "warm"},
			{CriterionID: "c2", Label: "Closing", MaxScore: 5, Score: 3, Comment: "ok", Synthesized: true},
		},
	}
}

func expectSaveUntilDelete(mock pgxmock.PgxPoolIface, id string, created time.Time) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("rec-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`(?s)INSERT INTO evaluations.*ON CONFLICT \(recording_id\) DO UPDATE.*RETURNING id, created_at`).
		WithArgs(pgxmock.AnyArg(), "rec-1", "scene-1", 70, "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(id, created))
	mock.ExpectExec(`DELETE FROM evaluation_notes WHERE evaluation_id = \$1`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
}

func TestPostgresStore_SaveEvaluation_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	expectSaveUntilDelete(mock, "ev-existing", created)
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_notes"}, noteColumns).WillReturnResult(2)
	mock.ExpectQuery(`SELECT count\(\*\) FROM evaluation_notes`).
		WithArgs("ev-existing").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	ev := sampleEvaluation()
	id, err := s.SaveEvaluation(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "ev-existing", id)
	assert.Equal(t, "ev-existing", ev.ID)
	assert.Equal(t, created, ev.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveEvaluation_FailureBeforeDeleteIsPlain(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("rec-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`INSERT INTO evaluations`).
		WithArgs(pgxmock.AnyArg(), "rec-1", "scene-1", 70, "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(eris.New("constraint violation"))
	mock.ExpectRollback()

	_, err := s.SaveEvaluation(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert evaluation rec-1")
	assert.False(t, model.IsKind(err, model.KindPersistenceInconsistent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveEvaluation_CopyFailureIsInconsistent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expectSaveUntilDelete(mock, "ev-1", time.Now())
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_notes"}, noteColumns).
		WillReturnError(eris.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.SaveEvaluation(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.Equal(t, model.KindPersistenceInconsistent, model.KindOf(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveEvaluation_CountMismatchIsInconsistent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expectSaveUntilDelete(mock, "ev-1", time.Now())
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_notes"}, noteColumns).WillReturnResult(2)
	mock.ExpectQuery(`SELECT count\(\*\) FROM evaluation_notes`).
		WithArgs("ev-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	_, err := s.SaveEvaluation(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.Equal(t, model.KindPersistenceInconsistent, model.KindOf(err))
	assert.Contains(t, err.Error(), "found 3 notes, expected 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveEvaluation_CommitFailureIsInconsistent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expectSaveUntilDelete(mock, "ev-1", time.Now())
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_notes"}, noteColumns).WillReturnResult(2)
	mock.ExpectQuery(`SELECT count\(\*\) FROM evaluation_notes`).
		WithArgs("ev-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit().WillReturnError(eris.New("serialization failure"))
	mock.ExpectRollback()

	_, err := s.SaveEvaluation(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.Equal(t, model.KindPersistenceInconsistent, model.KindOf(err))
}

func TestPostgresStore_SaveEvaluation_RejectsEmpty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.SaveEvaluation(context.Background(), &model.Evaluation{RecordingID: "rec-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no notes")

	_, err = s.SaveEvaluation(context.Background(), &model.Evaluation{Notes: sampleEvaluation().Notes})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recording id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEvaluationByRecording(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT .*FROM evaluations WHERE recording_id = \$1`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "recording_id", "scene_id", "total_score", "summary_comment", "model", "prompt_fingerprint", "created_at", "updated_at",
		}).AddRow("ev-1", "rec-1", "scene-1", 70, "good", "claude", "abc", now, now))
	mock.ExpectQuery(`(?s)SELECT .*FROM evaluation_notes WHERE evaluation_id = \$1 ORDER BY position`).
		WithArgs("ev-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "criterion_id", "label", "max_score", "score", "comment", "synthesized"}).
			AddRow("n1", "c1", "Greeting", 5, 4, "warm", false).
			AddRow("n2", "c2", "Closing", 5, 3, "ok", true))

	ev, err := s.GetEvaluationByRecording(context.Background(), "rec-1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, 70, ev.TotalScore)
	require.Len(t, ev.Notes, 2)
	assert.Equal(t, "Greeting", ev.Notes[0].Label)
	assert.True(t, ev.Notes[1].Synthesized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEvaluationByRecording_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM evaluations WHERE recording_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ev, err := s.GetEvaluationByRecording(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCriteria(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM criteria\s+WHERE source = \$1 AND \(scene_id = '' OR scene_id = \$2\)`).
		WithArgs("scene", "scene-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "scene_id", "label", "description", "max_score", "source", "sort_key"}).
			AddRow("c1", "scene-1", "Empathy", "shows empathy", 5, "scene", 1))

	got, err := s.ListCriteria(context.Background(), model.SourceSceneSpecific, "scene-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.SourceSceneSpecific, got[0].Source)
	assert.Equal(t, "Empathy", got[0].Label)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScene(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, description FROM scenes WHERE id = \$1`).
		WithArgs("scene-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description"}).AddRow("scene-1", "Upset customer", "A refund call"))
	mock.ExpectQuery(`FROM scenes WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	sc, err := s.GetScene(context.Background(), "scene-1")
	require.NoError(t, err)
	assert.Equal(t, "Upset customer", sc.Name)

	sc, err = s.GetScene(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, sc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO scenes.*ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("scene-1", "Name", "Desc").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`(?s)INSERT INTO criteria.*ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("c1", "basic", "", "Greeting", "", 5, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertScene(context.Background(), model.Scene{ID: "scene-1", Name: "Name", Description: "Desc"}))
	require.NoError(t, s.UpsertCriterion(context.Background(), model.CriterionSpec{ID: "c1", Source: model.SourceBasic, Label: "Greeting", MaxScore: 5}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PingAndMigrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS scenes`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE`).WillReturnError(eris.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
}

func TestNewPostgres_BadConnString(t *testing.T) {
	_, err := NewPostgres(context.Background(), "://bad", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: parse config")
}
