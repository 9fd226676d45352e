package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/roleplay-eval/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas are per connection; a single writer connection keeps them applied.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scenes (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS criteria (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL CHECK (source IN ('basic', 'scene', 'secondary')),
	scene_id    TEXT NOT NULL DEFAULT '',
	label       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	max_score   INTEGER NOT NULL DEFAULT 5,
	sort_key    INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS evaluations (
	id                 TEXT PRIMARY KEY,
	recording_id       TEXT NOT NULL UNIQUE,
	scene_id           TEXT NOT NULL,
	total_score        INTEGER NOT NULL CHECK (total_score BETWEEN 0 AND 100),
	summary_comment    TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	prompt_fingerprint TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluation_notes (
	id            TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
	criterion_id  TEXT NOT NULL,
	label         TEXT NOT NULL,
	max_score     INTEGER NOT NULL,
	score         INTEGER NOT NULL CHECK (score >= 1 AND score <= max_score),
	comment       TEXT NOT NULL DEFAULT '',
	synthesized   INTEGER NOT NULL DEFAULT 0,
	position      INTEGER NOT NULL,
	UNIQUE (evaluation_id, criterion_id)
);

CREATE INDEX IF NOT EXISTS idx_criteria_source_scene ON criteria(source, scene_id, sort_key);
CREATE INDEX IF NOT EXISTS idx_evaluation_notes_evaluation_id ON evaluation_notes(evaluation_id);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListCriteria(ctx context.Context, source model.CriterionSource, sceneID string) ([]model.CriterionSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scene_id, label, description, max_score, source, sort_key
		FROM criteria
		WHERE source = ? AND (scene_id = '' OR scene_id = ?)
		ORDER BY sort_key, id`,
		string(source), sceneID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s criteria", source)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CriterionSpec
	for rows.Next() {
		var c model.CriterionSpec
		var src string
		if err := rows.Scan(&c.ID, &c.SceneID, &c.Label, &c.Description, &c.MaxScore, &src, &c.SortKey); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan criterion")
		}
		c.Source = model.CriterionSource(src)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate criteria")
}

func (s *SQLiteStore) GetScene(ctx context.Context, sceneID string) (*model.Scene, error) {
	var sc model.Scene
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM scenes WHERE id = ?`, sceneID,
	).Scan(&sc.ID, &sc.Name, &sc.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get scene %s", sceneID)
	}
	return &sc, nil
}

func (s *SQLiteStore) UpsertScene(ctx context.Context, sc model.Scene) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenes (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = datetime('now')`,
		sc.ID, sc.Name, sc.Description,
	)
	return eris.Wrapf(err, "sqlite: upsert scene %s", sc.ID)
}

func (s *SQLiteStore) UpsertCriterion(ctx context.Context, c model.CriterionSpec) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO criteria (id, source, scene_id, label, description, max_score, sort_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source, scene_id = excluded.scene_id, label = excluded.label,
			description = excluded.description, max_score = excluded.max_score,
			sort_key = excluded.sort_key, updated_at = datetime('now')`,
		c.ID, string(c.Source), c.SceneID, c.Label, c.Description, c.MaxScore, c.SortKey,
	)
	return eris.Wrapf(err, "sqlite: upsert criterion %s", c.ID)
}

// SaveEvaluation mirrors PostgresStore.SaveEvaluation. SQLite serializes
// writers, so no explicit lock is taken.
func (s *SQLiteStore) SaveEvaluation(ctx context.Context, ev *model.Evaluation) (string, error) {
	if err := prepareEvaluation(ev); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin save evaluation")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			zap.L().Error("sqlite: rollback save evaluation",
				zap.String("recording_id", ev.RecordingID),
				zap.Error(rbErr),
			)
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO evaluations (id, recording_id, scene_id, total_score, summary_comment, model, prompt_fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recording_id) DO UPDATE SET
			scene_id = excluded.scene_id, total_score = excluded.total_score,
			summary_comment = excluded.summary_comment, model = excluded.model,
			prompt_fingerprint = excluded.prompt_fingerprint, updated_at = excluded.updated_at
		RETURNING id`,
		ev.ID, ev.RecordingID, ev.SceneID, ev.TotalScore, ev.SummaryComment, ev.Model, ev.PromptFingerprint, ev.CreatedAt, ev.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert evaluation %s", ev.RecordingID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM evaluation_notes WHERE evaluation_id = ?`, id); err != nil {
		return "", eris.Wrapf(err, "sqlite: delete prior notes for %s", id)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO evaluation_notes (id, evaluation_id, criterion_id, label, max_score, score, comment, synthesized, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", inconsistent(err, "prepare note insert for %s", id)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range noteRows(id, ev.Notes) {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return "", inconsistent(err, "insert note for %s", id)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM evaluation_notes WHERE evaluation_id = ?`, id).Scan(&count); err != nil {
		return "", inconsistent(err, "verify notes for %s", id)
	}
	if count != len(ev.Notes) {
		return "", inconsistent(eris.Errorf("found %d notes, expected %d", count, len(ev.Notes)), "verify notes for %s", id)
	}

	if err := tx.Commit(); err != nil {
		return "", inconsistent(err, "commit evaluation %s", id)
	}
	committed = true

	if id != ev.ID {
		// Re-evaluation: the stored header kept its original creation time.
		if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM evaluations WHERE id = ?`, id).Scan(&ev.CreatedAt); err != nil {
			zap.L().Warn("sqlite: reload created_at", zap.String("evaluation_id", id), zap.Error(err))
		}
	}
	ev.ID = id
	return id, nil
}

func (s *SQLiteStore) GetEvaluationByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error) {
	var ev model.Evaluation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recording_id, scene_id, total_score, summary_comment, model, prompt_fingerprint, created_at, updated_at
		FROM evaluations WHERE recording_id = ?`, recordingID,
	).Scan(&ev.ID, &ev.RecordingID, &ev.SceneID, &ev.TotalScore, &ev.SummaryComment, &ev.Model, &ev.PromptFingerprint, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evaluation for %s", recordingID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, criterion_id, label, max_score, score, comment, synthesized
		FROM evaluation_notes WHERE evaluation_id = ? ORDER BY position`, ev.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list notes for %s", ev.ID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var n model.ReconciledNote
		if err := rows.Scan(&n.ID, &n.CriterionID, &n.Label, &n.MaxScore, &n.Score, &n.Comment, &n.Synthesized); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan note")
		}
		ev.Notes = append(ev.Notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate notes")
	}
	return &ev, nil
}
