package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/db"
	"github.com/sells-group/roleplay-eval/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scenes (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS criteria (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL CHECK (source IN ('basic', 'scene', 'secondary')),
	scene_id    TEXT NOT NULL DEFAULT '',
	label       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	max_score   INTEGER NOT NULL DEFAULT 5,
	sort_key    INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluations (
	id                 TEXT PRIMARY KEY,
	recording_id       TEXT NOT NULL UNIQUE,
	scene_id           TEXT NOT NULL,
	total_score        INTEGER NOT NULL CHECK (total_score BETWEEN 0 AND 100),
	summary_comment    TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	prompt_fingerprint TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluation_notes (
	id            TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
	criterion_id  TEXT NOT NULL,
	label         TEXT NOT NULL,
	max_score     INTEGER NOT NULL,
	score         INTEGER NOT NULL CHECK (score >= 1 AND score <= max_score),
	comment       TEXT NOT NULL DEFAULT '',
	synthesized   BOOLEAN NOT NULL DEFAULT false,
	position      INTEGER NOT NULL,
	UNIQUE (evaluation_id, criterion_id)
);

CREATE INDEX IF NOT EXISTS idx_criteria_source_scene ON criteria(source, scene_id, sort_key);
CREATE INDEX IF NOT EXISTS idx_evaluation_notes_evaluation_id ON evaluation_notes(evaluation_id);
`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ListCriteria returns global rows plus rows scoped to sceneID for one source.
func (s *PostgresStore) ListCriteria(ctx context.Context, source model.CriterionSource, sceneID string) ([]model.CriterionSpec, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scene_id, label, description, max_score, source, sort_key
		FROM criteria
		WHERE source = $1 AND (scene_id = '' OR scene_id = $2)
		ORDER BY sort_key, id`,
		string(source), sceneID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s criteria", source)
	}
	defer rows.Close()

	var out []model.CriterionSpec
	for rows.Next() {
		var c model.CriterionSpec
		var src string
		if err := rows.Scan(&c.ID, &c.SceneID, &c.Label, &c.Description, &c.MaxScore, &src, &c.SortKey); err != nil {
			return nil, eris.Wrap(err, "postgres: scan criterion")
		}
		c.Source = model.CriterionSource(src)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate criteria")
}

// GetScene returns nil, nil when the scene does not exist.
func (s *PostgresStore) GetScene(ctx context.Context, sceneID string) (*model.Scene, error) {
	var sc model.Scene
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description FROM scenes WHERE id = $1`, sceneID,
	).Scan(&sc.ID, &sc.Name, &sc.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get scene %s", sceneID)
	}
	return &sc, nil
}

// UpsertScene inserts or updates a scene.
func (s *PostgresStore) UpsertScene(ctx context.Context, sc model.Scene) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scenes (id, name, description, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = now()`,
		sc.ID, sc.Name, sc.Description,
	)
	return eris.Wrapf(err, "postgres: upsert scene %s", sc.ID)
}

// UpsertCriterion inserts or updates a criterion.
func (s *PostgresStore) UpsertCriterion(ctx context.Context, c model.CriterionSpec) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO criteria (id, source, scene_id, label, description, max_score, sort_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source, scene_id = EXCLUDED.scene_id, label = EXCLUDED.label,
			description = EXCLUDED.description, max_score = EXCLUDED.max_score,
			sort_key = EXCLUDED.sort_key, updated_at = now()`,
		c.ID, string(c.Source), c.SceneID, c.Label, c.Description, c.MaxScore, c.SortKey,
	)
	return eris.Wrapf(err, "postgres: upsert criterion %s", c.ID)
}

// SaveEvaluation writes the header and notes for ev.RecordingID, replacing
// any earlier evaluation of that recording and reusing its id. The write runs
// under a transaction-scoped advisory lock keyed by recording id.
func (s *PostgresStore) SaveEvaluation(ctx context.Context, ev *model.Evaluation) (string, error) {
	if err := prepareEvaluation(ev); err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin save evaluation")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zap.L().Error("postgres: rollback save evaluation",
				zap.String("recording_id", ev.RecordingID),
				zap.Error(rbErr),
			)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.RecordingID); err != nil {
		return "", eris.Wrapf(err, "postgres: lock recording %s", ev.RecordingID)
	}

	var id string
	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO evaluations (id, recording_id, scene_id, total_score, summary_comment, model, prompt_fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (recording_id) DO UPDATE SET
			scene_id = EXCLUDED.scene_id, total_score = EXCLUDED.total_score,
			summary_comment = EXCLUDED.summary_comment, model = EXCLUDED.model,
			prompt_fingerprint = EXCLUDED.prompt_fingerprint, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		ev.ID, ev.RecordingID, ev.SceneID, ev.TotalScore, ev.SummaryComment, ev.Model, ev.PromptFingerprint, ev.CreatedAt, ev.UpdatedAt,
	).Scan(&id, &createdAt)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert evaluation %s", ev.RecordingID)
	}

	deleted, err := tx.Exec(ctx, `DELETE FROM evaluation_notes WHERE evaluation_id = $1`, id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: delete prior notes for %s", id)
	}

	// From here on the prior notes are gone inside the transaction.
	n, err := db.CopyFrom(ctx, tx, "evaluation_notes", noteColumns, noteRows(id, ev.Notes))
	if err != nil {
		return "", inconsistent(err, "insert notes for %s", id)
	}
	if int(n) != len(ev.Notes) {
		return "", inconsistent(eris.Errorf("copied %d of %d notes", n, len(ev.Notes)), "insert notes for %s", id)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM evaluation_notes WHERE evaluation_id = $1`, id).Scan(&count); err != nil {
		return "", inconsistent(err, "verify notes for %s", id)
	}
	if count != len(ev.Notes) {
		return "", inconsistent(eris.Errorf("found %d notes, expected %d", count, len(ev.Notes)), "verify notes for %s", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", inconsistent(err, "commit evaluation %s", id)
	}
	committed = true

	ev.ID = id
	ev.CreatedAt = createdAt
	zap.L().Debug("postgres: evaluation saved",
		zap.String("evaluation_id", id),
		zap.String("recording_id", ev.RecordingID),
		zap.Int64("replaced_notes", deleted.RowsAffected()),
		zap.Int("notes", len(ev.Notes)),
	)
	return id, nil
}

// GetEvaluationByRecording returns the evaluation with its notes in rubric
// order, or nil, nil when the recording has not been evaluated.
func (s *PostgresStore) GetEvaluationByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error) {
	var ev model.Evaluation
	err := s.pool.QueryRow(ctx,
		`SELECT id, recording_id, scene_id, total_score, summary_comment, model, prompt_fingerprint, created_at, updated_at
		FROM evaluations WHERE recording_id = $1`, recordingID,
	).Scan(&ev.ID, &ev.RecordingID, &ev.SceneID, &ev.TotalScore, &ev.SummaryComment, &ev.Model, &ev.PromptFingerprint, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evaluation for %s", recordingID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, criterion_id, label, max_score, score, comment, synthesized
		FROM evaluation_notes WHERE evaluation_id = $1 ORDER BY position`, ev.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list notes for %s", ev.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var n model.ReconciledNote
		if err := rows.Scan(&n.ID, &n.CriterionID, &n.Label, &n.MaxScore, &n.Score, &n.Comment, &n.Synthesized); err != nil {
			return nil, eris.Wrap(err, "postgres: scan note")
		}
		ev.Notes = append(ev.Notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate notes")
	}
	return &ev, nil
}
