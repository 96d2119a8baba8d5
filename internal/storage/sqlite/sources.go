package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

const sourceColumns = `id, user_id, content_hash, storage_url, mime_type, file_size, original_filename, provenance, created_at`

func insertSource(ctx context.Context, q dbtx, src *types.Source) error {
	provenance, err := marshalJSON(src.Provenance)
	if err != nil {
		return wrapDBError("encode source provenance", err)
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sources (id, user_id, content_hash, storage_url, mime_type, file_size, original_filename, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, src.UserID, src.ContentHash, src.StorageURL, src.MimeType, src.FileSize, src.OriginalFilename, provenance, src.CreatedAt)
	return wrapDBErrorf(err, "insert source %s", src.ID)
}

func scanSource(row interface{ Scan(...interface{}) error }) (*types.Source, error) {
	var src types.Source
	var provenance string
	if err := row.Scan(&src.ID, &src.UserID, &src.ContentHash, &src.StorageURL, &src.MimeType,
		&src.FileSize, &src.OriginalFilename, &provenance, &src.CreatedAt); err != nil {
		return nil, err
	}
	fields, err := unmarshalFields(provenance)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		src.Provenance = fields
	}
	src.CreatedAt = src.CreatedAt.UTC()
	return &src, nil
}

func getSource(ctx context.Context, q dbtx, userID, id string) (*types.Source, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id = ? AND id = ?`, userID, id)
	src, err := scanSource(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get source %s", id)
	}
	return src, nil
}

func getSourceByContentHash(ctx context.Context, q dbtx, userID, contentHash string) (*types.Source, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id = ? AND content_hash = ?`, userID, contentHash)
	src, err := scanSource(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get source by hash %s", contentHash)
	}
	return src, nil
}

func listSources(ctx context.Context, q dbtx, filter types.SourceFilter) ([]*types.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.MimeType != "" {
		query += ` AND mime_type = ?`
		args = append(args, filter.MimeType)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit), filter.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list sources", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*types.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, wrapDBError("scan source", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

const interpretationColumns = `id, user_id, source_id, provider, model_id, temperature, prompt_hash, code_version, started_at, finished_at, status, error`

func insertInterpretation(ctx context.Context, q dbtx, in *types.Interpretation, configHash string) error {
	if in.StartedAt.IsZero() {
		in.StartedAt = time.Now().UTC()
	}
	if in.Status == "" {
		in.Status = types.InterpretationRunning
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO interpretations (id, user_id, source_id, provider, model_id, temperature, prompt_hash, code_version, config_hash, started_at, finished_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.UserID, in.SourceID, in.Config.Provider, in.Config.ModelID, in.Config.Temperature,
		in.Config.PromptHash, in.Config.CodeVersion, configHash, in.StartedAt, nullTime(in.FinishedAt), in.Status, in.Error)
	return wrapDBErrorf(err, "insert interpretation %s", in.ID)
}

func scanInterpretation(row interface{ Scan(...interface{}) error }) (*types.Interpretation, error) {
	var in types.Interpretation
	var finishedAt sql.NullTime
	if err := row.Scan(&in.ID, &in.UserID, &in.SourceID, &in.Config.Provider, &in.Config.ModelID,
		&in.Config.Temperature, &in.Config.PromptHash, &in.Config.CodeVersion,
		&in.StartedAt, &finishedAt, &in.Status, &in.Error); err != nil {
		return nil, err
	}
	in.StartedAt = in.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		in.FinishedAt = &t
	}
	return &in, nil
}

func getInterpretation(ctx context.Context, q dbtx, userID, id string) (*types.Interpretation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+interpretationColumns+` FROM interpretations WHERE user_id = ? AND id = ?`, userID, id)
	in, err := scanInterpretation(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get interpretation %s", id)
	}
	return in, nil
}

func findInterpretationByConfig(ctx context.Context, q dbtx, userID, sourceID, configHash string) (*types.Interpretation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+interpretationColumns+` FROM interpretations
		WHERE user_id = ? AND source_id = ? AND config_hash = ?
		ORDER BY started_at DESC LIMIT 1
	`, userID, sourceID, configHash)
	in, err := scanInterpretation(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "find interpretation by config %s", configHash)
	}
	return in, nil
}

// finishInterpretation moves a running interpretation to a terminal status.
// Terminal interpretations are immutable: a second finish is rejected.
func finishInterpretation(ctx context.Context, q dbtx, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error {
	if !status.IsTerminal() {
		return wrapDBErrorf(storage.ErrImmutable, "finish interpretation %s with non-terminal status %s", id, status)
	}
	result, err := q.ExecContext(ctx, `
		UPDATE interpretations SET status = ?, error = ?, finished_at = ?
		WHERE user_id = ? AND id = ? AND status = 'running'
	`, status, errMsg, finishedAt.UTC(), userID, id)
	if err != nil {
		return wrapDBErrorf(err, "finish interpretation %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if rows == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, err := getInterpretation(ctx, q, userID, id); err != nil {
			return err
		}
		return wrapDBErrorf(storage.ErrImmutable, "interpretation %s already finished", id)
	}
	return nil
}

func listInterpretations(ctx context.Context, q dbtx, filter types.InterpretationFilter) ([]*types.Interpretation, error) {
	query := `SELECT ` + interpretationColumns + ` FROM interpretations WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list interpretations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Interpretation
	for rows.Next() {
		in, err := scanInterpretation(rows)
		if err != nil {
			return nil, wrapDBError("scan interpretation", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func countInterpretationsSince(ctx context.Context, q dbtx, userID string, since time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interpretations WHERE user_id = ? AND started_at >= ?
	`, userID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count interpretations", err)
	}
	return count, nil
}

// Store methods delegating to the shared helpers.

func (s *Store) CreateSource(ctx context.Context, src *types.Source) error {
	return insertSource(ctx, s.db, src)
}

func (s *Store) GetSource(ctx context.Context, userID, id string) (*types.Source, error) {
	return getSource(ctx, s.db, userID, id)
}

func (s *Store) GetSourceByContentHash(ctx context.Context, userID, contentHash string) (*types.Source, error) {
	return getSourceByContentHash(ctx, s.db, userID, contentHash)
}

func (s *Store) ListSources(ctx context.Context, filter types.SourceFilter) ([]*types.Source, error) {
	return listSources(ctx, s.db, filter)
}

func (s *Store) CreateInterpretation(ctx context.Context, in *types.Interpretation) error {
	return insertInterpretation(ctx, s.db, in, in.Config.Hash())
}

func (s *Store) GetInterpretation(ctx context.Context, userID, id string) (*types.Interpretation, error) {
	return getInterpretation(ctx, s.db, userID, id)
}

func (s *Store) FindInterpretationByConfig(ctx context.Context, userID, sourceID, configHash string) (*types.Interpretation, error) {
	return findInterpretationByConfig(ctx, s.db, userID, sourceID, configHash)
}

func (s *Store) FinishInterpretation(ctx context.Context, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error {
	return finishInterpretation(ctx, s.db, userID, id, status, errMsg, finishedAt)
}

func (s *Store) ListInterpretations(ctx context.Context, filter types.InterpretationFilter) ([]*types.Interpretation, error) {
	return listInterpretations(ctx, s.db, filter)
}

func (s *Store) CountInterpretationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return countInterpretationsSince(ctx, s.db, userID, since)
}
