package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

const timelineColumns = `id, user_id, event_type, entity_ids, source_id, interpretation_id, occurred_at, fields`

func insertTimelineEvent(ctx context.Context, q dbtx, e *types.TimelineEvent) error {
	entityIDs := "[]"
	if len(e.EntityIDs) > 0 {
		data, err := json.Marshal(e.EntityIDs)
		if err != nil {
			return wrapDBError("encode event entity ids", err)
		}
		entityIDs = string(data)
	}
	fields, err := marshalJSON(e.Fields)
	if err != nil {
		return wrapDBError("encode event fields", err)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO timeline_events (id, user_id, event_type, entity_ids, source_id, interpretation_id, occurred_at, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.EventType, entityIDs, nullString(e.SourceID),
		nullString(e.InterpretationID), e.OccurredAt.UTC(), fields)
	if err != nil {
		return wrapDBErrorf(err, "insert timeline event %s", e.ID)
	}
	// Join rows so events are findable by any entity they touch.
	for _, entityID := range e.EntityIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO timeline_event_entities (event_id, entity_id) VALUES (?, ?)
		`, e.ID, entityID); err != nil {
			return wrapDBErrorf(err, "link event %s to entity %s", e.ID, entityID)
		}
	}
	return nil
}

func scanTimelineEvent(row interface{ Scan(...interface{}) error }) (*types.TimelineEvent, error) {
	var e types.TimelineEvent
	var entityIDs, fields string
	var sourceID, interpretationID sql.NullString
	if err := row.Scan(&e.ID, &e.UserID, &e.EventType, &entityIDs, &sourceID,
		&interpretationID, &e.OccurredAt, &fields); err != nil {
		return nil, err
	}
	e.SourceID = sourceID.String
	e.InterpretationID = interpretationID.String
	e.OccurredAt = e.OccurredAt.UTC()
	var err error
	if e.EntityIDs, err = unmarshalStrings(entityIDs); err != nil {
		return nil, err
	}
	f, err := unmarshalFields(fields)
	if err != nil {
		return nil, err
	}
	if len(f) > 0 {
		e.Fields = f
	}
	return &e, nil
}

func getTimelineEvent(ctx context.Context, q dbtx, userID, id string) (*types.TimelineEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+timelineColumns+` FROM timeline_events WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanTimelineEvent(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get timeline event %s", id)
	}
	return e, nil
}

// listTimelineEvents returns events in the window, newest first.
func listTimelineEvents(ctx context.Context, q dbtx, filter types.EventFilter) ([]*types.TimelineEvent, error) {
	query := `SELECT ` + timelineColumns + ` FROM timeline_events WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.EntityID != "" {
		query += ` AND id IN (SELECT event_id FROM timeline_event_entities WHERE entity_id = ?)`
		args = append(args, filter.EntityID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.From != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, filter.To.UTC())
	}
	query += ` ORDER BY occurred_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list timeline events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan timeline event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// insertSourceEntityEdge is idempotent: re-observing the same edge is a no-op.
func insertSourceEntityEdge(ctx context.Context, q dbtx, e *types.SourceEntityEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.EdgeType == "" {
		e.EdgeType = types.EdgeObserved
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO source_entity_edges (source_id, entity_id, user_id, edge_type, interpretation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.SourceID, e.EntityID, e.UserID, e.EdgeType, nullString(e.InterpretationID), e.CreatedAt.UTC())
	return wrapDBErrorf(err, "insert source-entity edge %s->%s", e.SourceID, e.EntityID)
}

func insertSourceEventEdge(ctx context.Context, q dbtx, e *types.SourceEventEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.EdgeType == "" {
		e.EdgeType = types.EdgeEmitted
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO source_event_edges (source_id, event_id, user_id, edge_type, interpretation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.SourceID, e.EventID, e.UserID, e.EdgeType, nullString(e.InterpretationID), e.CreatedAt.UTC())
	return wrapDBErrorf(err, "insert source-event edge %s->%s", e.SourceID, e.EventID)
}

func scanSourceEntityEdges(rows *sql.Rows) ([]*types.SourceEntityEdge, error) {
	var edges []*types.SourceEntityEdge
	for rows.Next() {
		var e types.SourceEntityEdge
		var interpretationID sql.NullString
		if err := rows.Scan(&e.SourceID, &e.EntityID, &e.EdgeType, &interpretationID, &e.CreatedAt); err != nil {
			return nil, wrapDBError("scan source-entity edge", err)
		}
		e.InterpretationID = interpretationID.String
		e.CreatedAt = e.CreatedAt.UTC()
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

func listEntitySourceEdges(ctx context.Context, q dbtx, userID, entityID string) ([]*types.SourceEntityEdge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_id, entity_id, edge_type, interpretation_id, created_at
		FROM source_entity_edges WHERE user_id = ? AND entity_id = ?
		ORDER BY created_at, source_id
	`, userID, entityID)
	if err != nil {
		return nil, wrapDBError("list entity source edges", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSourceEntityEdges(rows)
}

func listSourceEntityEdges(ctx context.Context, q dbtx, userID, sourceID string) ([]*types.SourceEntityEdge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_id, entity_id, edge_type, interpretation_id, created_at
		FROM source_entity_edges WHERE user_id = ? AND source_id = ?
		ORDER BY created_at, entity_id
	`, userID, sourceID)
	if err != nil {
		return nil, wrapDBError("list source entity edges", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSourceEntityEdges(rows)
}

func listEventSourceEdges(ctx context.Context, q dbtx, userID, eventID string) ([]*types.SourceEventEdge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_id, event_id, edge_type, interpretation_id, created_at
		FROM source_event_edges WHERE user_id = ? AND event_id = ?
		ORDER BY created_at, source_id
	`, userID, eventID)
	if err != nil {
		return nil, wrapDBError("list event source edges", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*types.SourceEventEdge
	for rows.Next() {
		var e types.SourceEventEdge
		var interpretationID sql.NullString
		if err := rows.Scan(&e.SourceID, &e.EventID, &e.EdgeType, &interpretationID, &e.CreatedAt); err != nil {
			return nil, wrapDBError("scan source-event edge", err)
		}
		e.InterpretationID = interpretationID.String
		e.CreatedAt = e.CreatedAt.UTC()
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

func (s *Store) AppendTimelineEvent(ctx context.Context, e *types.TimelineEvent) error {
	return insertTimelineEvent(ctx, s.db, e)
}

func (s *Store) GetTimelineEvent(ctx context.Context, userID, id string) (*types.TimelineEvent, error) {
	return getTimelineEvent(ctx, s.db, userID, id)
}

func (s *Store) ListTimelineEvents(ctx context.Context, filter types.EventFilter) ([]*types.TimelineEvent, error) {
	return listTimelineEvents(ctx, s.db, filter)
}

func (s *Store) AddSourceEntityEdge(ctx context.Context, e *types.SourceEntityEdge) error {
	return insertSourceEntityEdge(ctx, s.db, e)
}

func (s *Store) AddSourceEventEdge(ctx context.Context, e *types.SourceEventEdge) error {
	return insertSourceEventEdge(ctx, s.db, e)
}

func (s *Store) ListEntitySourceEdges(ctx context.Context, userID, entityID string) ([]*types.SourceEntityEdge, error) {
	return listEntitySourceEdges(ctx, s.db, userID, entityID)
}

func (s *Store) ListSourceEntityEdges(ctx context.Context, userID, sourceID string) ([]*types.SourceEntityEdge, error) {
	return listSourceEntityEdges(ctx, s.db, userID, sourceID)
}

func (s *Store) ListEventSourceEdges(ctx context.Context, userID, eventID string) ([]*types.SourceEventEdge, error) {
	return listEventSourceEdges(ctx, s.db, userID, eventID)
}
