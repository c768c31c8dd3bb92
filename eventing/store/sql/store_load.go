package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskboard/eventing"
	"taskboard/eventing/store"
	"taskboard/storage/database"
)

func (s *SQLEventStore) ReadStream(ctx context.Context, key store.StreamKey) ([]eventing.Event, error) {
	return s.LoadEvents(ctx, key, 0)
}

func (s *SQLEventStore) LoadEvents(ctx context.Context, key store.StreamKey, afterVersion uint64) ([]eventing.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE aggregate_type = ? AND aggregate_id = ? AND version > ? ORDER BY version ASC", columns, s.tableName)
	rows, err := s.db.Query(ctx, query, key.AggregateType, key.AggregateID, int64(afterVersion))
	if err != nil {
		return nil, eventing.NewStoreError("load events failed", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLEventStore) GetStreamVersion(ctx context.Context, key store.StreamKey) (uint64, error) {
	version, err := s.currentVersion(ctx, s.db, key)
	if err != nil {
		return 0, eventing.NewStoreError("query stream version failed", err)
	}
	return version, nil
}

// ReadAll 按全局位置读取，limit <= 0 时使用 100
func (s *SQLEventStore) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]eventing.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE position > ? ORDER BY position ASC LIMIT ?", columns, s.tableName)
	rows, err := s.db.Query(ctx, query, int64(afterPosition), limit)
	if err != nil {
		return nil, eventing.NewStoreError("read all events failed", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows database.IRows) ([]eventing.Event, error) {
	events := []eventing.Event{}
	for rows.Next() {
		var (
			position, version int64
			id, typ           string
			aggID, aggType    string
			schema            int
			ts                string
			payloadJSON       string
			metadataJSON      string
		)
		if err := rows.Scan(&position, &id, &typ, &aggID, &aggType, &version, &schema, &ts, &payloadJSON, &metadataJSON); err != nil {
			return nil, eventing.NewStoreError("scan event row failed", err)
		}
		timestamp, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, eventing.NewStoreError(fmt.Sprintf("parse timestamp of event %s", id), err)
		}
		metadata := map[string]any{}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
				return nil, eventing.NewStoreError(fmt.Sprintf("unmarshal metadata of event %s", id), err)
			}
		}
		events = append(events, eventing.Event{
			ID:            id,
			Type:          typ,
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       uint64(version),
			SchemaVersion: schema,
			Timestamp:     timestamp,
			Payload:       json.RawMessage(payloadJSON),
			Metadata:      metadata,
			Position:      uint64(position),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventing.NewStoreError("iterate event rows failed", err)
	}
	return events, nil
}
