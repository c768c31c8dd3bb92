package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskboard/eventing"
	"taskboard/eventing/store"
	"taskboard/logging"
	"taskboard/storage/database"
)

// preparedEvent 预处理的事件数据（用于批量插入）
type preparedEvent struct {
	id            string
	typ           string
	version       uint64
	schemaVersion int
	timestamp     string
	payloadJSON   string
	metadataJSON  string
}

// AppendEvents 在单个事务内完成版本检查与批量插入
//
// 并发写入者都通过版本检查时，由唯一约束兜底，冲突转换为 ConcurrencyError。
func (s *SQLEventStore) AppendEvents(ctx context.Context, key store.StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, eventing.NewStoreError("begin transaction failed", err)
	}
	defer tx.Rollback()

	version, err := s.AppendEventsWithDB(ctx, tx, key, expectedVersion, events)
	if err != nil {
		return version, err
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return expectedVersion, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, expectedVersion+1)
		}
		return 0, eventing.NewStoreError("commit transaction failed", err)
	}
	if len(events) > 0 {
		logging.ComponentLogger("eventing.store.sql").Debug(ctx, "events appended",
			logging.AggregateType(key.AggregateType),
			logging.AggregateID(key.AggregateID),
			logging.Int("event_count", len(events)),
			logging.Version(version))
	}
	return version, nil
}

// AppendEventsWithDB 使用调用方提供的连接（通常是事务）追加事件
func (s *SQLEventStore) AppendEventsWithDB(ctx context.Context, db database.IDatabase, key store.StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error) {
	current, err := s.currentVersion(ctx, db, key)
	if err != nil {
		return 0, eventing.NewStoreError("query current version failed", err)
	}
	if current != expectedVersion {
		return current, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, current)
	}
	if len(events) == 0 {
		return current, nil
	}
	if err := store.ValidateAppend(key, expectedVersion, events); err != nil {
		return current, err
	}

	prepared := make([]preparedEvent, 0, len(events))
	for _, evt := range events {
		payload := string(evt.Payload)
		if payload == "" {
			payload = "null"
		}
		metadata := evt.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return current, eventing.NewInvalidEventError(evt, "serialize metadata: %v", err)
		}
		prepared = append(prepared, preparedEvent{
			id:            evt.ID,
			typ:           evt.Type,
			version:       evt.Version,
			schemaVersion: evt.GetSchemaVersion(),
			timestamp:     evt.Timestamp.UTC().Format(time.RFC3339Nano),
			payloadJSON:   payload,
			metadataJSON:  string(metadataJSON),
		})
	}

	placeholders := make([]string, len(prepared))
	args := make([]any, 0, len(prepared)*9)
	for i, p := range prepared {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			p.id, p.typ, key.AggregateID, key.AggregateType,
			int64(p.version), p.schemaVersion, p.timestamp,
			p.payloadJSON, p.metadataJSON,
		)
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (id, type, aggregate_id, aggregate_type, version, schema_version, timestamp, payload, metadata) VALUES %s",
		s.tableName, strings.Join(placeholders, ","),
	)
	if _, err := db.Exec(ctx, insertSQL, args...); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			actual, verr := s.currentVersion(ctx, db, key)
			if verr != nil || actual == expectedVersion {
				actual = expectedVersion + 1
			}
			return current, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, actual)
		}
		return current, eventing.NewStoreError("insert events failed", err)
	}
	return expectedVersion + uint64(len(events)), nil
}

func (s *SQLEventStore) currentVersion(ctx context.Context, db database.IDatabase, key store.StreamKey) (uint64, error) {
	var current int64
	row := db.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_type = ? AND aggregate_id = ?", s.tableName),
		key.AggregateType, key.AggregateID)
	if err := row.Scan(&current); err != nil {
		return 0, err
	}
	return uint64(current), nil
}
