// Package sql 基于 database.IDatabase 的事件存储
//
// 每条事件一行，(aggregate_type, aggregate_id, version) 唯一；
// 自增主键 position 作为全局事件流的位置。
package sql

import (
	"context"
	"fmt"

	"taskboard/eventing/store"
	"taskboard/storage/database"
	"taskboard/storage/database/dialect"
)

const columns = "position, id, type, aggregate_id, aggregate_type, version, schema_version, timestamp, payload, metadata"

// SQLEventStore 基于通用 SQL 接口的事件存储
type SQLEventStore struct {
	db        database.IDatabase
	dialect   dialect.Dialect
	tableName string
}

func NewSQLEventStore(db database.IDatabase, tableName string) *SQLEventStore {
	if tableName == "" {
		tableName = "event_store"
	}
	return &SQLEventStore{db: db, dialect: dialect.FromDatabase(db), tableName: tableName}
}

func (s *SQLEventStore) Init(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *SQLEventStore) GetDB() database.IDatabase      { return s.db }
func (s *SQLEventStore) GetTableName() string           { return s.tableName }

// EnsureSchema 建表（若不存在）
func (s *SQLEventStore) EnsureSchema(ctx context.Context) error {
	var pk string
	switch s.dialect.Name() {
	case dialect.NamePostgres:
		pk = "position BIGSERIAL PRIMARY KEY"
	case dialect.NameMySQL:
		pk = "position BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		pk = "position INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	id VARCHAR(64) NOT NULL UNIQUE,
	type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(128) NOT NULL,
	aggregate_type VARCHAR(128) NOT NULL,
	version BIGINT NOT NULL,
	schema_version INTEGER NOT NULL,
	timestamp VARCHAR(40) NOT NULL,
	payload TEXT NOT NULL,
	metadata TEXT NOT NULL,
	UNIQUE (aggregate_type, aggregate_id, version)
)`, s.tableName, pk)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	return nil
}

var (
	_ store.IEventStore      = (*SQLEventStore)(nil)
	_ store.IStreamLoader    = (*SQLEventStore)(nil)
	_ store.IStreamInspector = (*SQLEventStore)(nil)
	_ store.IEventFeed       = (*SQLEventStore)(nil)
)
