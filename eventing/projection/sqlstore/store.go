// Package sqlstore 基于 database.IDatabase 的读模型存储，数据列保存 JSON
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskboard/eventing/projection"
	"taskboard/storage/database"
	"taskboard/storage/database/dialect"
)

// SQLReadStore 读模型表：id 主键，data 为 JSON，last_applied_version 用于版本门控
type SQLReadStore[T any] struct {
	db        database.IDatabase
	dialect   dialect.Dialect
	tableName string
}

func NewSQLReadStore[T any](db database.IDatabase, tableName string) (*SQLReadStore[T], error) {
	if tableName == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	return &SQLReadStore[T]{db: db, dialect: dialect.FromDatabase(db), tableName: tableName}, nil
}

// EnsureSchema 建表（若不存在）
func (s *SQLReadStore[T]) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(128) PRIMARY KEY,
	data TEXT NOT NULL,
	last_applied_version BIGINT NOT NULL,
	updated_at VARCHAR(40) NOT NULL
)`, s.tableName)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	return nil
}

func (s *SQLReadStore[T]) Get(ctx context.Context, id string) (projection.Record[T], error) {
	var (
		rec       projection.Record[T]
		data      string
		version   int64
		updatedAt string
	)
	row := s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT data, last_applied_version, updated_at FROM %s WHERE id = ?", s.tableName), id)
	if err := row.Scan(&data, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, projection.ErrRecordNotFound
		}
		return rec, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return rec, fmt.Errorf("decode read model %s: %w", id, err)
	}
	rec.ID = id
	rec.LastAppliedVersion = uint64(version)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// Upsert 条件更新：仅当已存储版本更小时覆盖；无行则插入，主键冲突视为被并发写入抢先
func (s *SQLReadStore[T]) Upsert(ctx context.Context, rec projection.Record[T]) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode read model %s: %w", rec.ID, err)
	}
	updatedAt := rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	version := int64(rec.LastAppliedVersion)

	return database.WithinTx(ctx, s.db, func(tx database.ITransaction) error {
		res, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET data = ?, last_applied_version = ?, updated_at = ? WHERE id = ? AND last_applied_version < ?", s.tableName),
			string(data), version, updatedAt, rec.ID, version)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}

		var exists int
		err = tx.QueryRow(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.tableName), rec.ID).Scan(&exists)
		switch {
		case err == nil:
			return projection.ErrStaleVersion
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (id, data, last_applied_version, updated_at) VALUES (?, ?, ?, ?)", s.tableName),
			rec.ID, string(data), version, updatedAt)
		if err != nil && s.dialect.IsUniqueViolation(err) {
			return projection.ErrStaleVersion
		}
		return err
	})
}

// List 按 ID 排序返回所有记录
func (s *SQLReadStore[T]) List(ctx context.Context) ([]projection.Record[T], error) {
	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT id, data, last_applied_version, updated_at FROM %s ORDER BY id", s.tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []projection.Record[T]
	for rows.Next() {
		var (
			rec       projection.Record[T]
			data      string
			version   int64
			updatedAt string
		)
		if err := rows.Scan(&rec.ID, &data, &version, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("decode read model %s: %w", rec.ID, err)
		}
		rec.LastAppliedVersion = uint64(version)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ projection.IReadStore[struct{}] = (*SQLReadStore[struct{}])(nil)
