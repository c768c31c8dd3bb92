package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/storage/database"
	"taskboard/storage/database/dialect"
)

// SQLCheckpointStore SQL 检查点存储
type SQLCheckpointStore struct {
	db        database.IDatabase
	tableName string
	dialect   dialect.Dialect
}

// NewSQLCheckpointStore 创建 SQL 检查点存储，tableName 默认 "projection_checkpoints"
func NewSQLCheckpointStore(db database.IDatabase, tableName string) *SQLCheckpointStore {
	if tableName == "" {
		tableName = "projection_checkpoints"
	}
	return &SQLCheckpointStore{db: db, tableName: tableName, dialect: dialect.FromDatabase(db)}
}

// CreateTable 建表（若不存在）
func (s *SQLCheckpointStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(255) PRIMARY KEY,
	position BIGINT NOT NULL DEFAULT 0,
	last_event_id VARCHAR(64) NOT NULL DEFAULT '',
	last_event_time VARCHAR(40) NOT NULL DEFAULT '',
	updated_at VARCHAR(40) NOT NULL
)`, s.tableName)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

func (s *SQLCheckpointStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT name, position, last_event_id, last_event_time, updated_at FROM %s WHERE name = ?", s.tableName),
		name)

	var (
		cp                 Checkpoint
		position           int64
		lastEventTime, upd string
	)
	err := row.Scan(&cp.Name, &position, &cp.LastEventID, &lastEventTime, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}
	cp.Position = uint64(position)
	cp.LastEventTime, _ = time.Parse(time.RFC3339Nano, lastEventTime)
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, upd)
	return &cp, nil
}

// Save 先 UPDATE，无匹配行时 INSERT，在同一事务内完成
func (s *SQLCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}
	checkpoint.UpdatedAt = time.Now().UTC()
	lastEventTime := ""
	if !checkpoint.LastEventTime.IsZero() {
		lastEventTime = checkpoint.LastEventTime.UTC().Format(time.RFC3339Nano)
	}
	updatedAt := checkpoint.UpdatedAt.Format(time.RFC3339Nano)

	err := database.WithinTx(ctx, s.db, func(tx database.ITransaction) error {
		res, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET position = ?, last_event_id = ?, last_event_time = ?, updated_at = ? WHERE name = ?", s.tableName),
			int64(checkpoint.Position), checkpoint.LastEventID, lastEventTime, updatedAt, checkpoint.Name)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (name, position, last_event_id, last_event_time, updated_at) VALUES (?, ?, ?, ?, ?)", s.tableName),
			checkpoint.Name, int64(checkpoint.Position), checkpoint.LastEventID, lastEventTime, updatedAt)
		return err
	})
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

func (s *SQLCheckpointStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.tableName), name); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

var _ ICheckpointStore = (*SQLCheckpointStore)(nil)
