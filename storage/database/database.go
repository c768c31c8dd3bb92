// Package database 提供通用的数据库抽象接口
//
// 事件存储、读模型存储与检查点存储只依赖这些接口，
// 具体连接由 basic 包基于 database/sql 提供。
package database

import (
	"context"
	"database/sql"
)

// IDatabase 通用数据库接口
type IDatabase interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	Ping(ctx context.Context) error
	Close() error
}

// IDialectNameProvider 可选接口：提供底层数据库方言名称
type IDialectNameProvider interface {
	GetDialectName() string
}

// ITransaction 事务接口
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
}

// DBConfig 数据库配置
type DBConfig struct {
	Driver string // sqlite, postgres, mysql
	DSN    string

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // 秒
}

// WithinTx 在事务中执行 fn，fn 返回错误时回滚
func WithinTx(ctx context.Context, db IDatabase, fn func(tx ITransaction) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
