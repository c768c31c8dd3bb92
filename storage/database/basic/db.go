// Package basic 基于 database/sql 实现 database.IDatabase
package basic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	core "taskboard/storage/database"
	"taskboard/storage/database/dialect"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	db      *sql.DB
	driver  string
	dialect dialect.Dialect
}

// New 根据 core.DBConfig 创建数据库实例，默认驱动为纯 Go 的 sqlite
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, err
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, driver: driver, dialect: dialect.New(driver)}, nil
}

// NewSQLite 打开 sqlite 数据库
//
// sqlite 同一时刻只允许一个写连接，连接池限制为 1 以避免 "database is locked"；
// 内存库（":memory:"）同样依赖单连接保证所有语句看到同一个库。
func NewSQLite(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	return New(core.DBConfig{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)}
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d.db, tx: tx, dialect: d.dialect}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }

// GetDialectName 实现 core.IDialectNameProvider，返回底层 driver 名
func (d *DB) GetDialectName() string {
	return d.driver
}

// ExecDDL 执行建表语句（用于初始化与测试）
func (d *DB) ExecDDL(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}
