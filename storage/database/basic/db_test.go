package basic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "taskboard/storage/database"
)

func TestSQLite_ExecQueryAndTx(t *testing.T) {
	db, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.ExecDDL(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`))
	assert.Equal(t, "sqlite", db.GetDialectName())

	_, err = db.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", 1)
	require.NoError(t, err)

	boom := errors.New("abort")
	err = core.WithinTx(ctx, db, func(tx core.ITransaction) error {
		if _, err := tx.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", 2); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, core.WithinTx(ctx, db, func(tx core.ITransaction) error {
		_, err := tx.Exec(ctx, `UPDATE kv SET v = v + 10 WHERE k = ?`, "a")
		return err
	}))

	rows, err := db.Query(ctx, `SELECT k, v FROM kv ORDER BY k`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var k string
		var v int
		require.NoError(t, rows.Scan(&k, &v))
		got = append(got, k)
		assert.Equal(t, 11, v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a"}, got, "回滚的事务不应留下数据")
}

func TestTx_NoNesting(t *testing.T) {
	db, err := NewSQLite("")
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Begin(context.Background())
	assert.Error(t, err)
}
