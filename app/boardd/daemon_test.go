package boardd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/app/board"
	"taskboard/config"
	"taskboard/eventing/projection"
	"taskboard/server"
)

// runDaemon 通过生命周期引擎启动守护进程，返回停止函数
func runDaemon(t *testing.T, cfg config.Config) (*Daemon, func()) {
	t.Helper()
	d := NewWithConfig(cfg)
	e := server.NewEngine(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool {
		return e.State() == server.StateRunning
	}, 5*time.Second, 10*time.Millisecond, "engine state: %s", e.State())

	return d, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func exercise(t *testing.T, d *Daemon) {
	t.Helper()
	ctx := context.Background()
	svc := d.Service()

	r := svc.Dispatch(ctx, board.CreateBoard{Name: "Sprint1", Owner: "alice"})
	require.True(t, r.IsOk(), "%+v", r.Failure)
	id := r.Value.(string)

	r = svc.Dispatch(ctx, board.AddColumn{BoardID: id, Name: "Todo"})
	require.True(t, r.IsOk(), "%+v", r.Failure)
	r = svc.Dispatch(ctx, board.AddCard{BoardID: id, Column: "Todo", Title: "wire it"})
	require.True(t, r.IsOk(), "%+v", r.Failure)

	require.Eventually(t, func() bool {
		r := svc.Query(ctx, board.GetBoardView{BoardID: id})
		if !r.IsOk() {
			return false
		}
		rec := r.Value.(projection.Record[board.BoardView])
		return rec.LastAppliedVersion == 3 && rec.Data.CardsPerColumn["Todo"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_MemoryBackends(t *testing.T) {
	d, stop := runDaemon(t, config.Default())
	defer stop()
	assert.Equal(t, "boardd", d.Name())
	exercise(t, d)
}

func TestDaemon_SQLiteBackends(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "board.db")
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Driver: "sqlite", DSN: dsn, Table: "event_store"}
	cfg.ReadStore = config.StoreConfig{Driver: "sqlite", DSN: dsn, Table: "board_views"}
	cfg.Relay.Interval = 20 * time.Millisecond

	d, stop := runDaemon(t, cfg)
	defer stop()
	require.NotNil(t, d.relay, "SQL 事件存储提供全局流，补发器应启用")
	exercise(t, d)
}

func TestDaemon_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Driver = "carrier-pigeon"
	err := server.NewEngine(NewWithConfig(cfg)).Start(context.Background())
	require.Error(t, err)
}
