package boardd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"taskboard/app/board"
	"taskboard/eventing/projection"
	projredis "taskboard/eventing/projection/redisstore"
	"taskboard/eventing/projection/sqlstore"
	"taskboard/eventing/store"
	"taskboard/eventing/store/redisstore"
	sqlstorage "taskboard/eventing/store/sql"
	"taskboard/messaging"
	"taskboard/messaging/transport/kafka"
	"taskboard/messaging/transport/memory"
	"taskboard/messaging/transport/natsjetstream"
	"taskboard/messaging/transport/redisstreams"
	"taskboard/storage/database"
	"taskboard/storage/database/basic"
)

// connections 按 DSN 复用数据库与 Redis 连接，事件存储与读模型可共用一个库
type connections struct {
	d     *Daemon
	dbs   map[string]*basic.DB
	redis map[string]redis.UniversalClient
}

func newConnections(d *Daemon) *connections {
	return &connections{d: d, dbs: make(map[string]*basic.DB), redis: make(map[string]redis.UniversalClient)}
}

func (c *connections) sqlite(dsn string) (*basic.DB, error) {
	if db, ok := c.dbs[dsn]; ok {
		return db, nil
	}
	db, err := basic.NewSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	c.dbs[dsn] = db
	c.d.onClose(db.Close)
	return db, nil
}

func (c *connections) redisClient(dsn string) (redis.UniversalClient, error) {
	if cl, ok := c.redis[dsn]; ok {
		return cl, nil
	}
	opts, err := redisOptions(dsn)
	if err != nil {
		return nil, err
	}
	cl := redis.NewUniversalClient(opts)
	c.redis[dsn] = cl
	c.d.onClose(cl.Close)
	return cl, nil
}

// openEventStore 返回事件存储；SQL 后端同时返回其连接，供检查点存储复用
func (d *Daemon) openEventStore(ctx context.Context, conns *connections) (store.IEventStore, database.IDatabase, error) {
	cfg := d.cfg.Store
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryEventStore(), nil, nil
	case "sqlite":
		db, err := conns.sqlite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		es := sqlstorage.NewSQLEventStore(db, cfg.Table)
		if err := es.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return es, db, nil
	case "redis":
		cl, err := conns.redisClient(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := cl.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis event store: %w", err)
		}
		return redisstore.New(cl, cfg.Table+":"), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (d *Daemon) openReadStore(ctx context.Context, conns *connections) (projection.IReadStore[board.BoardView], error) {
	cfg := d.cfg.ReadStore
	switch cfg.Driver {
	case "memory":
		return projection.NewMemoryReadStore[board.BoardView](), nil
	case "sqlite":
		db, err := conns.sqlite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		rs, err := sqlstore.NewSQLReadStore[board.BoardView](db, cfg.Table)
		if err != nil {
			return nil, err
		}
		if err := rs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return rs, nil
	case "redis":
		cl, err := conns.redisClient(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return projredis.New[board.BoardView](cl, cfg.Table+":"), nil
	}
	return nil, fmt.Errorf("unknown readstore driver %q", cfg.Driver)
}

func (d *Daemon) openTransport(conns *connections) (messaging.Transport, error) {
	cfg := d.cfg.Bus
	retry := messaging.DefaultRetryPolicy()
	retry.MaxDeliver = cfg.MaxDeliver
	retry.Backoff = cfg.RetryBackoff

	switch cfg.Driver {
	case "memory":
		return memory.NewMemoryTransport(0, 0, memory.WithRetryPolicy(retry)), nil
	case "nats":
		return natsjetstream.NewTransport(natsjetstream.Config{
			URL:     cfg.URL,
			Stream:  cfg.Stream,
			AckWait: cfg.AckWait,
			Retry:   retry,
		}), nil
	case "redis":
		cl, err := conns.redisClient(cfg.Addr)
		if err != nil {
			return nil, err
		}
		return redisstreams.NewTransport(redisstreams.Config{
			Client:    cl,
			GroupName: cfg.Group,
			Retry:     retry,
		})
	case "kafka":
		return kafka.NewTransport(kafka.Config{
			Brokers: cfg.Brokers,
			GroupID: cfg.Group,
			Retry:   retry,
		})
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
}
