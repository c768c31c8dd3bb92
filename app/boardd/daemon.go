// Package boardd 组装看板服务进程：存储、总线、仓储、服务、读模型消费者与补发器
package boardd

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"taskboard/app/board"
	"taskboard/config"
	"taskboard/domain/eventsourced"
	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/integration/relay"
	"taskboard/eventing/projection"
	"taskboard/eventing/store"
	"taskboard/logging"
	"taskboard/messaging"
	"taskboard/messaging/middleware"
	"taskboard/server"
	"taskboard/storage/database"
)

// Daemon boardd 的 server.IServer 实现
type Daemon struct {
	configPath string
	cfg        config.Config
	loaded     bool
	log        logging.Logger
	zap        *logging.ZapLogger

	registry  *eventing.Registry
	events    store.IEventStore
	transport messaging.Transport
	bus       *messaging.MessageBus
	views     projection.IReadStore[board.BoardView]
	consumer  *projection.Consumer[board.BoardView]
	relay     *relay.Relay
	service   *board.Service

	closers []func() error
}

// New 从配置文件创建；path 为空时仅使用默认值与环境变量
func New(configPath string) *Daemon {
	return &Daemon{configPath: configPath}
}

// NewWithConfig 使用已加载的配置（测试或嵌入场景）
func NewWithConfig(cfg config.Config) *Daemon {
	return &Daemon{cfg: cfg, loaded: true}
}

func (d *Daemon) Name() string {
	if d.cfg.Service.Name != "" {
		return d.cfg.Service.Name
	}
	return "boardd"
}

// Service 命令/查询入口，SetupDependencies 之后可用
func (d *Daemon) Service() *board.Service { return d.service }

func (d *Daemon) Config() config.Config { return d.cfg }

func (d *Daemon) LoadConfig() error {
	if !d.loaded {
		cfg, err := config.Load(d.configPath)
		if err != nil {
			return err
		}
		d.cfg = cfg
		d.loaded = true

		zl, err := logging.NewZapLogger(logging.ZapOptions{
			Level:  logging.ParseLevel(cfg.Log.Level),
			Format: cfg.Log.Format,
		})
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		d.zap = zl
		logging.SetLogger(zl.WithFields(logging.String("service", cfg.Service.Name)))
	} else if err := d.cfg.Validate(); err != nil {
		return err
	}
	d.log = logging.ComponentLogger("boardd")
	return nil
}

func (d *Daemon) onClose(fn func() error) { d.closers = append(d.closers, fn) }

func (d *Daemon) SetupDependencies(ctx context.Context) error {
	registry, err := board.NewRegistry()
	if err != nil {
		return err
	}
	d.registry = registry

	conns := newConnections(d)

	events, feedDB, err := d.openEventStore(ctx, conns)
	if err != nil {
		return err
	}
	d.events = store.NewTracingEventStore(events, nil)

	d.transport, err = d.openTransport(conns)
	if err != nil {
		return err
	}
	d.bus = messaging.NewMessageBus(d.transport)
	d.bus.Use(middleware.NewTracingMiddleware(nil))

	d.views, err = d.openReadStore(ctx, conns)
	if err != nil {
		return err
	}

	publisher, err := integration.NewPublisher(integration.PublisherOptions{Bus: d.bus})
	if err != nil {
		return err
	}
	repo, err := eventsourced.NewRepository(eventsourced.RepositoryOptions[*board.Board]{
		AggregateType: board.AggregateType,
		Factory:       board.Factory(registry),
		Store:         d.events,
		Publisher:     publisher,
	})
	if err != nil {
		return err
	}
	d.service, err = board.NewService(board.ServiceOptions{
		Registry:        registry,
		Repository:      repo,
		Views:           d.views,
		Timeout:         d.cfg.Command.Timeout,
		ConflictRetries: d.cfg.Command.ConflictRetries,
	})
	if err != nil {
		return err
	}

	d.consumer, err = board.NewViewConsumer(registry, d.views, func(o *projection.ConsumerOptions[board.BoardView]) {
		o.RequireContiguous = d.cfg.Consumer.RequireContiguous
		o.Backfill = d.events
	})
	if err != nil {
		return err
	}

	if d.cfg.Relay.Enabled {
		feed, ok := store.FeedOf(d.events)
		if !ok {
			d.log.Warn(ctx, "event store has no global feed, relay disabled; unpublished events are backfilled by the view consumer on the next write",
				logging.String("driver", d.cfg.Store.Driver))
		} else {
			checkpoints, err := d.openCheckpoints(ctx, feedDB)
			if err != nil {
				return err
			}
			d.relay, err = relay.New(relay.Options{
				Name:           "boardd.relay",
				Feed:           feed,
				Publisher:      publisher,
				Checkpoints:    checkpoints,
				AggregateTypes: []string{board.AggregateType},
				Interval:       d.cfg.Relay.Interval,
				BatchSize:      d.cfg.Relay.BatchSize,
			})
			if err != nil {
				return err
			}
		}
	}

	d.log.Info(ctx, "dependencies ready",
		logging.String("store", d.cfg.Store.Driver),
		logging.String("readstore", d.cfg.ReadStore.Driver),
		logging.String("bus", d.cfg.Bus.Driver),
		logging.Bool("relay", d.relay != nil))
	return nil
}

func (d *Daemon) openCheckpoints(ctx context.Context, db database.IDatabase) (projection.ICheckpointStore, error) {
	if db == nil {
		return projection.NewMemoryCheckpointStore(), nil
	}
	cps := projection.NewSQLCheckpointStore(db, "")
	if err := cps.CreateTable(ctx); err != nil {
		return nil, err
	}
	return cps, nil
}

func (d *Daemon) StartBackgroundTasks(ctx context.Context) error {
	if _, err := d.consumer.Subscribe(ctx, d.bus, board.AggregateType); err != nil {
		return fmt.Errorf("subscribe board view consumer: %w", err)
	}
	if err := d.transport.Start(ctx); err != nil {
		return fmt.Errorf("start %s transport: %w", d.cfg.Bus.Driver, err)
	}
	return nil
}

// Run 运行补发器直到 ctx 结束
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if d.relay != nil {
		g.Go(func() error { return d.relay.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	if d.transport != nil {
		if err := d.transport.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transport: %w", err)
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.consumer != nil {
		stats := d.consumer.Stats()
		d.log.Info(ctx, "board view consumer stopped",
			logging.Int64("applied", stats.Applied),
			logging.Int64("skipped", stats.Skipped),
			logging.Int64("failed", stats.Failed))
	}
	if d.zap != nil {
		_ = d.zap.Sync()
	}
	return firstErr
}

// redisOptions 支持 redis:// URL 或 host:port
func redisOptions(dsn string) (*redis.UniversalOptions, error) {
	if strings.Contains(dsn, "://") {
		opt, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &redis.UniversalOptions{
			Addrs:    []string{opt.Addr},
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		}, nil
	}
	return &redis.UniversalOptions{Addrs: []string{dsn}}, nil
}

var _ server.IServer = (*Daemon)(nil)
