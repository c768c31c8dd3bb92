// Package config 加载 taskboard 服务配置：YAML 文件 + TASKBOARD_* 环境变量覆盖
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskboard/errors"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "TASKBOARD_"

// Config 服务配置
type Config struct {
	Service   ServiceConfig  `yaml:"service"`
	Log       LogConfig      `yaml:"log"`
	Store     StoreConfig    `yaml:"store"`
	ReadStore StoreConfig    `yaml:"readstore"`
	Bus       BusConfig      `yaml:"bus"`
	Relay     RelayConfig    `yaml:"relay"`
	Command   CommandConfig  `yaml:"command"`
	Consumer  ConsumerConfig `yaml:"consumer"`
}

type ServiceConfig struct {
	Name string `yaml:"name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// StoreConfig 事件存储 / 读模型存储后端
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | redis
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// BusConfig 消息总线传输层
type BusConfig struct {
	Driver       string        `yaml:"driver"` // memory | nats | redis | kafka
	URL          string        `yaml:"url"`
	Brokers      []string      `yaml:"brokers"`
	Addr         string        `yaml:"addr"`
	Stream       string        `yaml:"stream"`
	Group        string        `yaml:"group"`
	MaxDeliver   int           `yaml:"max_deliver"`
	AckWait      time.Duration `yaml:"ack_wait"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type RelayConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type CommandConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	ConflictRetries int           `yaml:"conflict_retries"`
}

type ConsumerConfig struct {
	RequireContiguous bool `yaml:"require_contiguous"`
}

// Default 返回可直接运行的单进程配置（全部内存后端）
func Default() Config {
	return Config{
		Service:   ServiceConfig{Name: "boardd"},
		Log:       LogConfig{Level: "info", Format: "json"},
		Store:     StoreConfig{Driver: "memory", Table: "event_store"},
		ReadStore: StoreConfig{Driver: "memory", Table: "board_views"},
		Bus: BusConfig{
			Driver:       "memory",
			Stream:       "TASKBOARD",
			Group:        "projections",
			MaxDeliver:   5,
			AckWait:      30 * time.Second,
			RetryBackoff: 200 * time.Millisecond,
		},
		Relay:    RelayConfig{Enabled: true, Interval: time.Second, BatchSize: 100},
		Command:  CommandConfig{Timeout: 5 * time.Second, ConflictRetries: 3},
		Consumer: ConsumerConfig{RequireContiguous: true},
	}
}

// Load 读取配置文件（path 为空时仅使用默认值），再应用环境变量覆盖并校验
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapError(err, errors.ErrCodeInvalidInput, "read config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.WrapError(err, errors.ErrCodeInvalidInput, "parse config file")
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid "+EnvPrefix+key)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("SERVICE_NAME", &c.Service.Name)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_TABLE", &c.Store.Table)
	str("READSTORE_DRIVER", &c.ReadStore.Driver)
	str("READSTORE_DSN", &c.ReadStore.DSN)
	str("READSTORE_TABLE", &c.ReadStore.Table)

	str("BUS_DRIVER", &c.Bus.Driver)
	str("BUS_URL", &c.Bus.URL)
	str("BUS_ADDR", &c.Bus.Addr)
	str("BUS_STREAM", &c.Bus.Stream)
	str("BUS_GROUP", &c.Bus.Group)
	if v, ok := lookup(EnvPrefix + "BUS_BROKERS"); ok {
		c.Bus.Brokers = splitList(v)
	}
	integer("BUS_MAX_DELIVER", &c.Bus.MaxDeliver)
	duration("BUS_ACK_WAIT", &c.Bus.AckWait)
	duration("BUS_RETRY_BACKOFF", &c.Bus.RetryBackoff)

	boolean("RELAY_ENABLED", &c.Relay.Enabled)
	duration("RELAY_INTERVAL", &c.Relay.Interval)
	integer("RELAY_BATCH_SIZE", &c.Relay.BatchSize)

	duration("COMMAND_TIMEOUT", &c.Command.Timeout)
	integer("COMMAND_CONFLICT_RETRIES", &c.Command.ConflictRetries)

	boolean("CONSUMER_REQUIRE_CONTIGUOUS", &c.Consumer.RequireContiguous)
	return firstErr
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	storeDrivers = map[string]bool{"memory": true, "sqlite": true, "redis": true}
	busDrivers   = map[string]bool{"memory": true, "nats": true, "redis": true, "kafka": true}
)

// Validate 校验驱动名称与数值范围
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf(format, args...))
	}
	if !storeDrivers[c.Store.Driver] {
		return invalid("unknown store driver %q", c.Store.Driver)
	}
	if !storeDrivers[c.ReadStore.Driver] {
		return invalid("unknown readstore driver %q", c.ReadStore.Driver)
	}
	if !busDrivers[c.Bus.Driver] {
		return invalid("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return invalid("store.dsn is required for driver %q", c.Store.Driver)
	}
	if c.ReadStore.Driver != "memory" && c.ReadStore.DSN == "" {
		return invalid("readstore.dsn is required for driver %q", c.ReadStore.Driver)
	}
	switch c.Bus.Driver {
	case "nats":
		if c.Bus.URL == "" {
			return invalid("bus.url is required for nats")
		}
	case "redis":
		if c.Bus.Addr == "" {
			return invalid("bus.addr is required for redis")
		}
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return invalid("bus.brokers is required for kafka")
		}
	}
	if c.Bus.MaxDeliver <= 0 {
		return invalid("bus.max_deliver must be positive")
	}
	if c.Bus.RetryBackoff < 0 || c.Bus.AckWait <= 0 {
		return invalid("bus.ack_wait must be positive and bus.retry_backoff non-negative")
	}
	if c.Relay.Enabled && (c.Relay.Interval <= 0 || c.Relay.BatchSize <= 0) {
		return invalid("relay.interval and relay.batch_size must be positive")
	}
	if c.Command.Timeout <= 0 {
		return invalid("command.timeout must be positive")
	}
	if c.Command.ConflictRetries < 0 {
		return invalid("command.conflict_retries must not be negative")
	}
	return nil
}
