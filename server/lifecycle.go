// Package server 定义进程生命周期契约与按固定流程编排的启动引擎
package server

import (
	"context"
	"time"

	"taskboard/logging"
)

// State 生命周期状态
type State int

const (
	StatePending State = iota
	StateInitializing
	StatePrepared
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInitializing:
		return "Initializing"
	case StatePrepared:
		return "Prepared"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Hook 生命周期回调
type Hook func(ctx context.Context) error

// Options 引擎选项
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.Logger

	OnBeforeStart []Hook
	OnAfterStop   []Hook
}

type Option func(*Options)

func DefaultOptions() *Options {
	return &Options{
		Name:            "taskboard",
		Version:         "0.0.0",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithLogger 注入日志器；未注入时在 LoadConfig 之后取全局日志器，
// 以便使用服务在 LoadConfig 中安装的日志后端
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithBeforeStart 添加启动后台任务前的回调
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStop 添加关闭完成后的回调
func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
