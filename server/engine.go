package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"taskboard/logging"
)

// IServer 由具体服务实现的生命周期步骤
type IServer interface {
	Name() string

	// LoadConfig 解析配置文件与环境变量，可在此安装日志后端
	LoadConfig() error

	// SetupDependencies 连接存储与消息传输，组装仓储和服务；ctx 带启动超时
	SetupDependencies(ctx context.Context) error

	// StartBackgroundTasks 启动消费者、补发器等非阻塞任务
	StartBackgroundTasks(ctx context.Context) error

	// Run 阻塞运行直到 ctx 结束或出错
	Run(ctx context.Context) error

	// Shutdown 释放资源；ctx 带关闭超时
	Shutdown(ctx context.Context) error
}

// Engine 按 LoadConfig → Setup → Background → Run → 信号 → Shutdown 的固定流程编排服务
type Engine struct {
	server  IServer
	options *Options

	mu    sync.RWMutex
	state State
}

func NewEngine(server IServer, opts ...Option) *Engine {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	return &Engine{server: server, options: options, state: StatePending}
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) logger() logging.Logger {
	if e.options.Logger != nil {
		return e.options.Logger
	}
	return logging.ComponentLogger("server").WithFields(logging.String("service", e.options.Name))
}

// Start 执行完整生命周期，SIGINT/SIGTERM 或 parent 结束时触发关闭
func (e *Engine) Start(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e.setState(StateInitializing)
	if err := e.server.LoadConfig(); err != nil {
		e.setState(StateError)
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := e.logger()
	log.Info(ctx, "starting", logging.String("version", e.options.Version))

	setupCtx, setupCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	err := e.server.SetupDependencies(setupCtx)
	setupCancel()
	if err != nil {
		e.setState(StateError)
		// 释放已建立的部分连接
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.ShutdownTimeout)
		if cerr := e.server.Shutdown(cleanupCtx); cerr != nil {
			log.Warn(cleanupCtx, "cleanup after failed setup", logging.Error(cerr))
		}
		cleanupCancel()
		return fmt.Errorf("failed to setup dependencies: %w", err)
	}
	e.setState(StatePrepared)

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			e.setState(StateError)
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	if err := e.server.StartBackgroundTasks(runCtx); err != nil {
		runErr = fmt.Errorf("failed to start background tasks: %w", err)
	} else {
		e.setState(StateRunning)
		log.Info(ctx, "running")
		if err := e.server.Run(runCtx); err != nil && runCtx.Err() == nil {
			runErr = fmt.Errorf("server execution error: %w", err)
		}
	}
	cancel()

	e.setState(StateStopping)
	if runErr != nil {
		log.Error(ctx, "stopped with error, shutting down", logging.Error(runErr))
	} else {
		log.Info(ctx, "shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.setState(StateError)
		log.Error(shutdownCtx, "shutdown failed", logging.Error(err))
		if runErr != nil {
			return runErr
		}
		return err
	}
	for _, hook := range e.options.OnAfterStop {
		if err := hook(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "after stop hook failed", logging.Error(err))
		}
	}

	if runErr != nil {
		e.setState(StateError)
		return runErr
	}
	e.setState(StateStopped)
	log.Info(shutdownCtx, "shutdown complete")
	return nil
}
