package cli

import (
	"sync"

	"github.com/rs/zerolog"

	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/server"
	"kiosk/pkg/logger"
)

// CLIContext CLI 上下文
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	busOnce sync.Once
	bus     bus.Bus
	busErr  error
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// Bus 获取总线连接（懒加载）
func (c *CLIContext) Bus() (bus.Bus, error) {
	c.busOnce.Do(func() {
		c.bus, c.busErr = server.OpenBus(c.Config)
	})
	return c.bus, c.busErr
}

// Close 关闭资源
func (c *CLIContext) Close() error {
	if c.bus != nil {
		return c.bus.Close()
	}
	return nil
}

// Log 获取 Logger
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
