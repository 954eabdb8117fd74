package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"kiosk/internal/config"
	"kiosk/pkg/logger"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	Verbose    bool
	Quiet      bool
}

// contextKey CLI 上下文键
type contextKey struct{}

// 不需要配置和日志的命令
var bareCommands = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	flags := &GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "kiosk",
		Short: "Self-service ordering kiosk orchestrator",
		Long: `kiosk owns customer sessions on a self-service ordering kiosk. It routes
perception, speech and touch events through the ordering state machine,
calls the menu, recommendation, payment, hardware and language services
over the message bus, and pushes screen descriptors to the renderer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if bareCommands[cmd.Name()] {
				return nil
			}
			return setup(cmd, flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				err = cliCtx.Close()
			}
			return errors.Join(err, logger.Close())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "config file (default $KIOSK_HOME/config.yaml)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "override log.level")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "errors only")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet", "log-level")

	rootCmd.AddCommand(
		NewServeCmd(),
		NewAgentsCmd(),
		NewSimulateCmd(),
		NewSessionCmd(),
		NewConfigCmd(),
		NewVersionCmd(),
	)
	return rootCmd
}

// setup 加载配置、初始化日志，并把 CLIContext 挂到命令上下文
func setup(cmd *cobra.Command, flags *GlobalFlags) error {
	configPath := flags.ConfigPath
	if configPath == "" {
		var err error
		if configPath, err = config.DefaultConfigPath(); err != nil {
			return err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	switch {
	case flags.LogLevel != "":
		level = flags.LogLevel
	case flags.Verbose:
		level = "debug"
	case flags.Quiet:
		level = "error"
	}
	if err := logger.Init(logger.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cliCtx := NewCLIContext(cfg, configPath, logger.Get(), flags.Verbose, flags.Quiet)
	cmd.SetContext(context.WithValue(ctx, contextKey{}, cliCtx))
	return nil
}

// GetCLIContext 从命令上下文获取 CLI 上下文
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, _ := ctx.Value(contextKey{}).(*CLIContext)
	return cliCtx
}
