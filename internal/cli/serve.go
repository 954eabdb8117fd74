package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kiosk/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kiosk orchestrator",
		Long: `Start the kiosk orchestrator.

This command starts:
- the orchestrator, subscribed to perception, speech and touch events
- the admin HTTP API and the renderer WebSocket (when gateway.enabled)
- periodic maintenance of the session store and the audit log

With --agents the reference menu, recommendation, payment, hardware and
language services are served in the same process. They are always served
in-process when bus.driver is memory.`,
		Example: `  # Start against a local NATS server
  kiosk serve

  # Self-contained demo with in-process services
  kiosk serve --agents

  # Override the gateway port
  kiosk serve --port 9090`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().String("kiosk", "", "kiosk id (overrides config)")
	cmd.Flags().Bool("agents", false, "serve the reference collaborators in-process")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if kiosk, _ := cmd.Flags().GetString("kiosk"); kiosk != "" {
		cfg.Session.KioskID = kiosk
	}
	embed, _ := cmd.Flags().GetBool("agents")

	srv, err := server.NewServer(server.ServerConfig{
		Config:      cfg,
		Logger:      *log,
		EmbedAgents: embed,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	if cfg.Gateway.Enabled {
		log.Info().
			Str("address", fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
			Msg("Gateway listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info().Msg("Shutting down...")
	case runErr = <-srv.ErrorChan():
		log.Error().Err(runErr).Msg("Server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		if runErr == nil {
			runErr = err
		}
	}

	log.Info().Msg("Server stopped")
	return runErr
}
