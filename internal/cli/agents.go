package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kiosk/internal/responders"
)

// NewAgentsCmd creates the agents command.
func NewAgentsCmd() *cobra.Command {
	var (
		catalogPath string
		declineAt   float64
		weather     string
	)

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Run the reference collaborator services",
		Long: `Serve the reference menu, recommendation, payment, hardware and language
services on the configured bus until interrupted.

The menu catalog is reloaded when the catalog file changes. Without a
language.api_key the language service answers UNAVAILABLE and the
orchestrator falls back to keyword routing and template text.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}
			cfg := cliCtx.Config
			if catalogPath != "" {
				cfg.Responders.CatalogPath = catalogPath
			}
			if cmd.Flags().Changed("decline-at") {
				cfg.Responders.PaymentDeclineAt = declineAt
			}
			if weather != "" {
				cfg.Responders.Weather = weather
			}
			if cfg.Bus.Driver == "memory" {
				return fmt.Errorf("bus.driver memory cannot be shared between processes; use nats or 'kiosk serve --agents'")
			}

			b, err := cliCtx.Bus()
			if err != nil {
				return err
			}
			set, err := responders.FromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = set.Close() }()
			if cfg.Responders.CatalogPath != "" {
				if err := set.Catalog.Watch(); err != nil {
					cliCtx.Log().Warn().Err(err).Msg("catalog hot reload disabled")
				}
			}
			group, err := responders.Serve(b, set)
			if err != nil {
				return err
			}
			defer func() { _ = group.Close() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			cliCtx.Log().Info().Msg("reference services stopping")
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "menu catalog YAML file (overrides config)")
	cmd.Flags().Float64Var(&declineAt, "decline-at", 0, "decline payments above this amount (0 = never)")
	cmd.Flags().StringVar(&weather, "weather", "", "ambient weather passed to recommendations (e.g. hot)")

	return cmd
}
