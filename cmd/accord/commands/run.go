package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dyluth/accord/internal/api"
	"github.com/dyluth/accord/internal/config"
	"github.com/dyluth/accord/internal/dispatch"
	"github.com/dyluth/accord/internal/logger"
	"github.com/dyluth/accord/internal/printer"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector",
	Long: `Run both negotiation engines, the protocol listeners and the management API.

Settings come from the environment (or app.env):
  ACCORD_INSTANCE  instance name, also the Redis key namespace
  ACCORD_CONFIG    path to accord.yml
  REDIS_URL        negotiation store (ignored when DB_DSN is set)
  DB_DSN           PostgreSQL negotiation store
  NATS_URL         protocol message transport
  JWT_SECRET       shared secret for participant tokens
  HTTP_ADDR        management API listen address

Stops gracefully on SIGINT or SIGTERM.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to accord.yml (overrides ACCORD_CONFIG)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	if runConfigPath != "" {
		rt.ConfigPath = runConfigPath
	}

	cfg, err := config.Load(rt.ConfigPath)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			fmt.Sprintf("Error: %v", err),
			[]string{fmt.Sprintf("Check %s, or create one with:\n  accord init", rt.ConfigPath)},
		)
	}

	log := logger.New(rt.Environment).With().Str("instance", rt.Instance).Str("participant_id", cfg.ParticipantID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, rt, log)
	if err != nil {
		return err
	}

	conn, err := dispatch.Connect(rt.NATSURL, "accord-"+rt.Instance)
	if err != nil {
		return multierr.Append(printer.Error(
			"NATS connection failed",
			fmt.Sprintf("Error: %v", err),
			[]string{"Check NATS_URL in app.env or the environment"},
		), store.close())
	}

	c, err := newConnector(rt, cfg, store, conn, log)
	if err != nil {
		conn.Close()
		return multierr.Append(err, store.close())
	}

	server := api.NewServer(rt.HTTPAddr, c.router, log)
	serverErr := server.Start()

	runErr := make(chan error, 1)
	go func() { runErr <- c.run(ctx) }()

	log.Info().Str("address", cfg.Address).Msg("Connector started")

	var result error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serverErr:
		result = fmt.Errorf("management API failed: %w", err)
		stop()
	}

	result = multierr.Append(result, <-runErr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result = multierr.Combine(result, server.Shutdown(shutdownCtx), conn.Drain(), store.close())

	if result != nil {
		fmt.Fprintf(os.Stderr, "Connector stopped with errors: %v\n", result)
		return result
	}
	log.Info().Msg("Connector stopped")
	return nil
}
