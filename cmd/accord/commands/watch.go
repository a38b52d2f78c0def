package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/accord/internal/printer"
	"github.com/dyluth/accord/internal/resolver"
	"github.com/dyluth/accord/internal/watch"
	"github.com/dyluth/accord/pkg/negotiation"
)

var (
	watchOutput string
	watchRole   string
)

var watchCmd = &cobra.Command{
	Use:   "watch [negotiation-id]",
	Short: "Stream negotiation transitions",
	Long: `Stream committed state transitions as they happen.

Output Formats:
  default - Human-readable lines with timestamps
  json    - Line-delimited JSON transition events

Requires the Redis store; PostgreSQL deployments publish no events.

Examples:
  # Everything on this instance
  accord watch

  # One negotiation, as JSON
  accord watch 3f2a9c --output=json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchRole, "role", "", "Only this role (requester or offerer)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format := watch.OutputFormat(watchOutput)
	if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutput),
			[]string{"Valid formats: default, json"},
		)
	}

	var filter watch.Filter
	if watchRole != "" {
		filter.Role = negotiation.Role(strings.ToUpper(watchRole))
		if err := filter.Role.Validate(); err != nil {
			return printer.Error("invalid role", err.Error(), nil)
		}
	}

	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, rt, zerologFor(rt))
	if err != nil {
		return err
	}
	defer store.close()

	if store.redis == nil {
		return printer.Error(
			"watch needs Redis",
			"Transition events are published on Redis only; this instance uses PostgreSQL.",
			[]string{"Poll a single negotiation instead:\n  accord show <id> --wait 5m"},
		)
	}

	if len(args) == 1 {
		if filter.NegotiationID, err = resolver.ResolveNegotiationID(ctx, store.store, args[0]); err != nil {
			return resolveError(args[0], err)
		}
	}

	sub, err := store.redis.SubscribeTransitionEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	return watch.StreamTransitions(ctx, sub, format, filter, os.Stdout)
}
