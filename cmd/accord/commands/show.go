package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/accord/internal/inspect"
	"github.com/dyluth/accord/internal/printer"
	"github.com/dyluth/accord/internal/resolver"
	"github.com/dyluth/accord/internal/watch"
	"github.com/dyluth/accord/pkg/negotiation"
)

var (
	showJSON bool
	showWait time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show <negotiation-id>",
	Short: "Show one negotiation",
	Long: `Show a negotiation with its offer history and agreement.

The id may be a unique prefix of at least 6 characters, as printed by
'accord list'. With --wait, blocks until the negotiation reaches FINALIZED,
TERMINATED or ERROR.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the full negotiation as JSON")
	showCmd.Flags().DurationVar(&showWait, "wait", 0, "Wait up to this long for a terminal state")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, rt, zerologFor(rt))
	if err != nil {
		return err
	}
	defer store.close()

	id, err := resolver.ResolveNegotiationID(ctx, store.store, args[0])
	if err != nil {
		return resolveError(args[0], err)
	}

	var n *negotiation.ContractNegotiation
	if showWait > 0 {
		n, err = watch.PollForState(ctx, store.store, id, negotiation.State.Terminal, showWait)
	} else {
		n, err = store.store.FindByID(ctx, id)
	}
	if err != nil {
		return printer.Error("failed to load negotiation", fmt.Sprintf("Error: %v", err), nil)
	}

	if showJSON {
		return inspect.FormatSingleJSON(os.Stdout, n)
	}
	inspect.FormatDetail(os.Stdout, n)
	return nil
}

func resolveError(input string, err error) error {
	switch e := err.(type) {
	case *resolver.AmbiguousError:
		return printer.Error("ambiguous negotiation id", resolver.FormatAmbiguousError(e), nil)
	case *resolver.NotFoundError:
		return printer.Error(
			"negotiation not found",
			fmt.Sprintf("No negotiation matches '%s'.", input),
			[]string{"List negotiations:\n  accord list"},
		)
	default:
		return printer.Error("invalid negotiation id", err.Error(), nil)
	}
}
