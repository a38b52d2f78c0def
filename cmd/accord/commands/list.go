package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/accord/internal/inspect"
	"github.com/dyluth/accord/internal/printer"
	"github.com/dyluth/accord/internal/timespec"
	"github.com/dyluth/accord/pkg/negotiation"
)

var (
	listOutput       string
	listStates       []string
	listRole         string
	listCounterparty string
	listSince        string
	listUntil        string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List negotiations",
	Long: `List the negotiations stored for an instance, oldest first.

Examples:
  # Everything still open on the offerer side
  accord list --role offerer --state requested --state agreeing

  # Failures in the last hour as JSON lines
  accord list --state error --since 1h --output jsonl`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "default", "Output format (default or jsonl)")
	listCmd.Flags().StringSliceVar(&listStates, "state", nil, "Only these states (repeatable, name or code)")
	listCmd.Flags().StringVar(&listRole, "role", "", "Only this role (requester or offerer)")
	listCmd.Flags().StringVar(&listCounterparty, "counterparty", "", "Only negotiations with this participant")
	listCmd.Flags().StringVar(&listSince, "since", "", "Created after (duration like 1h, or RFC3339)")
	listCmd.Flags().StringVar(&listUntil, "until", "", "Created before (duration like 1h, or RFC3339)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	format := inspect.OutputFormat(listOutput)
	if format != inspect.OutputFormatDefault && format != inspect.OutputFormatJSONL {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	filters, err := buildFilters(time.Now())
	if err != nil {
		return printer.Error("invalid filter", err.Error(), nil)
	}

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

	return inspect.ListNegotiations(ctx, store.store, rt.Instance, format, filters, os.Stdout)
}

func buildFilters(now time.Time) (*inspect.FilterCriteria, error) {
	since, until, err := timespec.ParseRange(listSince, listUntil, now)
	if err != nil {
		return nil, err
	}

	filters := &inspect.FilterCriteria{
		SinceTimestampMs: since,
		UntilTimestampMs: until,
		Counterparty:     listCounterparty,
	}

	if listRole != "" {
		role := negotiation.Role(strings.ToUpper(listRole))
		if err := role.Validate(); err != nil {
			return nil, err
		}
		filters.Role = role
	}

	for _, raw := range listStates {
		s, err := negotiation.ParseState(raw)
		if err != nil {
			return nil, err
		}
		filters.States = append(filters.States, s)
	}
	return filters, nil
}
