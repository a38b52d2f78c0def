// Package inspect renders stored negotiations for the accord CLI.
package inspect

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/accord/pkg/negotiation"
)

// OutputFormat specifies how to format the negotiation list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with one row per negotiation
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete negotiations as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Lister is the read side of a negotiation store.
type Lister interface {
	List(ctx context.Context) ([]*negotiation.ContractNegotiation, error)
}

// FilterCriteria defines filtering options for the list command.
// All filters are ANDed together.
type FilterCriteria struct {
	SinceTimestampMs int64 // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64 // Unix timestamp in milliseconds, 0 = no filter
	States           []negotiation.State
	Role             negotiation.Role // Empty = both roles
	Counterparty     string           // Exact match on counterparty id
}

func (fc *FilterCriteria) matches(n *negotiation.ContractNegotiation) bool {
	if fc.SinceTimestampMs > 0 && n.CreatedAtMs < fc.SinceTimestampMs {
		return false
	}
	if fc.UntilTimestampMs > 0 && n.CreatedAtMs > fc.UntilTimestampMs {
		return false
	}
	if fc.Role != "" && n.Role != fc.Role {
		return false
	}
	if fc.Counterparty != "" && n.CounterpartyID != fc.Counterparty {
		return false
	}
	if len(fc.States) > 0 {
		for _, s := range fc.States {
			if n.State == s {
				return true
			}
		}
		return false
	}
	return true
}

// ListNegotiations loads every negotiation, applies filters and writes them
// oldest first in the requested format.
func ListNegotiations(ctx context.Context, store Lister, instanceName string, format OutputFormat, filters *FilterCriteria, w io.Writer) error {
	all, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list negotiations: %w", err)
	}

	negotiations := make([]*negotiation.ContractNegotiation, 0, len(all))
	for _, n := range all {
		if filters != nil && !filters.matches(n) {
			continue
		}
		negotiations = append(negotiations, n)
	}

	sort.Slice(negotiations, func(i, j int) bool {
		if negotiations[i].CreatedAtMs == negotiations[j].CreatedAtMs {
			return negotiations[i].ID < negotiations[j].ID
		}
		return negotiations[i].CreatedAtMs < negotiations[j].CreatedAtMs
	})

	switch format {
	case OutputFormatDefault:
		FormatTable(w, negotiations, instanceName)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, negotiations); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
