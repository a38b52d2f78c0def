package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/accord/pkg/negotiation"
)

// FormatTable writes negotiations as a table with columns ID, ROLE, STATE,
// TRIES, COUNTERPARTY, ASSET and AGE. Returns the number of rows written.
func FormatTable(w io.Writer, negotiations []*negotiation.ContractNegotiation, instanceName string) int {
	if len(negotiations) == 0 {
		fmt.Fprintf(w, "No negotiations found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Negotiations for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-10s %-10s %-12s %-5s %-18s %-16s %s\n",
		"ID", "ROLE", "STATE", "TRIES", "COUNTERPARTY", "ASSET", "AGE")
	fmt.Fprintf(w, "%-10s %-10s %-12s %-5s %-18s %-16s %s\n",
		"----------", "----------", "------------", "-----", "------------------", "----------------", "--------")

	for _, n := range negotiations {
		fmt.Fprintf(w, "%-10s %-10s %-12s %-5s %-18s %-16s %s\n",
			formatID(n.ID),
			n.Role,
			n.State,
			formatAttempts(n.StateAttempts),
			truncate(orDash(n.CounterpartyID), 18),
			truncate(formatAsset(n), 16),
			formatAge(n.CreatedAtMs, time.Now()),
		)
	}

	noun := "negotiation"
	if len(negotiations) != 1 {
		noun = "negotiations"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(negotiations), noun)

	return len(negotiations)
}

// FormatJSONL writes one compact JSON object per negotiation, for jq and friends.
func FormatJSONL(w io.Writer, negotiations []*negotiation.ContractNegotiation) error {
	for _, n := range negotiations {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal negotiation to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one negotiation as indented JSON.
func FormatSingleJSON(w io.Writer, n *negotiation.ContractNegotiation) error {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal negotiation to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatDetail writes a human-readable summary of one negotiation,
// including its offer history.
func FormatDetail(w io.Writer, n *negotiation.ContractNegotiation) {
	fmt.Fprintf(w, "Negotiation %s\n\n", n.ID)
	fmt.Fprintf(w, "  Role:          %s\n", n.Role)
	fmt.Fprintf(w, "  State:         %s (attempts: %d)\n", n.State, n.StateAttempts)
	fmt.Fprintf(w, "  Correlation:   %s\n", n.CorrelationID)
	fmt.Fprintf(w, "  Counterparty:  %s @ %s\n", orDash(n.CounterpartyID), n.CounterpartyAddress)
	fmt.Fprintf(w, "  Protocol:      %s\n", n.Protocol)
	fmt.Fprintf(w, "  Created:       %s\n", formatTime(n.CreatedAtMs))
	fmt.Fprintf(w, "  Updated:       %s\n", formatTime(n.UpdatedAtMs))
	if n.ErrorDetail != "" {
		fmt.Fprintf(w, "  Error:         %s\n", n.ErrorDetail)
	}
	if n.TerminationReason != "" {
		fmt.Fprintf(w, "  Terminated:    %s\n", n.TerminationReason)
	}

	fmt.Fprintf(w, "\nOffers (%d):\n", len(n.Offers))
	for i, o := range n.Offers {
		fmt.Fprintf(w, "  %d. %s  asset=%s provider=%s consumer=%s\n",
			i+1, o.ID, o.AssetID, orDash(o.Provider), orDash(o.Consumer))
	}

	if a := n.Agreement; a != nil {
		fmt.Fprintf(w, "\nAgreement %s\n", a.ID)
		fmt.Fprintf(w, "  Asset:    %s\n", a.AssetID)
		fmt.Fprintf(w, "  Provider: %s\n", a.ProviderID)
		fmt.Fprintf(w, "  Consumer: %s\n", a.ConsumerID)
		fmt.Fprintf(w, "  Signed:   %s\n", formatTime(a.SigningDateMs))
		if a.ContractEndMs > 0 {
			fmt.Fprintf(w, "  Expires:  %s\n", formatTime(a.ContractEndMs))
		}
	}
}

// formatID truncates the id to 8 characters, enough for resolver short ids.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAttempts(attempts int) string {
	if attempts == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", attempts)
}

func formatAsset(n *negotiation.ContractNegotiation) string {
	if latest := n.LatestOffer(); latest != nil {
		return latest.AssetID
	}
	return "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// formatAge renders the time since timestampMs as "2m ago", "1h ago", etc.
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
