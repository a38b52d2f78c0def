package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/accord/pkg/negotiation"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// Index finds negotiations by id or id prefix. negotiation.Client and
// sqlstore.Store implement it.
type Index interface {
	FindByID(ctx context.Context, id string) (*negotiation.ContractNegotiation, error)
	ScanNegotiations(ctx context.Context, prefix string) ([]string, error)
}

// ResolveNegotiationID resolves a short ID prefix to a full negotiation id.
//
// A full UUID is returned as-is once its existence is verified. Prefixes
// shorter than MinShortIDLength are rejected, and a prefix must match exactly
// one negotiation.
func ResolveNegotiationID(ctx context.Context, index Index, shortID string) (string, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))

	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := index.FindByID(ctx, shortID); err != nil {
			if negotiation.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify negotiation existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := index.ScanNegotiations(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for negotiation: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no negotiation matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no negotiations found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several negotiations matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d negotiations", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching ids, then "...and N more".
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d negotiations:\n", err.ShortID, len(err.Matches))

	shown := err.Matches
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the negotiation.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
