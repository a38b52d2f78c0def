// Package watch follows negotiations as they move through their states.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/accord/pkg/negotiation"
)

// OutputFormat selects how streamed transitions are rendered.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// Source is a live feed of transition events, e.g. negotiation.Subscription.
type Source interface {
	Events() <-chan *negotiation.TransitionEvent
	Errors() <-chan error
}

// Filter narrows the stream. Zero values match everything.
type Filter struct {
	NegotiationID string
	Role          negotiation.Role
}

func (f Filter) matches(e *negotiation.TransitionEvent) bool {
	if f.NegotiationID != "" && e.NegotiationID != f.NegotiationID {
		return false
	}
	return f.Role == "" || e.Role == f.Role
}

// StreamTransitions writes every matching event from src to w until ctx is
// cancelled or the source closes. Subscription errors are reported inline
// and do not stop the stream.
func StreamTransitions(ctx context.Context, src Source, format OutputFormat, filter Filter, w io.Writer) error {
	events := src.Events()
	errs := src.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !filter.matches(e) {
				continue
			}
			if err := writeEvent(w, e, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, e *negotiation.TransitionEvent, format OutputFormat) error {
	switch format {
	case OutputFormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal transition event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	default:
		_, err := fmt.Fprintln(w, formatEvent(e))
		return err
	}
}

func formatEvent(e *negotiation.TransitionEvent) string {
	ts := time.UnixMilli(e.TimestampMs).Format("15:04:05")
	id := e.NegotiationID
	if len(id) > 8 {
		id = id[:8]
	}

	line := fmt.Sprintf("[%s] %s %s %-9s %s → %s", ts, icon(e.To), id, e.Role, e.From, e.To)
	if e.To == negotiation.StateError && e.Negotiation != nil {
		line += fmt.Sprintf(" (%s)", e.Negotiation.ErrorDetail)
	}
	return line
}

func icon(s negotiation.State) string {
	switch s {
	case negotiation.StateFinalized:
		return "✅"
	case negotiation.StateAgreed, negotiation.StateVerified:
		return "🤝"
	case negotiation.StateTerminated:
		return "🛑"
	case negotiation.StateError:
		return "❌"
	default:
		return "🔄"
	}
}

// Finder loads one negotiation by id.
type Finder interface {
	FindByID(ctx context.Context, id string) (*negotiation.ContractNegotiation, error)
}

// PollForState polls every 200ms until the negotiation satisfies done.
// Works against either store, including ones that publish no events.
func PollForState(ctx context.Context, store Finder, id string, done func(negotiation.State) bool, timeout time.Duration) (*negotiation.ContractNegotiation, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		n, err := store.FindByID(ctx, id)
		if err != nil && !negotiation.IsNotFound(err) {
			return nil, fmt.Errorf("failed to load negotiation: %w", err)
		}
		if err == nil && done(n.State) {
			return n, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			state := "missing"
			if n != nil {
				state = n.State.String()
			}
			return nil, fmt.Errorf("timeout after %v waiting for negotiation %s (state: %s)", timeout, id, state)
		case <-ticker.C:
		}
	}
}
