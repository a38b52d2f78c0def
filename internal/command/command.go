// Package command carries external instructions (cancel, decline, accept,
// counter-offer) into the negotiation engine.
//
// Commands are submitted to a bounded Queue that never blocks the caller and
// are applied by a Runner at the start of each engine cycle, bypassing the
// sending-state retry path.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/accord/pkg/negotiation"
)

// Kind tags the variant of a Command.
type Kind string

const (
	KindCancel       Kind = "CANCEL"
	KindDecline      Kind = "DECLINE"
	KindAccept       Kind = "ACCEPT"
	KindCounterOffer Kind = "COUNTER_OFFER"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("command queue is full")

	// ErrInvalidCommand is returned by Submit for malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is a one-shot instruction targeting one negotiation. It is not
// persisted; only the transition it causes is.
type Command struct {
	TargetID string             `json:"target_id"`
	Kind     Kind               `json:"kind"`
	IssuedAt time.Time          `json:"issued_at"`
	Offer    *negotiation.Offer `json:"offer,omitempty"`  // COUNTER_OFFER only
	Reason   string             `json:"reason,omitempty"` // CANCEL and DECLINE
}

// Validate checks that the command is well-formed.
func (c Command) Validate() error {
	if c.TargetID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidCommand)
	}
	switch c.Kind {
	case KindCancel, KindDecline, KindAccept:
	case KindCounterOffer:
		if c.Offer == nil {
			return fmt.Errorf("%w: %s requires an offer", ErrInvalidCommand, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}
