// Package observe notifies interested parties about committed state changes.
//
// Delivery is synchronous, in registration order and at-most-once: a crash
// between the save and the notification loses the event. The store remains
// the source of truth.
package observe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dyluth/accord/pkg/negotiation"
)

// Observer receives a snapshot of a negotiation right after it moved from → to.
type Observer interface {
	Transitioned(ctx context.Context, n *negotiation.ContractNegotiation, from, to negotiation.State)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, n *negotiation.ContractNegotiation, from, to negotiation.State)

// Transitioned calls f.
func (f ObserverFunc) Transitioned(ctx context.Context, n *negotiation.ContractNegotiation, from, to negotiation.State) {
	f(ctx, n, from, to)
}

// Observable holds the observers fixed at construction.
type Observable struct {
	observers []Observer
	log       zerolog.Logger
}

// New creates an Observable. The list cannot change afterwards.
func New(log zerolog.Logger, observers ...Observer) *Observable {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return &Observable{observers: list, log: log}
}

// Notify invokes every observer with its own copy of snapshot. A panicking
// observer is logged and skipped; the rest still run.
func (o *Observable) Notify(ctx context.Context, snapshot *negotiation.ContractNegotiation, from, to negotiation.State) {
	if o == nil {
		return
	}
	for i, observer := range o.observers {
		o.invoke(ctx, i, observer, snapshot.Clone(), from, to)
	}
}

func (o *Observable) invoke(ctx context.Context, index int, observer Observer, n *negotiation.ContractNegotiation, from, to negotiation.State) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("negotiation_id", n.ID).
				Int("observer", index).
				Err(fmt.Errorf("%v", r)).
				Msg("Transition observer panicked")
		}
	}()
	observer.Transitioned(ctx, n, from, to)
}
