package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Outcome classifies a send attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the classified outcome of Send. Err is nil on success.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success is a delivered message.
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Retryable is a transient failure eligible for the retry coordinator.
func Retryable(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

// Fatal is a failure that must not be retried.
func Fatal(err error) Result { return Result{Outcome: OutcomeFatal, Err: err} }

// Gateway sends a message to a participant address.
type Gateway interface {
	Send(ctx context.Context, msg Message, address string) Result
}

// Registry routes messages to the gateway of the negotiation's protocol.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register binds protocol to gw, replacing any previous binding.
func (r *Registry) Register(protocol string, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[protocol] = gw
}

// Send dispatches through the gateway registered for protocol. An unknown
// protocol is fatal.
func (r *Registry) Send(ctx context.Context, protocol string, msg Message, address string) Result {
	r.mu.RLock()
	gw, ok := r.gateways[protocol]
	r.mu.RUnlock()
	if !ok {
		return Fatal(fmt.Errorf("no dispatch gateway registered for protocol %q", protocol))
	}
	return gw.Send(ctx, msg, address)
}
