package negotiation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no negotiation matches the lookup.
	ErrNotFound = errors.New("negotiation not found")

	// ErrConflict is returned by Save when the stored version differs from the
	// version the caller read. The write is rejected, never merged.
	ErrConflict = errors.New("negotiation was modified concurrently")
)

// Store is the durable repository of negotiations shared by every worker.
// Leases taken by NextBatch are the only inter-worker mutual exclusion.
type Store interface {
	// Save upserts n as a compare-and-set against n.Version. On success the
	// stored version and n.Version are both incremented.
	Save(ctx context.Context, n *ContractNegotiation) error

	FindByID(ctx context.Context, id string) (*ContractNegotiation, error)

	// FindByCorrelationID resolves the negotiation a protocol message refers to.
	FindByCorrelationID(ctx context.Context, role Role, correlationID string) (*ContractNegotiation, error)

	// NextBatch atomically claims up to q.Max due, unleased negotiations of
	// q.Role in one of q.States, leasing each to q.Owner.
	NextBatch(ctx context.Context, q BatchQuery) ([]*ContractNegotiation, error)

	// Release clears owner's lease without touching state or attempts.
	Release(ctx context.Context, id, owner string) error

	// List returns every stored negotiation. Intended for inspection tools.
	List(ctx context.Context) ([]*ContractNegotiation, error)
}

// BatchQuery selects negotiations due for processing.
type BatchQuery struct {
	Role     Role
	States   []State
	Max      int
	NowMs    int64
	Owner    string
	LeaseTTL time.Duration
}

// IsNotFound returns true if err signals a missing negotiation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if err signals a stale write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
