// Package sqlstore keeps negotiations in PostgreSQL.
//
// It implements negotiation.Store with the same guarantees as the Redis
// client: Save is a compare-and-set on the version column and NextBatch
// leases rows under SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers
// never claim the same row.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dyluth/accord/pkg/negotiation"
)

// Store is a gorm-backed negotiation.Store. The *gorm.DB must be opened with
// TranslateError enabled, as db.New does.
type Store struct {
	db *gorm.DB
}

var _ negotiation.Store = (*Store)(nil)

// New wraps an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save inserts n when its version is 0 and otherwise updates the row only if
// the stored version still equals n.Version.
func (s *Store) Save(ctx context.Context, n *negotiation.ContractNegotiation) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid negotiation: %w", err)
	}

	next := n.Clone()
	next.Version = n.Version + 1
	r, err := toRecord(next)
	if err != nil {
		return err
	}

	if n.Version == 0 {
		if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return negotiation.ErrConflict
			}
			return fmt.Errorf("failed to insert negotiation: %w", err)
		}
		n.Version = next.Version
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&record{}).
		Where("id = ? AND version = ?", n.ID, n.Version).
		Updates(r.columns())
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return negotiation.ErrConflict
		}
		return fmt.Errorf("failed to update negotiation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return negotiation.ErrConflict
	}

	n.Version = next.Version
	return nil
}

// FindByID retrieves a negotiation. Returns negotiation.ErrNotFound if it doesn't exist.
func (s *Store) FindByID(ctx context.Context, id string) (*negotiation.ContractNegotiation, error) {
	var r record
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error; err != nil {
		return nil, notFound(err, id)
	}
	return fromRecord(&r)
}

// FindByCorrelationID resolves a negotiation through its role and correlation id.
func (s *Store) FindByCorrelationID(ctx context.Context, role negotiation.Role, correlationID string) (*negotiation.ContractNegotiation, error) {
	var r record
	err := s.db.WithContext(ctx).
		Where("role = ? AND correlation_id = ?", string(role), correlationID).
		Take(&r).Error
	if err != nil {
		return nil, notFound(err, correlationID)
	}
	return fromRecord(&r)
}

// NextBatch leases up to q.Max due, unleased rows in a single transaction.
// Rows locked by another worker's transaction are skipped, not waited for.
func (s *Store) NextBatch(ctx context.Context, q negotiation.BatchQuery) ([]*negotiation.ContractNegotiation, error) {
	codes := make([]int, 0, len(q.States))
	for _, state := range q.States {
		if !state.Terminal() {
			codes = append(codes, int(state))
		}
	}
	if q.Max <= 0 || len(codes) == 0 {
		return nil, nil
	}

	expires := q.NowMs + q.LeaseTTL.Milliseconds()
	var batch []*negotiation.ContractNegotiation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("role = ? AND state IN ? AND state_timestamp <= ?", string(q.Role), codes, q.NowMs).
			Where("(lease_owner = '' OR lease_expires_at <= ?)", q.NowMs).
			Order("state_timestamp").
			Limit(q.Max).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to select due negotiations: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		err = tx.Model(&record{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"lease_owner":      q.Owner,
				"lease_expires_at": expires,
				"version":          gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to lease negotiations: %w", err)
		}

		batch = make([]*negotiation.ContractNegotiation, 0, len(rows))
		for i := range rows {
			rows[i].LeaseOwner = q.Owner
			rows[i].LeaseExpiresAt = expires
			rows[i].Version++
			n, err := fromRecord(&rows[i])
			if err != nil {
				return err
			}
			batch = append(batch, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Release clears the lease if owner still holds it.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	err := s.db.WithContext(ctx).
		Model(&record{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]interface{}{
			"lease_owner":      "",
			"lease_expires_at": 0,
			"version":          gorm.Expr("version + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", id, err)
	}
	return nil
}

// List returns every negotiation, oldest first.
func (s *Store) List(ctx context.Context) ([]*negotiation.ContractNegotiation, error) {
	var rows []record
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list negotiations: %w", err)
	}

	result := make([]*negotiation.ContractNegotiation, 0, len(rows))
	for i := range rows {
		n, err := fromRecord(&rows[i])
		if err != nil {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

// ScanNegotiations returns the ids starting with prefix, sorted.
func (s *Store) ScanNegotiations(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&record{}).
		Where("id::text LIKE ?", prefix+"%").
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan negotiations: %w", err)
	}
	return ids, nil
}

func notFound(err error, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", negotiation.ErrNotFound, key)
	}
	return fmt.Errorf("failed to load negotiation %s: %w", key, err)
}
