package sqlstore

import (
	"encoding/json"
	"fmt"

	"github.com/dyluth/accord/pkg/negotiation"
)

// record is the row layout of the negotiations table.
type record struct {
	ID                  string  `gorm:"column:id;primaryKey"`
	CorrelationID       string  `gorm:"column:correlation_id"`
	Role                string  `gorm:"column:role"`
	CounterpartyID      string  `gorm:"column:counterparty_id"`
	CounterpartyAddress string  `gorm:"column:counterparty_address"`
	Protocol            string  `gorm:"column:protocol"`
	State               int     `gorm:"column:state"`
	StateAttempts       int     `gorm:"column:state_attempts"`
	StateTimestamp      int64   `gorm:"column:state_timestamp"`
	Offers              string  `gorm:"column:offers;type:jsonb"`
	Agreement           *string `gorm:"column:agreement;type:jsonb"`
	ErrorDetail         string  `gorm:"column:error_detail"`
	TerminationReason   string  `gorm:"column:termination_reason"`
	CreatedAt           int64   `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt           int64   `gorm:"column:updated_at;autoUpdateTime:false"`
	Version             int64   `gorm:"column:version"`
	LeaseOwner          string  `gorm:"column:lease_owner"`
	LeaseExpiresAt      int64   `gorm:"column:lease_expires_at"`
}

func (record) TableName() string {
	return "negotiations"
}

func toRecord(n *negotiation.ContractNegotiation) (*record, error) {
	offers := n.Offers
	if offers == nil {
		offers = []negotiation.Offer{}
	}
	offersJSON, err := json.Marshal(offers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offers: %w", err)
	}

	r := &record{
		ID:                  n.ID,
		CorrelationID:       n.CorrelationID,
		Role:                string(n.Role),
		CounterpartyID:      n.CounterpartyID,
		CounterpartyAddress: n.CounterpartyAddress,
		Protocol:            n.Protocol,
		State:               int(n.State),
		StateAttempts:       n.StateAttempts,
		StateTimestamp:      n.StateTimestampMs,
		Offers:              string(offersJSON),
		ErrorDetail:         n.ErrorDetail,
		TerminationReason:   n.TerminationReason,
		CreatedAt:           n.CreatedAtMs,
		UpdatedAt:           n.UpdatedAtMs,
		Version:             n.Version,
	}

	if n.Agreement != nil {
		agreementJSON, err := json.Marshal(n.Agreement)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agreement: %w", err)
		}
		s := string(agreementJSON)
		r.Agreement = &s
	}

	if n.Lease != nil {
		r.LeaseOwner = n.Lease.Owner
		r.LeaseExpiresAt = n.Lease.ExpiresAtMs
	}
	return r, nil
}

func fromRecord(r *record) (*negotiation.ContractNegotiation, error) {
	n := &negotiation.ContractNegotiation{
		ID:                  r.ID,
		CorrelationID:       r.CorrelationID,
		Role:                negotiation.Role(r.Role),
		CounterpartyID:      r.CounterpartyID,
		CounterpartyAddress: r.CounterpartyAddress,
		Protocol:            r.Protocol,
		State:               negotiation.State(r.State),
		StateAttempts:       r.StateAttempts,
		StateTimestampMs:    r.StateTimestamp,
		Offers:              []negotiation.Offer{},
		ErrorDetail:         r.ErrorDetail,
		TerminationReason:   r.TerminationReason,
		CreatedAtMs:         r.CreatedAt,
		UpdatedAtMs:         r.UpdatedAt,
		Version:             r.Version,
	}

	if r.Offers != "" {
		if err := json.Unmarshal([]byte(r.Offers), &n.Offers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal offers of %s: %w", r.ID, err)
		}
	}

	if r.Agreement != nil && *r.Agreement != "" {
		var a negotiation.Agreement
		if err := json.Unmarshal([]byte(*r.Agreement), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agreement of %s: %w", r.ID, err)
		}
		n.Agreement = &a
	}

	if r.LeaseOwner != "" {
		n.Lease = &negotiation.Lease{Owner: r.LeaseOwner, ExpiresAtMs: r.LeaseExpiresAt}
	}
	return n, nil
}

// columns returns the mutable columns of r for a full-row update.
func (r *record) columns() map[string]interface{} {
	return map[string]interface{}{
		"correlation_id":       r.CorrelationID,
		"counterparty_id":      r.CounterpartyID,
		"counterparty_address": r.CounterpartyAddress,
		"protocol":             r.Protocol,
		"state":                r.State,
		"state_attempts":       r.StateAttempts,
		"state_timestamp":      r.StateTimestamp,
		"offers":               r.Offers,
		"agreement":            r.Agreement,
		"error_detail":         r.ErrorDetail,
		"termination_reason":   r.TerminationReason,
		"updated_at":           r.UpdatedAt,
		"version":              r.Version,
		"lease_owner":          r.LeaseOwner,
		"lease_expires_at":     r.LeaseExpiresAt,
	}
}
