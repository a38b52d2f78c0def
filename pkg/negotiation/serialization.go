package negotiation

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Scalar columns map to
// their own hash field; offers and the agreement are JSON-encoded, matching
// the persisted layout (offers as an ordered JSON array, agreement nullable).

// NegotiationToHash converts a ContractNegotiation to a Redis hash.
// Nullable fields are written as empty strings.
func NegotiationToHash(n *ContractNegotiation) (map[string]interface{}, error) {
	offers := n.Offers
	if offers == nil {
		offers = []Offer{}
	}
	offersJSON, err := json.Marshal(offers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offers: %w", err)
	}

	agreementJSON := ""
	if n.Agreement != nil {
		data, err := json.Marshal(n.Agreement)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agreement: %w", err)
		}
		agreementJSON = string(data)
	}

	leaseOwner, leaseExpires := "", ""
	if n.Lease != nil {
		leaseOwner = n.Lease.Owner
		leaseExpires = strconv.FormatInt(n.Lease.ExpiresAtMs, 10)
	}

	hash := map[string]interface{}{
		"id":                   n.ID,
		"correlation_id":       n.CorrelationID,
		"role":                 string(n.Role),
		"counterparty_id":      n.CounterpartyID,
		"counterparty_address": n.CounterpartyAddress,
		"protocol":             n.Protocol,
		"state":                int(n.State),
		"state_attempts":       n.StateAttempts,
		"state_timestamp":      n.StateTimestampMs,
		"offers":               string(offersJSON),
		"agreement":            agreementJSON,
		"error_detail":         n.ErrorDetail,
		"termination_reason":   n.TerminationReason,
		"lease_owner":          leaseOwner,
		"lease_expires_at":     leaseExpires,
		"created_at":           n.CreatedAtMs,
		"updated_at":           n.UpdatedAtMs,
		"version":              n.Version,
	}

	return hash, nil
}

// HashToNegotiation converts a Redis hash back to a ContractNegotiation.
func HashToNegotiation(hash map[string]string) (*ContractNegotiation, error) {
	stateCode, err := strconv.Atoi(hash["state"])
	if err != nil {
		return nil, fmt.Errorf("invalid state field: %w", err)
	}

	attempts, err := strconv.Atoi(hash["state_attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid state_attempts field: %w", err)
	}

	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	var offers []Offer
	if offersJSON := hash["offers"]; offersJSON != "" {
		if err := json.Unmarshal([]byte(offersJSON), &offers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal offers: %w", err)
		}
	}
	if offers == nil {
		offers = []Offer{}
	}

	var agreement *Agreement
	if agreementJSON := hash["agreement"]; agreementJSON != "" {
		agreement = &Agreement{}
		if err := json.Unmarshal([]byte(agreementJSON), agreement); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agreement: %w", err)
		}
	}

	var lease *Lease
	if owner := hash["lease_owner"]; owner != "" {
		expires, _ := strconv.ParseInt(hash["lease_expires_at"], 10, 64)
		lease = &Lease{Owner: owner, ExpiresAtMs: expires}
	}

	stateTimestamp, _ := strconv.ParseInt(hash["state_timestamp"], 10, 64)
	createdAt, _ := strconv.ParseInt(hash["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(hash["updated_at"], 10, 64)

	n := &ContractNegotiation{
		ID:                  hash["id"],
		CorrelationID:       hash["correlation_id"],
		Role:                Role(hash["role"]),
		CounterpartyID:      hash["counterparty_id"],
		CounterpartyAddress: hash["counterparty_address"],
		Protocol:            hash["protocol"],
		State:               State(stateCode),
		StateAttempts:       attempts,
		StateTimestampMs:    stateTimestamp,
		Offers:              offers,
		Agreement:           agreement,
		ErrorDetail:         hash["error_detail"],
		TerminationReason:   hash["termination_reason"],
		CreatedAtMs:         createdAt,
		UpdatedAtMs:         updatedAt,
		Version:             version,
		Lease:               lease,
	}

	return n, nil
}
