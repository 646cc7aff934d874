package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Decision is the outcome of a contract authorization lookup.
type Decision int

const (
	DecisionRejected Decision = iota
	DecisionAccepted
	DecisionPending
)

func (d Decision) String() string {
	switch d {
	case DecisionAccepted:
		return "accepted"
	case DecisionPending:
		return "pending"
	default:
		return "rejected"
	}
}

// Contract statuses stored in the registry.
const (
	ContractActive  = "active"
	ContractPending = "pending"
	ContractBlocked = "blocked"
)

// AllowAll accepts every contract. Used when no registry is configured.
type AllowAll struct{}

// Authorize implements the authorizer contract.
func (AllowAll) Authorize(context.Context, string) (Decision, error) {
	return DecisionAccepted, nil
}

// ContractRepository reads the contract allow-list.
type ContractRepository struct {
	db *sql.DB
}

// NewContractRepository returns repository.
func NewContractRepository(db *sql.DB) *ContractRepository {
	return &ContractRepository{db: db}
}

// Authorize looks up emaid. Unknown, blocked and expired contracts are rejected.
func (r *ContractRepository) Authorize(ctx context.Context, emaid string) (Decision, error) {
	const query = `
		SELECT status, valid_until
		FROM contract_authorizations
		WHERE emaid = $1
	`
	var (
		status     string
		validUntil sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, emaid).Scan(&status, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionRejected, nil
	}
	if err != nil {
		return DecisionRejected, fmt.Errorf("repository: authorize %s: %w", emaid, err)
	}
	return decide(status, validUntil, time.Now().UTC()), nil
}

// RecordUse stamps the last successful authorization of emaid.
func (r *ContractRepository) RecordUse(ctx context.Context, emaid, evseID string) error {
	const query = `
		UPDATE contract_authorizations
		SET last_used_at = NOW(),
		    last_evse_id = $2
		WHERE emaid = $1
	`
	_, err := r.db.ExecContext(ctx, query, emaid, evseID)
	return err
}

func decide(status string, validUntil sql.NullTime, now time.Time) Decision {
	if validUntil.Valid && validUntil.Time.Before(now) {
		return DecisionRejected
	}
	switch status {
	case ContractActive:
		return DecisionAccepted
	case ContractPending:
		return DecisionPending
	default:
		return DecisionRejected
	}
}
