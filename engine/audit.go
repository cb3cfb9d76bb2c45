/*
audit.go - Append-only audit trail

PURPOSE:
  Every create/update/delete of a financially significant record produces
  an immutable entry capturing before/after snapshots, actor, timestamp,
  and - for period-bounded records - whether the change is retroactive
  and which period it touches.

CONTRACT:
  - Append-only. No update, no delete. Entries outlive the records they
    describe.
  - Write-only from the engine's perspective: calculation logic never
    reads the trail back.
  - The append happens atomically with the primary write (same unit of
    work), an explicit write-path wrapper rather than a database hook.
*/
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT ENTRIES
// =============================================================================

type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

type AuditEntry struct {
	ID        string
	At        time.Time
	ActorID   string
	Action    AuditAction
	Entity    string // e.g. "deal", "payout_run", "clawback"
	EntityID  string
	Before    json.RawMessage
	After     json.RawMessage
	// Retroactive marks changes touching an already-closed period; Period
	// is the month affected when the record is period-bounded.
	Retroactive bool
	Period      *Month
}

// AuditLog stores entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Entity   string
	EntityID string
	ActorID  string
	From     *time.Time
	To       *time.Time
}

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// NewAuditEntry snapshots before/after states as JSON. Marshal failures are
// recorded as nulls rather than blocking the primary write.
func NewAuditEntry(actor string, action AuditAction, entity, entityID string, before, after any) AuditEntry {
	entry := AuditEntry{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
	}
	if before != nil {
		if raw, err := json.Marshal(before); err == nil {
			entry.Before = raw
		}
	}
	if after != nil {
		if raw, err := json.Marshal(after); err == nil {
			entry.After = raw
		}
	}
	return entry
}

// WithPeriod marks the entry period-bounded; retroactive when the period is
// already locked.
func (e AuditEntry) WithPeriod(period Month, locked bool) AuditEntry {
	e.Period = &period
	e.Retroactive = locked
	return e
}
