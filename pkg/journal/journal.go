// Package journal records pool events in an append-only Postgres
// table for audit and replay. The pool depends only on the Journal
// interface; Nop keeps it usable without a database.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRefresh       EventType = "refresh"
	EventDeposit       EventType = "deposit"
	EventWithdraw      EventType = "withdraw"
	EventPush          EventType = "push"
	EventPull          EventType = "pull"
	EventFallback      EventType = "withdraw_fallback"
	EventEmergencyExit EventType = "emergency_exit"
	EventVaultAdded    EventType = "vault_added"
	EventVaultRemoved  EventType = "vault_removed"
	EventLimitChanged  EventType = "limit_changed"
	EventFeeChanged    EventType = "fee_changed"
)

// Event is one recorded pool transition. Amount fields are decimal
// strings of token smallest units; empty means not applicable.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor,omitempty"`
	Vault      string    `json:"vault,omitempty"`
	Assets     string    `json:"assets,omitempty"`
	Shares     string    `json:"shares,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type Journal interface {
	Record(ctx context.Context, ev Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error          { return nil }
func (Nop) Recent(context.Context, int) ([]Event, error) { return nil, nil }
func (Nop) Close()                                       {}
