// Package audit emits immutable audit log entries for every state-changing
// action in the broker.
package audit

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/types"
)

// Emitter writes audit entries inside the transaction of the transition
// they record. A failed audit write fails the transition: an unaudited
// privilege change is treated as an incident, not a degraded mode.
type Emitter struct {
	store *database.AuditStore
}

// NewEmitter creates an Emitter.
func NewEmitter(store *database.AuditStore) *Emitter {
	return &Emitter{store: store}
}

// Record appends one entry within tx. The caller's transaction commits the
// entry together with the state change, or neither.
func (e *Emitter) Record(tx *sqlx.Tx, entry *types.AuditLog) error {
	if err := e.store.AppendTx(tx, entry); err != nil {
		log.Error().
			Err(err).
			Str("action", entry.Action).
			Msg("Audit write failed, aborting transition")
		return fmt.Errorf("audit write for %s: %w", entry.Action, err)
	}

	log.Debug().
		Str("action", entry.Action).
		Str("actor", entry.ActorUserID.UUID.String()).
		Msg("Audit entry recorded")
	return nil
}
