// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/journal"
	"github.com/amirphl/margin-trader/internal/ledger"
	"github.com/amirphl/margin-trader/internal/position"
	"github.com/amirphl/margin-trader/internal/tick"
)

// Storage is the interface for all persistent storage. The ledger and
// position store are the single source of truth for money; every
// balance-affecting path goes through the transaction primitive below.
type Storage interface {
	GetDB() *sql.DB
	asset.Store
	ledger.Ledger
	position.Store
	tick.Store
	journal.Journaler
}
