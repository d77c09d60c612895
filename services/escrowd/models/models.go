// Package models defines the relational entities persisted by the escrowd
// service when a Postgres state backend is configured. Money columns hold
// decimal strings in minor units; parsing back into big.Int happens at the
// store boundary.
package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Escrow is one goal's held pool of staked principal plus accrued yield.
type Escrow struct {
	ID            string `gorm:"size:64;primaryKey"`
	GoalID        string `gorm:"size:128;uniqueIndex"`
	Status        string `gorm:"size:32;index"`
	Currency      string `gorm:"size:8"`
	AccruedAmount string `gorm:"size:80"`
	HoldReference string `gorm:"size:255"`
	// ReleaseTxRefs is the JSON-encoded receipt list of a finished
	// distribution.
	ReleaseTxRefs string `gorm:"type:text"`
	CreatedAt     int64
	UpdatedAt     int64
	AccruedAt     int64

	Stakeholders []Stakeholder `gorm:"foreignKey:EscrowID;references:ID"`
}

// Stakeholder is one participant's share of an escrow. Position preserves the
// creation order the deterministic escrow id was derived from.
type Stakeholder struct {
	EscrowID  string `gorm:"size:64;primaryKey"`
	UserID    string `gorm:"size:128;primaryKey"`
	Position  int
	StakeID   string `gorm:"size:128"`
	Principal string `gorm:"size:80"`
}

// Transaction is one append-only money-movement row. The surrogate sequence
// preserves append order across backends; the uuid is the domain identifier.
type Transaction struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	EscrowID  string    `gorm:"size:64;index"`
	Type      string    `gorm:"size:16"`
	Amount    string    `gorm:"size:80"`
	Reference string    `gorm:"size:255"`
	CreatedAt int64
}

// Dispute is a stakeholder grievance gating distribution for one goal.
type Dispute struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	GoalID   string    `gorm:"size:128;index"`
	EscrowID string    `gorm:"size:64;index"`
	FiledBy  string    `gorm:"size:128"`
	Reason   string    `gorm:"type:text"`
	// Evidence is a JSON-encoded string list.
	Evidence   string `gorm:"type:text"`
	Status     string `gorm:"size:16;index"`
	Decision   string `gorm:"size:32"`
	DecisionBy string `gorm:"size:128"`
	CreatedAt  int64
	ResolvedAt int64
}

// LedgerEntry is one immutable double-entry row.
type LedgerEntry struct {
	Seq           uint64    `gorm:"primaryKey;autoIncrement"`
	ID            uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	TransactionID uuid.UUID `gorm:"type:uuid;index"`
	AccountID     string    `gorm:"size:255;index"`
	AccountType   string    `gorm:"size:16"`
	EntryType     string    `gorm:"size:8"`
	Amount        string    `gorm:"size:80"`
	Description   string    `gorm:"size:255"`
	Reference     string    `gorm:"size:255"`
	CreatedAt     int64
}

// AuditRecord is one append-only row describing a state-changing call.
type AuditRecord struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Action     string    `gorm:"size:128"`
	EntityType string    `gorm:"size:32;index:idx_audit_entity"`
	EntityID   string    `gorm:"size:128;index:idx_audit_entity"`
	ActorID    string    `gorm:"size:128"`
	// Changes is a JSON-encoded string map.
	Changes   string `gorm:"type:text"`
	Reference string `gorm:"size:255"`
	Timestamp int64
}

// AutoMigrate creates or updates the schema for all escrowd entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Escrow{},
		&Stakeholder{},
		&Transaction{},
		&Dispute{},
		&LedgerEntry{},
		&AuditRecord{},
	)
}
