package escrowd

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakepact/escrow"
	"stakepact/ledger"
	"stakepact/services/escrowd/models"
)

// Store persists engine state, ledger entries, and audit records in a
// relational database. It backs the service when DatabaseURL is configured;
// deployments without one use the embedded storage.Store instead.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle. The schema must already be migrated via
// models.AutoMigrate.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EscrowPut validates and upserts the escrow together with its stakeholder
// rows.
func (s *Store) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	row, err := escrowRow(sanitized)
	if err != nil {
		return err
	}
	holders := make([]models.Stakeholder, 0, len(sanitized.Stakeholders))
	for i, sh := range sanitized.Stakeholders {
		holders = append(holders, models.Stakeholder{
			EscrowID:  sanitized.ID,
			UserID:    sh.UserID,
			Position:  i,
			StakeID:   sh.StakeID,
			Principal: amountString(sh.Principal),
		})
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return err
		}
		if err := tx.Where("escrow_id = ?", sanitized.ID).Delete(&models.Stakeholder{}).Error; err != nil {
			return err
		}
		if len(holders) == 0 {
			return nil
		}
		return tx.Create(&holders).Error
	})
}

// EscrowGet implements escrow.EngineState.
func (s *Store) EscrowGet(id string) (*escrow.Escrow, bool, error) {
	var row models.Escrow
	err := s.db.Preload("Stakeholders", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	esc, err := escrowFromRow(&row)
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowIDByGoal implements escrow.EngineState.
func (s *Store) EscrowIDByGoal(goalID string) (string, bool, error) {
	var row models.Escrow
	err := s.db.Select("id").First(&row, "goal_id = ?", goalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.ID, true, nil
}

// EscrowsByStatus lists escrow ids in the given status, ascending by id.
func (s *Store) EscrowsByStatus(status escrow.Status) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.Model(&models.Escrow{}).
		Where("status = ?", status.String()).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TxAppend implements escrow.EngineState.
func (s *Store) TxAppend(tx *escrow.Transaction) error {
	if tx == nil {
		return fmt.Errorf("escrowd: nil transaction")
	}
	if tx.EscrowID == "" {
		return fmt.Errorf("escrowd: transaction missing escrow id")
	}
	row, err := transactionRow(tx)
	if err != nil {
		return err
	}
	return s.db.Create(row).Error
}

// TxList returns the escrow's transactions in append order.
func (s *Store) TxList(escrowID string) ([]*escrow.Transaction, error) {
	var rows []models.Transaction
	if err := s.db.Where("escrow_id = ?", escrowID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*escrow.Transaction, 0, len(rows))
	for i := range rows {
		tx, err := transactionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// DisputePut implements escrow.EngineState.
func (s *Store) DisputePut(d *escrow.Dispute) error {
	if d == nil {
		return fmt.Errorf("escrowd: nil dispute")
	}
	if d.ID == "" || d.GoalID == "" {
		return fmt.Errorf("escrowd: dispute requires id and goal id")
	}
	row, err := disputeRow(d)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// DisputeGet implements escrow.EngineState.
func (s *Store) DisputeGet(id string) (*escrow.Dispute, bool, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, false, nil
	}
	var row models.Dispute
	err = s.db.First(&row, "id = ?", parsed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d, err := disputeFromRow(&row)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// OpenDisputeByGoal implements escrow.EngineState.
func (s *Store) OpenDisputeByGoal(goalID string) (*escrow.Dispute, bool, error) {
	var row models.Dispute
	err := s.db.Order("created_at ASC").
		First(&row, "goal_id = ? AND status = ?", goalID, string(escrow.DisputeOpen)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d, err := disputeFromRow(&row)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// LedgerAppend implements ledger.Store. The recorder has already balanced and
// stamped the entries.
func (s *Store) LedgerAppend(entries []*ledger.Entry) error {
	rows := make([]models.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			return fmt.Errorf("escrowd: nil ledger entry")
		}
		row, err := ledgerRow(entry)
		if err != nil {
			return err
		}
		rows = append(rows, *row)
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.Create(&rows).Error
}

// LedgerListByAccount implements ledger.Store.
func (s *Store) LedgerListByAccount(accountID string) ([]*ledger.Entry, error) {
	var rows []models.LedgerEntry
	if err := s.db.Where("account_id = ?", accountID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return entriesFromRows(rows)
}

// LedgerListByTransaction implements ledger.Store.
func (s *Store) LedgerListByTransaction(txID string) ([]*ledger.Entry, error) {
	parsed, err := uuid.Parse(txID)
	if err != nil {
		return []*ledger.Entry{}, nil
	}
	var rows []models.LedgerEntry
	if err := s.db.Where("transaction_id = ?", parsed).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return entriesFromRows(rows)
}

// LedgerAccounts lists every account with at least one entry. Reconciliation
// uses it to spot entries against escrows that no longer resolve.
func (s *Store) LedgerAccounts() ([]string, error) {
	var accounts []string
	if err := s.db.Model(&models.LedgerEntry{}).Distinct("account_id").Order("account_id ASC").Pluck("account_id", &accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// AuditAppend implements ledger.AuditStore.
func (s *Store) AuditAppend(rec *ledger.AuditRecord) error {
	if rec == nil {
		return fmt.Errorf("escrowd: nil audit record")
	}
	row, err := auditRow(rec)
	if err != nil {
		return err
	}
	return s.db.Create(row).Error
}

// AuditList implements ledger.AuditStore.
func (s *Store) AuditList(entityType, entityID string) ([]*ledger.AuditRecord, error) {
	var rows []models.AuditRecord
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*ledger.AuditRecord, 0, len(rows))
	for i := range rows {
		rec, err := auditFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func escrowRow(esc *escrow.Escrow) (*models.Escrow, error) {
	refs := ""
	if len(esc.ReleaseTxRefs) > 0 {
		raw, err := json.Marshal(esc.ReleaseTxRefs)
		if err != nil {
			return nil, fmt.Errorf("escrowd: encode release refs for %s: %w", esc.ID, err)
		}
		refs = string(raw)
	}
	return &models.Escrow{
		ID:            esc.ID,
		GoalID:        esc.GoalID,
		Status:        esc.Status.String(),
		Currency:      esc.Currency,
		AccruedAmount: amountString(esc.AccruedAmount),
		HoldReference: esc.HoldReference,
		ReleaseTxRefs: refs,
		CreatedAt:     esc.CreatedAt,
		UpdatedAt:     esc.UpdatedAt,
		AccruedAt:     esc.AccruedAt,
	}, nil
}

func escrowFromRow(row *models.Escrow) (*escrow.Escrow, error) {
	status, err := escrow.ParseStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("escrowd: escrow %s: %w", row.ID, err)
	}
	accrued, err := parseAmount(row.AccruedAmount)
	if err != nil {
		return nil, fmt.Errorf("escrowd: escrow %s accrued amount: %w", row.ID, err)
	}
	esc := &escrow.Escrow{
		ID:            row.ID,
		GoalID:        row.GoalID,
		Status:        status,
		Currency:      row.Currency,
		AccruedAmount: accrued,
		HoldReference: row.HoldReference,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		AccruedAt:     row.AccruedAt,
	}
	if row.ReleaseTxRefs != "" {
		if err := json.Unmarshal([]byte(row.ReleaseTxRefs), &esc.ReleaseTxRefs); err != nil {
			return nil, fmt.Errorf("escrowd: escrow %s release refs: %w", row.ID, err)
		}
	}
	esc.Stakeholders = make([]escrow.Stakeholder, 0, len(row.Stakeholders))
	for _, sh := range row.Stakeholders {
		principal, err := parseAmount(sh.Principal)
		if err != nil {
			return nil, fmt.Errorf("escrowd: escrow %s stakeholder %s principal: %w", row.ID, sh.UserID, err)
		}
		esc.Stakeholders = append(esc.Stakeholders, escrow.Stakeholder{
			UserID:    sh.UserID,
			StakeID:   sh.StakeID,
			Principal: principal,
		})
	}
	return esc, nil
}

func transactionRow(tx *escrow.Transaction) (*models.Transaction, error) {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return nil, fmt.Errorf("escrowd: transaction id %q: %w", tx.ID, err)
	}
	return &models.Transaction{
		ID:        id,
		EscrowID:  tx.EscrowID,
		Type:      string(tx.Type),
		Amount:    amountString(tx.Amount),
		Reference: tx.Reference,
		CreatedAt: tx.CreatedAt,
	}, nil
}

func transactionFromRow(row *models.Transaction) (*escrow.Transaction, error) {
	amount, err := parseAmount(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("escrowd: transaction %s amount: %w", row.ID, err)
	}
	return &escrow.Transaction{
		ID:        row.ID.String(),
		EscrowID:  row.EscrowID,
		Type:      escrow.TxType(row.Type),
		Amount:    amount,
		Reference: row.Reference,
		CreatedAt: row.CreatedAt,
	}, nil
}

func disputeRow(d *escrow.Dispute) (*models.Dispute, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("escrowd: dispute id %q: %w", d.ID, err)
	}
	evidence := ""
	if len(d.Evidence) > 0 {
		raw, err := json.Marshal(d.Evidence)
		if err != nil {
			return nil, fmt.Errorf("escrowd: encode evidence for %s: %w", d.ID, err)
		}
		evidence = string(raw)
	}
	return &models.Dispute{
		ID:         id,
		GoalID:     d.GoalID,
		EscrowID:   d.EscrowID,
		FiledBy:    d.FiledBy,
		Reason:     d.Reason,
		Evidence:   evidence,
		Status:     string(d.Status),
		Decision:   string(d.Decision),
		DecisionBy: d.DecisionBy,
		CreatedAt:  d.CreatedAt,
		ResolvedAt: d.ResolvedAt,
	}, nil
}

func disputeFromRow(row *models.Dispute) (*escrow.Dispute, error) {
	d := &escrow.Dispute{
		ID:         row.ID.String(),
		GoalID:     row.GoalID,
		EscrowID:   row.EscrowID,
		FiledBy:    row.FiledBy,
		Reason:     row.Reason,
		Status:     escrow.DisputeStatus(row.Status),
		Decision:   escrow.Decision(row.Decision),
		DecisionBy: row.DecisionBy,
		CreatedAt:  row.CreatedAt,
		ResolvedAt: row.ResolvedAt,
	}
	if row.Evidence != "" {
		if err := json.Unmarshal([]byte(row.Evidence), &d.Evidence); err != nil {
			return nil, fmt.Errorf("escrowd: dispute %s evidence: %w", row.ID, err)
		}
	}
	return d, nil
}

func ledgerRow(entry *ledger.Entry) (*models.LedgerEntry, error) {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		return nil, fmt.Errorf("escrowd: ledger entry id %q: %w", entry.ID, err)
	}
	txID, err := uuid.Parse(entry.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("escrowd: ledger transaction id %q: %w", entry.TransactionID, err)
	}
	return &models.LedgerEntry{
		ID:            id,
		TransactionID: txID,
		AccountID:     entry.AccountID,
		AccountType:   string(entry.AccountType),
		EntryType:     string(entry.EntryType),
		Amount:        amountString(entry.Amount),
		Description:   entry.Description,
		Reference:     entry.Reference,
		CreatedAt:     entry.CreatedAt,
	}, nil
}

func entriesFromRows(rows []models.LedgerEntry) ([]*ledger.Entry, error) {
	out := make([]*ledger.Entry, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		amount, err := parseAmount(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("escrowd: ledger entry %s amount: %w", row.ID, err)
		}
		out = append(out, &ledger.Entry{
			ID:            row.ID.String(),
			TransactionID: row.TransactionID.String(),
			AccountID:     row.AccountID,
			AccountType:   ledger.AccountType(row.AccountType),
			EntryType:     ledger.EntryType(row.EntryType),
			Amount:        amount,
			Description:   row.Description,
			Reference:     row.Reference,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out, nil
}

func auditRow(rec *ledger.AuditRecord) (*models.AuditRecord, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("escrowd: audit record id %q: %w", rec.ID, err)
	}
	changes := ""
	if len(rec.Changes) > 0 {
		raw, err := json.Marshal(rec.Changes)
		if err != nil {
			return nil, fmt.Errorf("escrowd: encode audit changes for %s: %w", rec.ID, err)
		}
		changes = string(raw)
	}
	return &models.AuditRecord{
		ID:         id,
		Action:     rec.Action,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		ActorID:    rec.ActorID,
		Changes:    changes,
		Reference:  rec.Reference,
		Timestamp:  rec.Timestamp,
	}, nil
}

func auditFromRow(row *models.AuditRecord) (*ledger.AuditRecord, error) {
	rec := &ledger.AuditRecord{
		ID:         row.ID.String(),
		Action:     row.Action,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		ActorID:    row.ActorID,
		Reference:  row.Reference,
		Timestamp:  row.Timestamp,
	}
	if row.Changes != "" {
		if err := json.Unmarshal([]byte(row.Changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("escrowd: audit record %s changes: %w", row.ID, err)
		}
	}
	return rec, nil
}

func amountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("escrowd: malformed amount %q", raw)
	}
	return n, nil
}
