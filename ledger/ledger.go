// Package ledger implements the double-entry bookkeeping layer underneath the
// escrow engine. Every financial event produces matching debit and credit
// entries sharing a transaction id; entries are immutable once written and
// corrections are new offsetting entries.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryType distinguishes the two sides of a double-entry pair.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// AccountType labels the ledger account class an entry posts against.
type AccountType string

const (
	AccountEscrow   AccountType = "escrow"
	AccountUser     AccountType = "user"
	AccountCharity  AccountType = "charity"
	AccountPlatform AccountType = "platform"
)

// Well-known platform accounts.
const (
	PlatformRevenueAccount  = "platform:revenue"
	PlatformFeesAccount     = "platform:fees"
	PlatformInterestAccount = "platform:interest"
)

// EscrowAccount derives the ledger account id holding an escrow's pool.
func EscrowAccount(escrowID string) string { return "escrow:" + escrowID }

// UserAccount derives the ledger account id for a participant wallet.
func UserAccount(userID string) string { return "user:" + userID }

// CharityAccount derives the ledger account id for a designated charity.
func CharityAccount(charityID string) string { return "charity:" + charityID }

// AccountTypeOf classifies an account id by its prefix.
func AccountTypeOf(accountID string) AccountType {
	switch {
	case strings.HasPrefix(accountID, "escrow:"):
		return AccountEscrow
	case strings.HasPrefix(accountID, "user:"):
		return AccountUser
	case strings.HasPrefix(accountID, "charity:"):
		return AccountCharity
	default:
		return AccountPlatform
	}
}

// Entry is one immutable ledger row. Amounts are positive; the entry type
// carries the sign.
type Entry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	AccountID     string      `json:"accountId"`
	AccountType   AccountType `json:"accountType"`
	EntryType     EntryType   `json:"entryType"`
	Amount        *big.Int    `json:"amount"`
	Description   string      `json:"description"`
	Reference     string      `json:"reference,omitempty"`
	CreatedAt     int64       `json:"createdAt"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Debit builds a debit entry against the account.
func Debit(accountID string, amount *big.Int, description, reference string) *Entry {
	return newEntry(accountID, EntryDebit, amount, description, reference)
}

// Credit builds a credit entry against the account.
func Credit(accountID string, amount *big.Int, description, reference string) *Entry {
	return newEntry(accountID, EntryCredit, amount, description, reference)
}

func newEntry(accountID string, entryType EntryType, amount *big.Int, description, reference string) *Entry {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	return &Entry{
		AccountID:   accountID,
		AccountType: AccountTypeOf(accountID),
		EntryType:   entryType,
		Amount:      amt,
		Description: description,
		Reference:   reference,
	}
}

var (
	// ErrUnbalanced signals a transaction whose debits and credits do not sum
	// to zero.
	ErrUnbalanced = errors.New("ledger: transaction debits and credits do not balance")

	errNilStore = errors.New("ledger: store not configured")
)

// Store persists ledger entries. Appends are atomic per call: either every
// entry of a transaction lands or none do.
type Store interface {
	LedgerAppend(entries []*Entry) error
	LedgerListByAccount(accountID string) ([]*Entry, error)
	LedgerListByTransaction(txID string) ([]*Entry, error)
}

// Recorder validates and appends balanced double-entry transactions.
type Recorder struct {
	store Store
	nowFn func() int64
}

// NewRecorder wires a recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *Recorder) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// NewTransactionID mints a fresh ledger transaction id.
func NewTransactionID() string { return uuid.NewString() }

// Record validates the entry set as one balanced transaction and appends it.
// Every entry is stamped with the transaction id, a fresh entry id and the
// recorder's clock.
func (r *Recorder) Record(txID string, entries []*Entry) error {
	if r == nil || r.store == nil {
		return errNilStore
	}
	if strings.TrimSpace(txID) == "" {
		return errors.New("ledger: transaction id required")
	}
	if len(entries) < 2 {
		return fmt.Errorf("ledger: transaction %s needs at least one debit and one credit", txID)
	}
	debits := big.NewInt(0)
	credits := big.NewInt(0)
	now := r.nowFn()
	stamped := make([]*Entry, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			return fmt.Errorf("ledger: transaction %s contains nil entry", txID)
		}
		if strings.TrimSpace(entry.AccountID) == "" {
			return fmt.Errorf("ledger: transaction %s entry missing account", txID)
		}
		if entry.Amount == nil || entry.Amount.Sign() <= 0 {
			return fmt.Errorf("ledger: transaction %s entry amount must be positive", txID)
		}
		switch entry.EntryType {
		case EntryDebit:
			debits.Add(debits, entry.Amount)
		case EntryCredit:
			credits.Add(credits, entry.Amount)
		default:
			return fmt.Errorf("ledger: transaction %s entry has unknown type %q", txID, entry.EntryType)
		}
		clone := entry.Clone()
		clone.ID = uuid.NewString()
		clone.TransactionID = txID
		clone.CreatedAt = now
		if clone.AccountType == "" {
			clone.AccountType = AccountTypeOf(clone.AccountID)
		}
		stamped = append(stamped, clone)
	}
	if debits.Sign() == 0 || credits.Sign() == 0 {
		return fmt.Errorf("ledger: transaction %s needs at least one debit and one credit", txID)
	}
	if debits.Cmp(credits) != 0 {
		return fmt.Errorf("%w: tx %s debits %s credits %s", ErrUnbalanced, txID, debits, credits)
	}
	return r.store.LedgerAppend(stamped)
}

// AccountBalance nets the account's entries as credits minus debits.
func (r *Recorder) AccountBalance(accountID string) (*big.Int, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	entries, err := r.store.LedgerListByAccount(accountID)
	if err != nil {
		return nil, err
	}
	balance := big.NewInt(0)
	for _, entry := range entries {
		if entry == nil || entry.Amount == nil {
			continue
		}
		switch entry.EntryType {
		case EntryCredit:
			balance.Add(balance, entry.Amount)
		case EntryDebit:
			balance.Sub(balance, entry.Amount)
		}
	}
	return balance, nil
}

// TransactionEntries lists the entries recorded under one transaction id.
func (r *Recorder) TransactionEntries(txID string) ([]*Entry, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	return r.store.LedgerListByTransaction(txID)
}
