package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states supported by the escrow engine.
type Status uint8

const (
	StatusHeld Status = iota
	StatusPendingDistribution
	StatusPartial
	StatusReleased
	StatusForfeited
	StatusRefunded
)

var statusNames = map[Status]string{
	StatusHeld:                "held",
	StatusPendingDistribution: "pendingDistribution",
	StatusPartial:             "partial",
	StatusReleased:            "released",
	StatusForfeited:           "forfeited",
	StatusRefunded:            "refunded",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusForfeited, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status using its canonical wire name.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid escrow status: %d", uint8(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status from its canonical wire name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus resolves the canonical wire name of a status.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	for status, name := range statusNames {
		if name == trimmed {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status: %q", raw)
}

// canTransition encodes the legal status transitions. Terminal states admit
// nothing; held and partial may move to any of the outcome states or to
// pendingDistribution (dispute backpressure); pendingDistribution may only
// resolve into an outcome state.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusHeld, StatusPartial:
		switch to {
		case StatusPendingDistribution, StatusPartial, StatusReleased, StatusForfeited, StatusRefunded:
			return true
		}
	case StatusPendingDistribution:
		switch to {
		case StatusPartial, StatusReleased, StatusForfeited, StatusRefunded:
			return true
		}
	}
	return false
}

// Stakeholder is a participant whose principal contributes to an escrow.
type Stakeholder struct {
	UserID    string   `json:"userId"`
	StakeID   string   `json:"stakeId"`
	Principal *big.Int `json:"principal"`
}

// Clone returns a deep copy of the stakeholder.
func (s Stakeholder) Clone() Stakeholder {
	clone := s
	if s.Principal != nil {
		clone.Principal = new(big.Int).Set(s.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	return clone
}

// TxRef is the receipt for one distribution leg: the appended transaction, the
// credited account and the provider correlation reference.
type TxRef struct {
	TransactionID string   `json:"transactionId"`
	Type          TxType   `json:"type"`
	AccountID     string   `json:"accountId"`
	Amount        *big.Int `json:"amount"`
	WalletRef     string   `json:"walletRef"`
}

func (r TxRef) clone() TxRef {
	clone := r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// Escrow captures one goal's held pool of staked principal plus accrued yield.
// The identifier is the keccak256 hash of the goal id, currency and the
// ordered stakeholder tuples, ensuring deterministic IDs across retried
// creation attempts.
type Escrow struct {
	ID            string        `json:"id"`
	GoalID        string        `json:"goalId"`
	Stakeholders  []Stakeholder `json:"stakeholders"`
	AccruedAmount *big.Int      `json:"accruedAmount"`
	Status        Status        `json:"status"`
	HoldReference string        `json:"holdReference"`
	Currency      string        `json:"currency"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
	// AccruedAt is the upper bound of the last accrued period. Accrual always
	// covers (AccruedAt, asOf] so overlapping sweeps cannot double-count.
	AccruedAt     int64   `json:"accruedAt"`
	ReleaseTxRefs []TxRef `json:"releaseTxRefs,omitempty"`
}

// TotalPrincipal sums the stakeholder principals.
func (e *Escrow) TotalPrincipal() *big.Int {
	total := big.NewInt(0)
	if e == nil {
		return total
	}
	for _, s := range e.Stakeholders {
		if s.Principal != nil {
			total.Add(total, s.Principal)
		}
	}
	return total
}

// Pool is the distributable balance: principal plus accrued yield.
func (e *Escrow) Pool() *big.Int {
	pool := e.TotalPrincipal()
	if e != nil && e.AccruedAmount != nil {
		pool.Add(pool, e.AccruedAmount)
	}
	return pool
}

// StakeholderByUser returns the stakeholder entry for the given user id.
func (e *Escrow) StakeholderByUser(userID string) (Stakeholder, bool) {
	if e == nil {
		return Stakeholder{}, false
	}
	for _, s := range e.Stakeholders {
		if s.UserID == userID {
			return s.Clone(), true
		}
	}
	return Stakeholder{}, false
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.AccruedAmount != nil {
		clone.AccruedAmount = new(big.Int).Set(e.AccruedAmount)
	} else {
		clone.AccruedAmount = big.NewInt(0)
	}
	clone.Stakeholders = make([]Stakeholder, 0, len(e.Stakeholders))
	for _, s := range e.Stakeholders {
		clone.Stakeholders = append(clone.Stakeholders, s.Clone())
	}
	if len(e.ReleaseTxRefs) > 0 {
		clone.ReleaseTxRefs = make([]TxRef, 0, len(e.ReleaseTxRefs))
		for _, ref := range e.ReleaseTxRefs {
			clone.ReleaseTxRefs = append(clone.ReleaseTxRefs, ref.clone())
		}
	}
	return &clone
}

// NormalizeCurrency canonicalises a currency code to its uppercase form. Codes
// are opaque to the engine beyond basic shape checks; FX is out of scope.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: currency required")
	}
	if len(trimmed) > 8 {
		return "", fmt.Errorf("escrow: currency code too long: %s", code)
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("escrow: invalid currency code: %s", code)
		}
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow, returning a
// cloned instance with canonical currency casing and non-nil amount fields.
// The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("escrow id required")
	}
	if strings.TrimSpace(clone.GoalID) == "" {
		return nil, fmt.Errorf("escrow goal id required")
	}
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	if len(clone.Stakeholders) == 0 {
		return nil, fmt.Errorf("escrow requires at least one stakeholder")
	}
	seen := make(map[string]struct{}, len(clone.Stakeholders))
	for i := range clone.Stakeholders {
		s := &clone.Stakeholders[i]
		if strings.TrimSpace(s.UserID) == "" {
			return nil, fmt.Errorf("stakeholder user id required")
		}
		if s.Principal == nil || s.Principal.Sign() <= 0 {
			return nil, fmt.Errorf("stakeholder principal must be positive")
		}
		if _, dup := seen[s.UserID]; dup {
			return nil, fmt.Errorf("duplicate stakeholder user %s", s.UserID)
		}
		seen[s.UserID] = struct{}{}
	}
	if clone.AccruedAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow accrued amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}

// TxType labels an append-only escrow transaction.
type TxType string

const (
	TxTypeHold    TxType = "hold"
	TxTypeRelease TxType = "release"
	TxTypeForfeit TxType = "forfeit"
	TxTypeRefund  TxType = "refund"
	TxTypeFee     TxType = "fee"
)

// Valid reports whether the transaction type is one of the supported kinds.
func (t TxType) Valid() bool {
	switch t {
	case TxTypeHold, TxTypeRelease, TxTypeForfeit, TxTypeRefund, TxTypeFee:
		return true
	default:
		return false
	}
}

// Transaction is one append-only row in an escrow's money-movement history.
// Rows are never updated or deleted.
type Transaction struct {
	ID        string   `json:"id"`
	EscrowID  string   `json:"escrowId"`
	Type      TxType   `json:"type"`
	Amount    *big.Int `json:"amount"`
	Reference string   `json:"reference"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// DisputeStatus tracks the open/resolved lifecycle of a grievance.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Decision is an adjudicator's ruling on a dispute.
type Decision string

const (
	DecisionUpholdSuccess Decision = "upholdSuccess"
	DecisionUpholdFailure Decision = "upholdFailure"
	DecisionRefund        Decision = "refund"
)

// ParseDecision resolves the canonical form of an adjudication decision.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.TrimSpace(raw)) {
	case DecisionUpholdSuccess:
		return DecisionUpholdSuccess, nil
	case DecisionUpholdFailure:
		return DecisionUpholdFailure, nil
	case DecisionRefund:
		return DecisionRefund, nil
	default:
		return "", fmt.Errorf("unknown adjudication decision: %q", raw)
	}
}

// Dispute is a stakeholder grievance gating distribution for one goal.
type Dispute struct {
	ID         string        `json:"id"`
	GoalID     string        `json:"goalId"`
	EscrowID   string        `json:"escrowId"`
	FiledBy    string        `json:"filedBy"`
	Reason     string        `json:"reason"`
	Evidence   []string      `json:"evidence,omitempty"`
	Status     DisputeStatus `json:"status"`
	CreatedAt  int64         `json:"createdAt"`
	ResolvedAt int64         `json:"resolvedAt,omitempty"`
	DecisionBy string        `json:"decisionBy,omitempty"`
	Decision   Decision      `json:"decision,omitempty"`
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Evidence = append([]string(nil), d.Evidence...)
	return &clone
}

// GoalSummary aggregates the escrow view exposed to the surrounding app.
type GoalSummary struct {
	GoalID              string   `json:"goalId"`
	EscrowID            string   `json:"escrowId"`
	Status              Status   `json:"status"`
	TotalPrincipal      *big.Int `json:"totalPrincipal"`
	AccruedAmount       *big.Int `json:"accruedAmount"`
	Currency            string   `json:"currency"`
	PendingDistribution bool     `json:"pendingDistribution"`
	NextActionAt        int64    `json:"nextActionAt,omitempty"`
}
