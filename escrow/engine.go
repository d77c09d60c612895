package escrow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"stakepact/core/events"
	"stakepact/ledger"
)

// EngineState is the persistence surface the engine drives. Implementations
// must return defensive copies; the engine never hands callers a pointer it
// also keeps.
type EngineState interface {
	EscrowPut(esc *Escrow) error
	EscrowGet(id string) (*Escrow, bool, error)
	EscrowIDByGoal(goalID string) (string, bool, error)
	EscrowsByStatus(status Status) ([]string, error)
	TxAppend(tx *Transaction) error
	TxList(escrowID string) ([]*Transaction, error)
	DisputePut(d *Dispute) error
	DisputeGet(id string) (*Dispute, bool, error)
	OpenDisputeByGoal(goalID string) (*Dispute, bool, error)
}

// Balance reports the funds a wallet provider holds for an account.
type Balance struct {
	Available *big.Int
	Held      *big.Int
}

// Wallet is the external funds provider. Calls cross a network boundary, so
// they take a context and are expected to deduplicate on the reference
// string: re-sending a transfer with a reference the provider has already
// executed must be a no-op on its side.
type Wallet interface {
	HoldFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error
	ReleaseFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error
	RefundFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error
	GetBalance(ctx context.Context, accountID, currency string) (Balance, error)
}

// Ledger is the slice of the bookkeeping recorder the engine needs.
// *ledger.Recorder satisfies it.
type Ledger interface {
	Record(txID string, entries []*ledger.Entry) error
	AccountBalance(accountID string) (*big.Int, error)
}

// AuditSink receives a record for every state change the engine makes.
// *ledger.AuditTrail satisfies it.
type AuditSink interface {
	Record(action, entityType, entityID, actorID, reference string, changes map[string]string)
}

// Engine owns the escrow lifecycle: holding stakes, accruing interest,
// distributing funds on goal completion, and adjudicating disputes. All money
// movement is serialised per escrow through an internal lock table, so a
// single Engine is safe for concurrent use.
type Engine struct {
	state    EngineState
	wallet   Wallet
	ledger   Ledger
	audit    AuditSink
	guard    GuardStore
	emitter  events.Emitter
	pauses   Pauses
	schedule *Schedule

	accrualFeeBps uint32
	sweepEvery    time.Duration
	guardTTL      time.Duration

	locks *lockTable
	nowFn func() int64
}

// NewEngine creates an escrow engine with a no-op emitter and an in-memory
// idempotency guard. Callers wire persistent collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		guard:      NewMemoryGuard(),
		locks:      newLockTable(),
		sweepEvery: 15 * time.Minute,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the persistence backend used to store escrows, transactions
// and disputes.
func (e *Engine) SetState(state EngineState) { e.state = state }

// SetWallet wires the funds provider.
func (e *Engine) SetWallet(w Wallet) { e.wallet = w }

// SetLedger wires the double-entry recorder.
func (e *Engine) SetLedger(l Ledger) { e.ledger = l }

// SetAudit wires the audit sink. A nil sink disables auditing.
func (e *Engine) SetAudit(a AuditSink) { e.audit = a }

// SetGuard overrides the idempotency guard store. Passing nil restores the
// in-memory guard.
func (e *Engine) SetGuard(g GuardStore) {
	if g == nil {
		e.guard = NewMemoryGuard()
		return
	}
	e.guard = g
}

// SetEmitter configures the engine event emitter. Passing nil restores the
// no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the operational pause switchboard. A nil value means
// nothing is ever paused.
func (e *Engine) SetPauses(p Pauses) { e.pauses = p }

// SetSchedule wires the APR tier schedule used by Accrue.
func (e *Engine) SetSchedule(s *Schedule) { e.schedule = s }

// SetAccrualFeeBps sets the platform fee, in basis points, deducted from
// every accrual increment.
func (e *Engine) SetAccrualFeeBps(bps uint32) { e.accrualFeeBps = bps }

// SetSweepInterval records the cadence of the accrual sweeper so summaries
// can report when an escrow is next due. It does not start the sweeper.
func (e *Engine) SetSweepInterval(d time.Duration) { e.sweepEvery = d }

// SetGuardTTL bounds how long idempotency records are replayed. Zero keeps
// them forever.
func (e *Engine) SetGuardTTL(ttl time.Duration) { e.guardTTL = ttl }

// SetNowFunc overrides the engine clock. Passing nil restores the real
// clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) auditRecord(action, entityType, entityID, actorID, reference string, changes map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	e.audit.Record(action, entityType, entityID, actorID, reference, changes)
}

func (e *Engine) auditStatus(action string, esc *Escrow, before Status, actorID, reference string) {
	e.auditRecord(action, "escrow", esc.ID, actorID, reference, map[string]string{
		"statusBefore": before.String(),
		"statusAfter":  esc.Status.String(),
	})
}

func (e *Engine) loadEscrow(id string) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", id, err)
	}
	if !ok || esc == nil {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, id)
	}
	return esc, nil
}

func (e *Engine) guardExpiry(now int64) int64 {
	if e.guardTTL <= 0 {
		return 0
	}
	return now + int64(e.guardTTL/time.Second)
}

// transition moves the escrow to the target status, rejecting moves the
// lifecycle table forbids. Same-status calls are no-ops.
func (e *Engine) transition(esc *Escrow, to Status) error {
	if esc.Status == to {
		return nil
	}
	if !canTransition(esc.Status, to) {
		return fmt.Errorf("%w: escrow %s cannot move from %s to %s", ErrInvalidState, esc.ID, esc.Status, to)
	}
	esc.Status = to
	return nil
}

// DeterministicID derives the escrow identifier from the goal, currency and
// the ordered stakeholder set, so retried holds converge on the same escrow.
func DeterministicID(goalID, currency string, stakeholders []Stakeholder) string {
	var b strings.Builder
	b.WriteString("escrow|")
	b.WriteString(goalID)
	b.WriteString("|")
	b.WriteString(currency)
	for _, s := range stakeholders {
		b.WriteString("|")
		b.WriteString(s.UserID)
		b.WriteString("|")
		b.WriteString(s.StakeID)
		b.WriteString("|")
		if s.Principal != nil {
			b.WriteString(s.Principal.String())
		}
	}
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(b.String())))
}

func walletRef(op, escrowID, accountID string) string {
	return op + ":" + escrowID + ":" + accountID
}

func terminalStatusFor(op string) Status {
	switch op {
	case OpRelease:
		return StatusReleased
	case OpForfeit:
		return StatusForfeited
	case OpRefund:
		return StatusRefunded
	default:
		return StatusHeld
	}
}

func distDescription(op string) string {
	switch op {
	case OpRelease:
		return "goal release payout"
	case OpForfeit:
		return "goal forfeit distribution"
	case OpRefund:
		return "adjudicated stake refund"
	default:
		return "escrow distribution"
	}
}

func cloneRefs(refs []TxRef) []TxRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]TxRef, len(refs))
	for i := range refs {
		out[i] = refs[i].clone()
	}
	return out
}

type distributionResult struct {
	Refs []TxRef `json:"refs"`
}

// Hold creates an escrow for a goal, placing a wallet hold on every
// stakeholder's principal before any record is persisted. The escrow id is
// derived from the stake definition, so a retried hold finds its earlier
// result instead of double-holding funds.
func (e *Engine) Hold(ctx context.Context, goalID string, stakeholders []Stakeholder, currency, key string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.wallet == nil {
		return nil, errNilWallet
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.guard == nil {
		return nil, errNilGuard
	}
	goalID = strings.TrimSpace(goalID)
	if goalID == "" {
		return nil, fmt.Errorf("escrow: goal id must not be empty")
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	id := DeterministicID(goalID, normalized, stakeholders)
	unlock := e.locks.Lock(id)
	defer unlock()

	now := e.now()
	fingerprint := GuardFingerprint(OpHold, id, goalID, normalized)
	if rec, ok, err := e.guard.GuardGet(OpHold, id, key, now); err != nil {
		return nil, fmt.Errorf("escrow: guard lookup: %w", err)
	} else if ok {
		if rec.Fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: hold %s", ErrIdempotencyMismatch, key)
		}
		cached := new(Escrow)
		if err := json.Unmarshal(rec.Result, cached); err != nil {
			return nil, fmt.Errorf("escrow: decode cached hold: %w", err)
		}
		return cached, nil
	}

	if existing, ok, err := e.state.EscrowGet(id); err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", id, err)
	} else if ok && existing != nil {
		// Same definition hashed to the same id; the hold already happened.
		return existing, nil
	}
	if otherID, ok, err := e.state.EscrowIDByGoal(goalID); err != nil {
		return nil, fmt.Errorf("escrow: goal lookup: %w", err)
	} else if ok && otherID != id {
		return nil, fmt.Errorf("%w: goal %s already has escrow %s", ErrInvalidState, goalID, otherID)
	}

	esc := &Escrow{
		ID:            id,
		GoalID:        goalID,
		Stakeholders:  stakeholders,
		AccruedAmount: big.NewInt(0),
		Status:        StatusHeld,
		Currency:      normalized,
		CreatedAt:     now,
		UpdatedAt:     now,
		AccruedAt:     now,
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return nil, err
	}

	var held []Stakeholder
	for _, s := range sanitized.Stakeholders {
		account := ledger.UserAccount(s.UserID)
		if werr := e.wallet.HoldFunds(ctx, account, s.Principal, normalized, walletRef(OpHold, id, account)); werr != nil {
			e.unwindHolds(ctx, id, normalized, held)
			if errors.Is(werr, ErrInsufficientFunds) {
				return nil, fmt.Errorf("hold stake for %s: %w", s.UserID, werr)
			}
			return nil, &ProviderError{Op: OpHold, Detail: "hold stake for " + s.UserID, Err: werr}
		}
		held = append(held, s)
	}

	txID := ledger.NewTransactionID()
	sanitized.HoldReference = txID
	if err := e.state.EscrowPut(sanitized); err != nil {
		e.unwindHolds(ctx, id, normalized, held)
		return nil, fmt.Errorf("escrow: persist %s: %w", id, err)
	}

	entries := make([]*ledger.Entry, 0, len(sanitized.Stakeholders)*2)
	for _, s := range sanitized.Stakeholders {
		ref := walletRef(OpHold, id, ledger.UserAccount(s.UserID))
		tx := &Transaction{
			ID:        uuid.NewString(),
			EscrowID:  id,
			Type:      TxTypeHold,
			Amount:    new(big.Int).Set(s.Principal),
			Reference: ref,
			CreatedAt: now,
		}
		if err := e.state.TxAppend(tx); err != nil {
			return nil, fmt.Errorf("escrow: append hold transaction: %w", err)
		}
		entries = append(entries,
			ledger.Debit(ledger.UserAccount(s.UserID), s.Principal, "goal stake hold", id),
			ledger.Credit(ledger.EscrowAccount(id), s.Principal, "goal stake hold", id),
		)
	}
	if err := e.ledger.Record(txID, entries); err != nil {
		return nil, fmt.Errorf("escrow: record hold ledger: %w", err)
	}

	result, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode hold result: %w", err)
	}
	putErr := e.guard.GuardPut(&GuardRecord{
		Operation:   OpHold,
		EscrowID:    id,
		Key:         key,
		Fingerprint: fingerprint,
		Result:      result,
		StoredAt:    now,
		ExpiresAt:   e.guardExpiry(now),
	}, now)
	if putErr != nil && !errors.Is(putErr, ErrIdempotentDuplicate) {
		return nil, fmt.Errorf("escrow: store hold guard: %w", putErr)
	}

	e.auditRecord("escrow.hold", "escrow", id, "", txID, map[string]string{
		"statusAfter":    StatusHeld.String(),
		"totalPrincipal": sanitized.TotalPrincipal().String(),
	})
	e.emit(NewHeldEvent(sanitized))
	return sanitized.Clone(), nil
}

// unwindHolds reverses wallet holds placed during a creation attempt that
// cannot complete. Best effort: a failed reversal leaves the provider hold in
// place for reconciliation to surface.
func (e *Engine) unwindHolds(ctx context.Context, escrowID, currency string, held []Stakeholder) {
	for _, h := range held {
		account := ledger.UserAccount(h.UserID)
		_ = e.wallet.RefundFunds(ctx, account, h.Principal, currency, walletRef("unwind", escrowID, account))
	}
}

// Get returns the escrow with the given id.
func (e *Engine) Get(escrowID string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadEscrow(escrowID)
}

// GetByGoal returns the escrow backing a goal.
func (e *Engine) GetByGoal(goalID string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id, ok, err := e.state.EscrowIDByGoal(strings.TrimSpace(goalID))
	if err != nil {
		return nil, fmt.Errorf("escrow: goal lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: goal %s", ErrEscrowNotFound, goalID)
	}
	return e.loadEscrow(id)
}

// Transactions returns the append-only transaction log for an escrow.
func (e *Engine) Transactions(escrowID string) ([]*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadEscrow(escrowID); err != nil {
		return nil, err
	}
	return e.state.TxList(escrowID)
}

// HeldEscrowIDs lists the escrows currently accruing, for the sweeper.
func (e *Engine) HeldEscrowIDs() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowsByStatus(StatusHeld)
}

// Release distributes principal plus accrued interest to the plan's
// recipients after a goal succeeds.
func (e *Engine) Release(ctx context.Context, escrowID string, plan DistributionPlan, key string) ([]TxRef, error) {
	return e.runDistribution(ctx, OpRelease, escrowID, plan, key, "")
}

// Forfeit distributes the pool per the forfeit rules after a goal fails.
func (e *Engine) Forfeit(ctx context.Context, escrowID string, plan DistributionPlan, key string) ([]TxRef, error) {
	return e.runDistribution(ctx, OpForfeit, escrowID, plan, key, "")
}

// Refund returns each stakeholder exactly their principal; accrued interest
// sweeps to platform revenue.
func (e *Engine) Refund(ctx context.Context, escrowID string, key string) ([]TxRef, error) {
	return e.runDistribution(ctx, OpRefund, escrowID, DistributionPlan{Type: PlanIndividual}, key, "")
}

func (e *Engine) runDistribution(ctx context.Context, op, escrowID string, plan DistributionPlan, key, actor string) ([]TxRef, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.locks.Lock(escrowID)
	defer unlock()
	return e.distribute(ctx, op, escrowID, plan, key, actor)
}

// distribute performs a release, forfeit or refund. The caller must hold the
// escrow lock. Wallet legs are executed one at a time with deterministic
// references; a mid-flight failure leaves the escrow partial with the
// completed legs booked, and a retry resumes from the remaining legs.
func (e *Engine) distribute(ctx context.Context, op, escrowID string, plan DistributionPlan, key, actor string) ([]TxRef, error) {
	if e.wallet == nil {
		return nil, errNilWallet
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.guard == nil {
		return nil, errNilGuard
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode plan: %w", err)
	}
	now := e.now()
	fingerprint := GuardFingerprint(op, escrowID, string(planJSON))
	if rec, ok, gerr := e.guard.GuardGet(op, escrowID, key, now); gerr != nil {
		return nil, fmt.Errorf("escrow: guard lookup: %w", gerr)
	} else if ok {
		if rec.Fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: %s %s", ErrIdempotencyMismatch, op, key)
		}
		var cached distributionResult
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			return nil, fmt.Errorf("escrow: decode cached result: %w", err)
		}
		return cached.Refs, nil
	}

	esc, err := e.loadEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	target := terminalStatusFor(op)
	if esc.Status.Terminal() {
		if esc.Status == target {
			// The operation already completed under another key; hand back
			// the recorded receipts rather than moving anything twice.
			return cloneRefs(esc.ReleaseTxRefs), nil
		}
		return nil, fmt.Errorf("%w: escrow %s already %s", ErrInvalidState, esc.ID, esc.Status)
	}

	if dispute, ok, derr := e.state.OpenDisputeByGoal(esc.GoalID); derr != nil {
		return nil, fmt.Errorf("escrow: dispute lookup: %w", derr)
	} else if ok && dispute != nil {
		if esc.Status == StatusHeld || esc.Status == StatusPartial {
			before := esc.Status
			if terr := e.transition(esc, StatusPendingDistribution); terr != nil {
				return nil, terr
			}
			esc.UpdatedAt = now
			if perr := e.state.EscrowPut(esc); perr != nil {
				return nil, fmt.Errorf("escrow: persist %s: %w", esc.ID, perr)
			}
			e.auditStatus(op+".paused", esc, before, actor, dispute.ID)
		}
		return nil, fmt.Errorf("%w: dispute %s is open", ErrDistributionPaused, dispute.ID)
	}
	if err := PauseGuard(e.pauses, PauseDistribution); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	var shares []share
	switch op {
	case OpRelease:
		shares, err = releaseShares(esc, plan)
	case OpForfeit:
		shares, err = forfeitShares(esc, plan)
	case OpRefund:
		shares, err = refundShares(esc)
	default:
		err = fmt.Errorf("escrow: unknown distribution op %q", op)
	}
	if err != nil {
		return nil, err
	}

	prior, err := e.priorTxByRef(escrowID)
	if err != nil {
		return nil, err
	}

	txID := ledger.NewTransactionID()
	refs := make([]TxRef, 0, len(shares))
	credits := make([]*ledger.Entry, 0, len(shares))
	moved := big.NewInt(0)
	for _, sh := range shares {
		ref := walletRef(op, esc.ID, sh.accountID)
		if tx, done := prior[ref]; done {
			// Leg completed during an earlier attempt that ended partial.
			refs = append(refs, TxRef{
				TransactionID: tx.ID,
				Type:          tx.Type,
				AccountID:     sh.accountID,
				Amount:        new(big.Int).Set(tx.Amount),
				WalletRef:     ref,
			})
			continue
		}
		if sh.wallet {
			var werr error
			if sh.kind == TxTypeRefund {
				werr = e.wallet.RefundFunds(ctx, sh.accountID, sh.amount, esc.Currency, ref)
			} else {
				werr = e.wallet.ReleaseFunds(ctx, sh.accountID, sh.amount, esc.Currency, ref)
			}
			if werr != nil {
				perr := &ProviderError{Op: op, Detail: "transfer to " + sh.accountID, Err: werr}
				return e.failPartial(op, esc, refs, credits, moved, txID, actor, perr)
			}
		}
		tx := &Transaction{
			ID:        uuid.NewString(),
			EscrowID:  esc.ID,
			Type:      sh.kind,
			Amount:    new(big.Int).Set(sh.amount),
			Reference: ref,
			CreatedAt: now,
		}
		if aerr := e.state.TxAppend(tx); aerr != nil {
			return e.failPartial(op, esc, refs, credits, moved, txID, actor, fmt.Errorf("append transaction: %w", aerr))
		}
		moved.Add(moved, sh.amount)
		credits = append(credits, ledger.Credit(sh.accountID, sh.amount, distDescription(op), esc.ID))
		refs = append(refs, TxRef{
			TransactionID: tx.ID,
			Type:          sh.kind,
			AccountID:     sh.accountID,
			Amount:        new(big.Int).Set(sh.amount),
			WalletRef:     ref,
		})
	}

	if moved.Sign() > 0 {
		entries := append([]*ledger.Entry{
			ledger.Debit(ledger.EscrowAccount(esc.ID), moved, distDescription(op), esc.ID),
		}, credits...)
		if lerr := e.ledger.Record(txID, entries); lerr != nil {
			return e.failPartial(op, esc, refs, nil, nil, txID, actor, fmt.Errorf("record ledger: %w", lerr))
		}
	}

	before := esc.Status
	if terr := e.transition(esc, target); terr != nil {
		return refs, terr
	}
	esc.UpdatedAt = now
	esc.ReleaseTxRefs = refs
	if perr := e.state.EscrowPut(esc); perr != nil {
		return refs, fmt.Errorf("%w: persist terminal status: %v", ErrPartialDistribution, perr)
	}

	result, err := json.Marshal(distributionResult{Refs: refs})
	if err != nil {
		return nil, fmt.Errorf("escrow: encode result: %w", err)
	}
	putErr := e.guard.GuardPut(&GuardRecord{
		Operation:   op,
		EscrowID:    esc.ID,
		Key:         key,
		Fingerprint: fingerprint,
		Result:      result,
		StoredAt:    now,
		ExpiresAt:   e.guardExpiry(now),
	}, now)
	if putErr != nil && !errors.Is(putErr, ErrIdempotentDuplicate) {
		if errors.Is(putErr, ErrIdempotencyMismatch) {
			return nil, putErr
		}
		return refs, fmt.Errorf("escrow: store guard: %w", putErr)
	}

	e.auditStatus("escrow."+op, esc, before, actor, txID)
	switch op {
	case OpRelease:
		e.emit(NewReleasedEvent(esc))
	case OpForfeit:
		e.emit(NewForfeitedEvent(esc))
	case OpRefund:
		e.emit(NewRefundedEvent(esc))
	}
	return cloneRefs(refs), nil
}

// failPartial books the legs that did complete, parks the escrow in the
// partial state and reports the cause. Nothing is rolled back; money that
// reached a recipient stays there and a retry resumes the rest.
func (e *Engine) failPartial(op string, esc *Escrow, refs []TxRef, credits []*ledger.Entry, moved *big.Int, txID, actor string, cause error) ([]TxRef, error) {
	now := e.now()
	if moved != nil && moved.Sign() > 0 && len(credits) > 0 {
		entries := append([]*ledger.Entry{
			ledger.Debit(ledger.EscrowAccount(esc.ID), moved, distDescription(op), esc.ID),
		}, credits...)
		if lerr := e.ledger.Record(txID, entries); lerr != nil {
			cause = fmt.Errorf("%w (booking completed legs also failed: %v)", cause, lerr)
		}
	}
	before := esc.Status
	esc.Status = StatusPartial
	esc.UpdatedAt = now
	esc.ReleaseTxRefs = refs
	if perr := e.state.EscrowPut(esc); perr != nil {
		cause = fmt.Errorf("%w (persisting partial status also failed: %v)", cause, perr)
	}
	e.auditStatus("escrow."+op+".partial", esc, before, actor, txID)
	e.emit(NewPartialEvent(esc, op))
	return refs, fmt.Errorf("%w: %w", ErrPartialDistribution, cause)
}

func (e *Engine) priorTxByRef(escrowID string) (map[string]*Transaction, error) {
	txs, err := e.state.TxList(escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list transactions: %w", err)
	}
	prior := make(map[string]*Transaction, len(txs))
	for _, tx := range txs {
		if tx == nil || tx.Reference == "" {
			continue
		}
		prior[tx.Reference] = tx
	}
	return prior, nil
}

// Accrue advances interest on an escrow through asOf. Terminal escrows and
// zero elapsed time are no-ops. When the computed increment rounds to zero
// the accrual cursor is left untouched so short intervals aggregate instead
// of vanishing.
func (e *Engine) Accrue(ctx context.Context, escrowID string, asOf int64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.locks.Lock(escrowID)
	defer unlock()
	return e.accrue(escrowID, asOf)
}

// TryAccrue is Accrue for the sweeper: if the escrow lock is taken, for
// example by an in-flight distribution, it skips instead of waiting.
func (e *Engine) TryAccrue(ctx context.Context, escrowID string, asOf int64) (*Escrow, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	unlock, ok := e.locks.TryLock(escrowID)
	if !ok {
		return nil, false, nil
	}
	defer unlock()
	esc, err := e.accrue(escrowID, asOf)
	return esc, true, err
}

func (e *Engine) accrue(escrowID string, asOf int64) (*Escrow, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.schedule == nil {
		return nil, errNilSchedule
	}
	if err := PauseGuard(e.pauses, PauseAccrual); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status.Terminal() {
		return esc, nil
	}
	elapsed := asOf - esc.AccruedAt
	if elapsed <= 0 {
		return esc, nil
	}
	principal := esc.TotalPrincipal()
	tier, ok := e.schedule.TierFor(principal)
	if !ok {
		return nil, fmt.Errorf("escrow: no accrual tier covers principal %s", principal)
	}
	if tier.Compound && tier.CompoundPeriodDays > 0 {
		if elapsed < int64(tier.CompoundPeriodDays)*86_400 {
			return esc, nil
		}
	}
	base := principal
	if tier.Compound {
		base = new(big.Int).Add(principal, esc.AccruedAmount)
	}
	increment := computeIncrement(base, tier.Rate, elapsed)
	if increment.Sign() <= 0 {
		return esc, nil
	}
	fee := feeOnIncrement(increment, e.accrualFeeBps)
	net := new(big.Int).Sub(increment, fee)

	esc.AccruedAmount = new(big.Int).Add(esc.AccruedAmount, net)
	esc.AccruedAt = asOf
	esc.UpdatedAt = asOf
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("escrow: persist %s: %w", esc.ID, err)
	}

	txID := ledger.NewTransactionID()
	entries := []*ledger.Entry{
		ledger.Debit(ledger.PlatformInterestAccount, increment, "interest accrual", esc.ID),
		ledger.Credit(ledger.EscrowAccount(esc.ID), net, "interest accrual", esc.ID),
	}
	if fee.Sign() > 0 {
		entries = append(entries, ledger.Credit(ledger.PlatformFeesAccount, fee, "accrual platform fee", esc.ID))
		feeTx := &Transaction{
			ID:        uuid.NewString(),
			EscrowID:  esc.ID,
			Type:      TxTypeFee,
			Amount:    fee,
			Reference: txID,
			CreatedAt: asOf,
		}
		if err := e.state.TxAppend(feeTx); err != nil {
			return nil, fmt.Errorf("escrow: append fee transaction: %w", err)
		}
	}
	if err := e.ledger.Record(txID, entries); err != nil {
		return nil, fmt.Errorf("escrow: record accrual ledger: %w", err)
	}

	e.auditRecord("escrow.accrue", "escrow", esc.ID, "", txID, map[string]string{
		"increment": increment.String(),
		"fee":       fee.String(),
		"accrued":   esc.AccruedAmount.String(),
	})
	e.emit(NewAccruedEvent(esc, increment.String(), fee.String()))
	return esc, nil
}

// FileDispute opens a dispute on a goal's escrow and freezes distribution
// until it is adjudicated. Only a stakeholder of the escrow may file, and a
// goal carries at most one open dispute.
func (e *Engine) FileDispute(ctx context.Context, goalID, filedBy, reason string, evidence []string) (*Dispute, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	goalID = strings.TrimSpace(goalID)
	filedBy = strings.TrimSpace(filedBy)
	reason = strings.TrimSpace(reason)
	if goalID == "" {
		return nil, fmt.Errorf("escrow: goal id must not be empty")
	}
	if filedBy == "" {
		return nil, fmt.Errorf("escrow: dispute filer must not be empty")
	}
	if reason == "" {
		return nil, fmt.Errorf("escrow: dispute reason must not be empty")
	}
	id, ok, err := e.state.EscrowIDByGoal(goalID)
	if err != nil {
		return nil, fmt.Errorf("escrow: goal lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: goal %s", ErrEscrowNotFound, goalID)
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status.Terminal() {
		return nil, fmt.Errorf("%w: escrow %s already %s", ErrInvalidState, esc.ID, esc.Status)
	}
	if _, ok := esc.StakeholderByUser(filedBy); !ok {
		return nil, fmt.Errorf("escrow: %s is not a stakeholder of goal %s", filedBy, goalID)
	}
	if _, open, derr := e.state.OpenDisputeByGoal(goalID); derr != nil {
		return nil, fmt.Errorf("escrow: dispute lookup: %w", derr)
	} else if open {
		return nil, fmt.Errorf("%w: goal %s", ErrDuplicateDispute, goalID)
	}

	now := e.now()
	dispute := &Dispute{
		ID:        uuid.NewString(),
		GoalID:    goalID,
		EscrowID:  esc.ID,
		FiledBy:   filedBy,
		Reason:    reason,
		Evidence:  append([]string(nil), evidence...),
		Status:    DisputeOpen,
		CreatedAt: now,
	}
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, fmt.Errorf("escrow: persist dispute: %w", err)
	}
	if esc.Status == StatusHeld || esc.Status == StatusPartial {
		before := esc.Status
		if terr := e.transition(esc, StatusPendingDistribution); terr != nil {
			return nil, terr
		}
		esc.UpdatedAt = now
		if err := e.state.EscrowPut(esc); err != nil {
			return nil, fmt.Errorf("escrow: persist %s: %w", esc.ID, err)
		}
		e.auditStatus("dispute.file", esc, before, filedBy, dispute.ID)
	}
	e.auditRecord("dispute.file", "dispute", dispute.ID, filedBy, esc.ID, map[string]string{
		"reason": reason,
	})
	e.emit(NewDisputeFiledEvent(dispute))
	return dispute.Clone(), nil
}

// GetDispute returns a dispute by id.
func (e *Engine) GetDispute(disputeID string) (*Dispute, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	dispute, ok, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load dispute %s: %w", disputeID, err)
	}
	if !ok || dispute == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}
	return dispute, nil
}

// Adjudicate resolves an open dispute and carries out the decided
// distribution. The dispute is marked resolved before funds move, which
// clears the distribution freeze; if the distribution then fails partway the
// dispute stays resolved and the escrow is left partial for a retried drive.
func (e *Engine) Adjudicate(ctx context.Context, disputeID string, decision Decision, plan DistributionPlan, actor, key string) ([]TxRef, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.guard == nil {
		return nil, errNilGuard
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, fmt.Errorf("escrow: adjudicator must not be empty")
	}
	located, ok, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load dispute %s: %w", disputeID, err)
	}
	if !ok || located == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}
	unlock := e.locks.Lock(located.EscrowID)
	defer unlock()

	dispute, ok, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load dispute %s: %w", disputeID, err)
	}
	if !ok || dispute == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, disputeID)
	}

	var op string
	switch decision {
	case DecisionUpholdSuccess:
		op = OpRelease
	case DecisionUpholdFailure:
		op = OpForfeit
	case DecisionRefund:
		op = OpRefund
		if plan.Type == "" {
			plan.Type = PlanIndividual
		}
	default:
		return nil, fmt.Errorf("escrow: unknown decision %q", decision)
	}

	now := e.now()
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode plan: %w", err)
	}
	fingerprint := GuardFingerprint(OpAdjudicate, disputeID, string(decision), string(planJSON))
	if rec, found, gerr := e.guard.GuardGet(OpAdjudicate, dispute.EscrowID, key, now); gerr != nil {
		return nil, fmt.Errorf("escrow: guard lookup: %w", gerr)
	} else if found {
		if rec.Fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: adjudicate %s", ErrIdempotencyMismatch, key)
		}
		var cached distributionResult
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			return nil, fmt.Errorf("escrow: decode cached result: %w", err)
		}
		return cached.Refs, nil
	}
	if dispute.Status == DisputeResolved {
		return nil, fmt.Errorf("%w: dispute %s already resolved", ErrInvalidState, disputeID)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	dispute.Status = DisputeResolved
	dispute.ResolvedAt = now
	dispute.Decision = decision
	dispute.DecisionBy = actor
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, fmt.Errorf("escrow: persist dispute: %w", err)
	}
	e.auditRecord("dispute.resolve", "dispute", dispute.ID, actor, dispute.EscrowID, map[string]string{
		"decision": string(decision),
	})
	e.emit(NewDisputeResolvedEvent(dispute))

	refs, derr := e.distribute(ctx, op, dispute.EscrowID, plan, "adjudicate:"+key, actor)
	if derr != nil {
		// The dispute stays resolved; the escrow is partial or untouched and
		// the distribution can be re-driven directly.
		return refs, derr
	}

	result, err := json.Marshal(distributionResult{Refs: refs})
	if err != nil {
		return nil, fmt.Errorf("escrow: encode result: %w", err)
	}
	putErr := e.guard.GuardPut(&GuardRecord{
		Operation:   OpAdjudicate,
		EscrowID:    dispute.EscrowID,
		Key:         key,
		Fingerprint: fingerprint,
		Result:      result,
		StoredAt:    now,
		ExpiresAt:   e.guardExpiry(now),
	}, now)
	if putErr != nil && !errors.Is(putErr, ErrIdempotentDuplicate) {
		return refs, fmt.Errorf("escrow: store guard: %w", putErr)
	}
	return refs, nil
}

// GoalSummary reports the escrow state backing a goal.
func (e *Engine) GoalSummary(goalID string) (*GoalSummary, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, err := e.GetByGoal(goalID)
	if err != nil {
		return nil, err
	}
	_, openDispute, err := e.state.OpenDisputeByGoal(esc.GoalID)
	if err != nil {
		return nil, fmt.Errorf("escrow: dispute lookup: %w", err)
	}
	summary := &GoalSummary{
		GoalID:              esc.GoalID,
		EscrowID:            esc.ID,
		Status:              esc.Status,
		TotalPrincipal:      esc.TotalPrincipal(),
		AccruedAmount:       new(big.Int).Set(esc.AccruedAmount),
		Currency:            esc.Currency,
		PendingDistribution: esc.Status == StatusPendingDistribution || openDispute,
	}
	if !esc.Status.Terminal() && e.sweepEvery > 0 {
		summary.NextActionAt = esc.AccruedAt + int64(e.sweepEvery/time.Second)
	}
	return summary, nil
}
