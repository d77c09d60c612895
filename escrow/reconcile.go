package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"stakepact/ledger"
)

// Anomaly kinds surfaced by reconciliation.
const (
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyWalletDrift    = "wallet_drift"
	AnomalyStuckPartial   = "stuck_partial"
	AnomalyOrphanedEntry  = "orphaned_entry"
)

// Reconcile verifies an escrow's records against the ledger: the escrow
// account balance must equal principal plus accrued yield minus any legs
// already distributed. For escrows with no distribution under way it also
// cross-checks, advisorily, that the wallet provider still holds at least the
// staked principal; a provider outage degrades that check rather than failing
// the reconciliation.
//
// A clean escrow returns true. A mismatch returns false, emits a
// reconciliation event and, for a held escrow, parks it in the partial state
// for manual review. Pending escrows keep the dispute freeze and terminal
// escrows stay immutable; both are flagged without a status change.
func (e *Engine) Reconcile(ctx context.Context, escrowID string) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if e.ledger == nil {
		return false, errNilLedger
	}
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	esc, err := e.loadEscrow(escrowID)
	if err != nil {
		return false, err
	}
	expected := esc.Pool()
	for _, ref := range esc.ReleaseTxRefs {
		if ref.Amount != nil {
			expected.Sub(expected, ref.Amount)
		}
	}
	balance, err := e.ledger.AccountBalance(ledger.EscrowAccount(esc.ID))
	if err != nil {
		return false, fmt.Errorf("escrow: ledger balance for %s: %w", esc.ID, err)
	}

	var anomaly, detail string
	if balance.Cmp(expected) != 0 {
		anomaly = AnomalyAmountMismatch
		detail = fmt.Sprintf("ledger balance %s, records expect %s", balance, expected)
	}
	if anomaly == "" && e.wallet != nil && !esc.Status.Terminal() && len(esc.ReleaseTxRefs) == 0 {
		heldTotal := big.NewInt(0)
		degraded := false
		for _, s := range esc.Stakeholders {
			bal, werr := e.wallet.GetBalance(ctx, ledger.UserAccount(s.UserID), esc.Currency)
			if werr != nil {
				degraded = true
				break
			}
			if bal.Held != nil {
				heldTotal.Add(heldTotal, bal.Held)
			}
		}
		principal := esc.TotalPrincipal()
		if degraded {
			e.auditRecord("escrow.reconcile.degraded", "escrow", esc.ID, "", "", map[string]string{
				"reason": "wallet balance unavailable",
			})
		} else if heldTotal.Cmp(principal) < 0 {
			anomaly = AnomalyWalletDrift
			detail = fmt.Sprintf("provider holds %s, staked principal %s", heldTotal, principal)
		}
	}

	if anomaly == "" {
		e.auditRecord("escrow.reconcile", "escrow", esc.ID, "", "", map[string]string{"result": "clean"})
		return true, nil
	}
	// The re-drive key scopes the compensating distribution to this flag so a
	// raw replay of the original caller key cannot race it.
	redriveKey := "recon:" + uuid.NewString()
	if esc.Status == StatusHeld {
		before := esc.Status
		if terr := e.transition(esc, StatusPartial); terr != nil {
			return false, terr
		}
		esc.UpdatedAt = e.now()
		if perr := e.state.EscrowPut(esc); perr != nil {
			return false, fmt.Errorf("escrow: persist %s: %w", esc.ID, perr)
		}
		e.auditStatus("escrow.reconcile.flag", esc, before, "", anomaly)
	} else {
		e.auditRecord("escrow.reconcile.flag", "escrow", esc.ID, "", anomaly, map[string]string{
			"detail":     detail,
			"redriveKey": redriveKey,
		})
	}
	e.emit(NewReconciliationFlaggedEvent(esc, anomaly, detail, redriveKey))
	return false, nil
}
