package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"stakepact/ledger"
)

// PlanType selects the payout policy family for a distribution.
type PlanType string

const (
	PlanIndividual PlanType = "individual"
	PlanGroup      PlanType = "group"
	PlanCorporate  PlanType = "corporate"
)

// Valid reports whether the plan type is one of the supported families.
func (t PlanType) Valid() bool {
	switch t {
	case PlanIndividual, PlanGroup, PlanCorporate:
		return true
	default:
		return false
	}
}

// Winner is one paid participant of a group plan.
type Winner struct {
	UserID       string `json:"userId"`
	SharePercent uint32 `json:"sharePercent"`
}

// ForfeitRules splits a forfeited pool between charity, platform revenue and,
// when explicitly configured, the winning subset of a failed shared goal.
// Percents must sum to at most 100; the remainder routes to charity when one
// is designated, otherwise to platform revenue.
type ForfeitRules struct {
	CharityPercent uint32 `json:"charityPercent"`
	AppPercent     uint32 `json:"appPercent"`
	WinnersPercent uint32 `json:"winnersPercent,omitempty"`
}

// DistributionPlan describes how a distribution's pool is split among
// stakeholders, winners, charity and platform.
type DistributionPlan struct {
	Type      PlanType     `json:"type"`
	Winners   []Winner     `json:"winners,omitempty"`
	Rules     ForfeitRules `json:"rules"`
	CharityID string       `json:"charityId,omitempty"`
}

// Validate checks the structural invariants of the plan before any fund
// movement. Validation failures must reject the whole distribution with zero
// side effects.
func (p DistributionPlan) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("distribution plan: unknown type %q", p.Type)
	}
	if p.Type == PlanGroup {
		if len(p.Winners) == 0 {
			return errors.New("distribution plan: group plan requires winners")
		}
		var sum uint64
		seen := make(map[string]struct{}, len(p.Winners))
		for _, w := range p.Winners {
			if strings.TrimSpace(w.UserID) == "" {
				return errors.New("distribution plan: winner user id required")
			}
			if w.SharePercent == 0 {
				return fmt.Errorf("distribution plan: winner %s share must be positive", w.UserID)
			}
			if _, dup := seen[w.UserID]; dup {
				return fmt.Errorf("distribution plan: duplicate winner %s", w.UserID)
			}
			seen[w.UserID] = struct{}{}
			sum += uint64(w.SharePercent)
		}
		if sum != 100 {
			return fmt.Errorf("distribution plan: winner shares sum to %d, want 100", sum)
		}
	} else if len(p.Winners) > 0 {
		return fmt.Errorf("distribution plan: winners only valid for group plans")
	}
	ruleSum := uint64(p.Rules.CharityPercent) + uint64(p.Rules.AppPercent) + uint64(p.Rules.WinnersPercent)
	if ruleSum > 100 {
		return fmt.Errorf("distribution plan: forfeit rule percents sum to %d, want <= 100", ruleSum)
	}
	if p.Rules.CharityPercent > 0 && strings.TrimSpace(p.CharityID) == "" {
		return errors.New("distribution plan: charity percent requires charity id")
	}
	if p.Rules.WinnersPercent > 0 && len(p.Winners) == 0 {
		return errors.New("distribution plan: winners percent requires winners")
	}
	return nil
}

// share is one computed distribution leg.
type share struct {
	accountID string
	kind      TxType
	amount    *big.Int
	// wallet reports whether the leg moves provider funds. Ledger-only legs
	// (e.g. unclaimed yield swept to platform revenue on refund) still record
	// balanced entries but never call the wallet.
	wallet bool
}

// releaseShares computes the release legs for the escrow pool. Individual and
// corporate plans split proportionally by principal; group plans split by
// winner share percents. Integer division dust is assigned to the final
// recipient so the paid total always equals the pool.
func releaseShares(esc *Escrow, plan DistributionPlan) ([]share, error) {
	pool := esc.Pool()
	if pool.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: empty pool")
	}
	switch plan.Type {
	case PlanIndividual, PlanCorporate:
		total := esc.TotalPrincipal()
		if total.Sign() <= 0 {
			return nil, fmt.Errorf("escrow: zero total principal")
		}
		shares := make([]share, 0, len(esc.Stakeholders))
		allocated := big.NewInt(0)
		for i, s := range esc.Stakeholders {
			var amount *big.Int
			if i == len(esc.Stakeholders)-1 {
				amount = new(big.Int).Sub(pool, allocated)
			} else {
				weight := new(big.Rat).SetFrac(s.Principal, total)
				amount = ratMulInt(weight, pool)
			}
			allocated.Add(allocated, amount)
			shares = append(shares, share{
				accountID: ledger.UserAccount(s.UserID),
				kind:      TxTypeRelease,
				amount:    amount,
				wallet:    true,
			})
		}
		return shares, nil
	case PlanGroup:
		shares := make([]share, 0, len(plan.Winners))
		allocated := big.NewInt(0)
		for i, w := range plan.Winners {
			var amount *big.Int
			if i == len(plan.Winners)-1 {
				amount = new(big.Int).Sub(pool, allocated)
			} else {
				amount = percentOf(pool, w.SharePercent)
			}
			allocated.Add(allocated, amount)
			shares = append(shares, share{
				accountID: ledger.UserAccount(w.UserID),
				kind:      TxTypeRelease,
				amount:    amount,
				wallet:    true,
			})
		}
		return shares, nil
	default:
		return nil, fmt.Errorf("distribution plan: unknown type %q", plan.Type)
	}
}

// forfeitShares computes the forfeit legs per the plan rules. Winners are paid
// only when the rules carry an explicit winners percent; the unallocated
// remainder routes to charity when one is designated, otherwise to platform
// revenue.
func forfeitShares(esc *Escrow, plan DistributionPlan) ([]share, error) {
	pool := esc.Pool()
	if pool.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: empty pool")
	}
	shares := make([]share, 0, 2+len(plan.Winners))
	allocated := big.NewInt(0)
	if plan.Rules.CharityPercent > 0 {
		amount := percentOf(pool, plan.Rules.CharityPercent)
		allocated.Add(allocated, amount)
		shares = append(shares, share{
			accountID: ledger.CharityAccount(plan.CharityID),
			kind:      TxTypeForfeit,
			amount:    amount,
			wallet:    true,
		})
	}
	if plan.Rules.AppPercent > 0 {
		amount := percentOf(pool, plan.Rules.AppPercent)
		allocated.Add(allocated, amount)
		shares = append(shares, share{
			accountID: ledger.PlatformRevenueAccount,
			kind:      TxTypeForfeit,
			amount:    amount,
			wallet:    true,
		})
	}
	if plan.Rules.WinnersPercent > 0 {
		winnersPool := percentOf(pool, plan.Rules.WinnersPercent)
		winnerAllocated := big.NewInt(0)
		for i, w := range plan.Winners {
			var amount *big.Int
			if i == len(plan.Winners)-1 {
				amount = new(big.Int).Sub(winnersPool, winnerAllocated)
			} else {
				amount = percentOf(winnersPool, w.SharePercent)
			}
			winnerAllocated.Add(winnerAllocated, amount)
			shares = append(shares, share{
				accountID: ledger.UserAccount(w.UserID),
				kind:      TxTypeForfeit,
				amount:    amount,
				wallet:    true,
			})
		}
		allocated.Add(allocated, winnersPool)
	}
	remainder := new(big.Int).Sub(pool, allocated)
	if remainder.Sign() > 0 {
		accountID := ledger.PlatformRevenueAccount
		if strings.TrimSpace(plan.CharityID) != "" {
			accountID = ledger.CharityAccount(plan.CharityID)
		}
		shares = append(shares, share{
			accountID: accountID,
			kind:      TxTypeForfeit,
			amount:    remainder,
			wallet:    true,
		})
	}
	return mergeShares(shares), nil
}

// refundShares returns each stakeholder's original principal. Accrued yield is
// not paid out: it is swept to platform revenue with a ledger-only leg so the
// escrow account zeroes.
func refundShares(esc *Escrow) ([]share, error) {
	if esc.TotalPrincipal().Sign() <= 0 {
		return nil, fmt.Errorf("escrow: zero total principal")
	}
	shares := make([]share, 0, len(esc.Stakeholders)+1)
	for _, s := range esc.Stakeholders {
		shares = append(shares, share{
			accountID: ledger.UserAccount(s.UserID),
			kind:      TxTypeRefund,
			amount:    new(big.Int).Set(s.Principal),
			wallet:    true,
		})
	}
	if esc.AccruedAmount != nil && esc.AccruedAmount.Sign() > 0 {
		shares = append(shares, share{
			accountID: ledger.PlatformRevenueAccount,
			kind:      TxTypeRefund,
			amount:    new(big.Int).Set(esc.AccruedAmount),
			wallet:    false,
		})
	}
	return shares, nil
}

// mergeShares coalesces legs that target the same account so the provider sees
// a single transfer per recipient.
func mergeShares(shares []share) []share {
	merged := make([]share, 0, len(shares))
	index := make(map[string]int, len(shares))
	for _, s := range shares {
		if s.amount == nil || s.amount.Sign() == 0 {
			continue
		}
		if at, ok := index[s.accountID]; ok && merged[at].wallet == s.wallet {
			merged[at].amount = new(big.Int).Add(merged[at].amount, s.amount)
			continue
		}
		index[s.accountID] = len(merged)
		merged = append(merged, s)
	}
	return merged
}

// percentOf returns value*(percent/100) rounded down.
func percentOf(value *big.Int, percent uint32) *big.Int {
	if value == nil || value.Sign() <= 0 || percent == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, new(big.Int).SetUint64(uint64(percent)))
	return out.Quo(out, big.NewInt(100))
}

// ratMulInt multiplies an integer by a rational weight, truncating toward
// zero. Negative products clamp to zero.
func ratMulInt(r *big.Rat, v *big.Int) *big.Int {
	if r == nil || v == nil {
		return big.NewInt(0)
	}
	product := new(big.Rat).Mul(r, new(big.Rat).SetInt(v))
	if product.Sign() <= 0 {
		return big.NewInt(0)
	}
	quotient := new(big.Int).Quo(product.Num(), product.Denom())
	if quotient.Sign() < 0 {
		return big.NewInt(0)
	}
	return quotient
}
