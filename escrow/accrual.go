package escrow

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// secondsPerYear converts elapsed wall-clock seconds into year fractions for
// APR math.
const secondsPerYear = 31_536_000

// Tier is one APR band of a schedule, selected by total principal.
type Tier struct {
	// MinPrincipal is the inclusive lower bound in minor units.
	MinPrincipal *big.Int
	// MaxPrincipal is the exclusive upper bound; nil leaves the band open.
	MaxPrincipal *big.Int
	// Rate is the annual percentage rate as a fraction (0.05 for 5%).
	Rate *big.Rat
	// Compound switches the accrual base from bare principal to principal
	// plus previously accrued yield.
	Compound bool
	// CompoundPeriodDays gates how often a compounding tier may accrue.
	CompoundPeriodDays int
}

// Contains reports whether the tier's [min, max) band covers the principal.
func (t *Tier) Contains(principal *big.Int) bool {
	if t == nil || principal == nil {
		return false
	}
	if t.MinPrincipal != nil && principal.Cmp(t.MinPrincipal) < 0 {
		return false
	}
	if t.MaxPrincipal != nil && principal.Cmp(t.MaxPrincipal) >= 0 {
		return false
	}
	return true
}

// Clone returns a deep copy of the tier.
func (t *Tier) Clone() *Tier {
	if t == nil {
		return nil
	}
	clone := &Tier{Compound: t.Compound, CompoundPeriodDays: t.CompoundPeriodDays}
	if t.MinPrincipal != nil {
		clone.MinPrincipal = new(big.Int).Set(t.MinPrincipal)
	}
	if t.MaxPrincipal != nil {
		clone.MaxPrincipal = new(big.Int).Set(t.MaxPrincipal)
	}
	if t.Rate != nil {
		clone.Rate = new(big.Rat).Set(t.Rate)
	}
	return clone
}

// Schedule is an ordered list of APR tiers keyed by principal range.
type Schedule struct {
	Tiers []*Tier
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	clone := &Schedule{Tiers: make([]*Tier, 0, len(s.Tiers))}
	for _, tier := range s.Tiers {
		clone.Tiers = append(clone.Tiers, tier.Clone())
	}
	return clone
}

// Validate ensures the tiers are well formed: ascending, contiguous bounds,
// non-negative rates and positive compound periods where compounding is on.
func (s *Schedule) Validate() error {
	if s == nil || len(s.Tiers) == 0 {
		return fmt.Errorf("accrual schedule: at least one tier required")
	}
	var prevMax *big.Int
	for i, tier := range s.Tiers {
		if tier == nil {
			return fmt.Errorf("accrual schedule: tier %d is nil", i)
		}
		min := tier.MinPrincipal
		if min == nil {
			min = big.NewInt(0)
		}
		if min.Sign() < 0 {
			return fmt.Errorf("accrual schedule: tier %d min principal negative", i)
		}
		if tier.MaxPrincipal != nil && tier.MaxPrincipal.Cmp(min) <= 0 {
			return fmt.Errorf("accrual schedule: tier %d max principal must exceed min", i)
		}
		if i > 0 {
			if prevMax == nil {
				return fmt.Errorf("accrual schedule: tier %d unreachable after open tier", i)
			}
			if min.Cmp(prevMax) != 0 {
				return fmt.Errorf("accrual schedule: tier %d min %s does not continue previous max %s", i, min, prevMax)
			}
		}
		if tier.Rate == nil || tier.Rate.Sign() < 0 {
			return fmt.Errorf("accrual schedule: tier %d rate must be non-negative", i)
		}
		if tier.Compound && tier.CompoundPeriodDays <= 0 {
			return fmt.Errorf("accrual schedule: tier %d compound period must be positive", i)
		}
		prevMax = tier.MaxPrincipal
	}
	return nil
}

// TierFor selects the tier whose band contains the total principal. The last
// tier wins an open upper boundary.
func (s *Schedule) TierFor(principal *big.Int) (*Tier, bool) {
	if s == nil || principal == nil {
		return nil, false
	}
	for _, tier := range s.Tiers {
		if tier.Contains(principal) {
			return tier, true
		}
	}
	return nil, false
}

type scheduleDoc struct {
	Tiers []tierDoc `yaml:"tiers"`
}

type tierDoc struct {
	MinPrincipal       string `yaml:"minPrincipal"`
	MaxPrincipal       string `yaml:"maxPrincipal,omitempty"`
	Rate               string `yaml:"rate"`
	Compound           bool   `yaml:"compound,omitempty"`
	CompoundPeriodDays int    `yaml:"compoundPeriodDays,omitempty"`
}

// LoadSchedule reads and validates a YAML APR schedule document.
func LoadSchedule(path string) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accrual schedule: read %s: %w", path, err)
	}
	return ParseSchedule(raw)
}

// ParseSchedule decodes and validates a YAML APR schedule document.
func ParseSchedule(raw []byte) (*Schedule, error) {
	var doc scheduleDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("accrual schedule: decode: %w", err)
	}
	schedule := &Schedule{Tiers: make([]*Tier, 0, len(doc.Tiers))}
	for i, td := range doc.Tiers {
		tier := &Tier{Compound: td.Compound, CompoundPeriodDays: td.CompoundPeriodDays}
		if td.MinPrincipal != "" {
			min, ok := new(big.Int).SetString(td.MinPrincipal, 10)
			if !ok {
				return nil, fmt.Errorf("accrual schedule: tier %d invalid min principal %q", i, td.MinPrincipal)
			}
			tier.MinPrincipal = min
		} else {
			tier.MinPrincipal = big.NewInt(0)
		}
		if td.MaxPrincipal != "" {
			max, ok := new(big.Int).SetString(td.MaxPrincipal, 10)
			if !ok {
				return nil, fmt.Errorf("accrual schedule: tier %d invalid max principal %q", i, td.MaxPrincipal)
			}
			tier.MaxPrincipal = max
		}
		rate, ok := new(big.Rat).SetString(td.Rate)
		if !ok {
			return nil, fmt.Errorf("accrual schedule: tier %d invalid rate %q", i, td.Rate)
		}
		tier.Rate = rate
		schedule.Tiers = append(schedule.Tiers, tier)
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return schedule, nil
}

// computeIncrement derives the interest earned by base over elapsed seconds at
// the given annual rate, rounding half-up to minor units.
func computeIncrement(base *big.Int, rate *big.Rat, elapsedSeconds int64) *big.Int {
	if base == nil || base.Sign() <= 0 || rate == nil || rate.Sign() <= 0 || elapsedSeconds <= 0 {
		return big.NewInt(0)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetInt64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetInt64(elapsedSeconds))
	interest := new(big.Rat).Mul(perSecond, new(big.Rat).SetInt(base))
	if interest.Sign() <= 0 {
		return big.NewInt(0)
	}
	if interest.IsInt() {
		return new(big.Int).Set(interest.Num())
	}
	num := interest.Num()
	den := interest.Denom()
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// feeOnIncrement derives the platform fee retained from a gross accrual
// increment, expressed in basis points. The fee never exceeds the increment.
func feeOnIncrement(increment *big.Int, feeBps uint32) *big.Int {
	if increment == nil || increment.Sign() <= 0 || feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(increment, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Quo(fee, big.NewInt(10_000))
	if fee.Cmp(increment) > 0 {
		return new(big.Int).Set(increment)
	}
	return fee
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
