package escrow

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeIncrement(t *testing.T) {
	const halfYear = secondsPerYear / 2
	const thirtyDays = 30 * 86_400
	cases := []struct {
		name    string
		base    int64
		rate    *big.Rat
		elapsed int64
		want    int64
	}{
		{name: "full year exact", base: 1000, rate: big.NewRat(5, 100), elapsed: secondsPerYear, want: 50},
		{name: "half unit rounds up", base: 75, rate: big.NewRat(10, 100), elapsed: secondsPerYear, want: 8},
		{name: "half year rounds up", base: 100, rate: big.NewRat(5, 100), elapsed: halfYear, want: 3},
		{name: "thirty days rounds down", base: 1000, rate: big.NewRat(10, 100), elapsed: thirtyDays, want: 8},
		{name: "sub unit truncates to zero", base: 100, rate: big.NewRat(5, 100), elapsed: 3600, want: 0},
		{name: "one day on large base", base: 1_000_000, rate: big.NewRat(365, 10_000), elapsed: 86_400, want: 100},
		{name: "zero base", base: 0, rate: big.NewRat(5, 100), elapsed: secondsPerYear, want: 0},
		{name: "zero rate", base: 1000, rate: big.NewRat(0, 1), elapsed: secondsPerYear, want: 0},
		{name: "zero elapsed", base: 1000, rate: big.NewRat(5, 100), elapsed: 0, want: 0},
		{name: "negative elapsed", base: 1000, rate: big.NewRat(5, 100), elapsed: -60, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeIncrement(big.NewInt(tc.base), tc.rate, tc.elapsed)
			if got.Cmp(big.NewInt(tc.want)) != 0 {
				t.Fatalf("computeIncrement(%d, %s, %d) = %s, want %d", tc.base, tc.rate, tc.elapsed, got, tc.want)
			}
		})
	}
	if got := computeIncrement(nil, big.NewRat(5, 100), secondsPerYear); got.Sign() != 0 {
		t.Fatalf("nil base should yield zero, got %s", got)
	}
	if got := computeIncrement(big.NewInt(1000), nil, secondsPerYear); got.Sign() != 0 {
		t.Fatalf("nil rate should yield zero, got %s", got)
	}
}

func TestFeeOnIncrement(t *testing.T) {
	cases := []struct {
		name      string
		increment int64
		bps       uint32
		want      int64
	}{
		{name: "ten percent", increment: 50, bps: 1000, want: 5},
		{name: "floors fractional fee", increment: 33, bps: 250, want: 0},
		{name: "full increment", increment: 100, bps: 10_000, want: 100},
		{name: "capped at increment", increment: 10, bps: 12_000, want: 10},
		{name: "zero bps", increment: 50, bps: 0, want: 0},
		{name: "zero increment", increment: 0, bps: 1000, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := feeOnIncrement(big.NewInt(tc.increment), tc.bps)
			if got.Cmp(big.NewInt(tc.want)) != 0 {
				t.Fatalf("feeOnIncrement(%d, %d) = %s, want %d", tc.increment, tc.bps, got, tc.want)
			}
		})
	}
}

func tieredSchedule() *Schedule {
	return &Schedule{Tiers: []*Tier{
		{MinPrincipal: big.NewInt(0), MaxPrincipal: big.NewInt(1000), Rate: big.NewRat(5, 100)},
		{MinPrincipal: big.NewInt(1000), MaxPrincipal: big.NewInt(10_000), Rate: big.NewRat(4, 100)},
		{MinPrincipal: big.NewInt(10_000), Rate: big.NewRat(3, 100), Compound: true, CompoundPeriodDays: 30},
	}}
}

func TestScheduleValidate(t *testing.T) {
	if err := tieredSchedule().Validate(); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}

	cases := []struct {
		name     string
		schedule *Schedule
		wantPart string
	}{
		{name: "no tiers", schedule: &Schedule{}, wantPart: "at least one tier"},
		{name: "gap between tiers", schedule: &Schedule{Tiers: []*Tier{
			{MinPrincipal: big.NewInt(0), MaxPrincipal: big.NewInt(1000), Rate: big.NewRat(5, 100)},
			{MinPrincipal: big.NewInt(2000), Rate: big.NewRat(4, 100)},
		}}, wantPart: "does not continue"},
		{name: "inverted band", schedule: &Schedule{Tiers: []*Tier{
			{MinPrincipal: big.NewInt(500), MaxPrincipal: big.NewInt(500), Rate: big.NewRat(5, 100)},
		}}, wantPart: "must exceed min"},
		{name: "negative rate", schedule: &Schedule{Tiers: []*Tier{
			{MinPrincipal: big.NewInt(0), Rate: big.NewRat(-1, 100)},
		}}, wantPart: "non-negative"},
		{name: "compound without period", schedule: &Schedule{Tiers: []*Tier{
			{MinPrincipal: big.NewInt(0), Rate: big.NewRat(5, 100), Compound: true},
		}}, wantPart: "compound period"},
		{name: "tier after open band", schedule: &Schedule{Tiers: []*Tier{
			{MinPrincipal: big.NewInt(0), Rate: big.NewRat(5, 100)},
			{MinPrincipal: big.NewInt(1000), Rate: big.NewRat(4, 100)},
		}}, wantPart: "unreachable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schedule.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantPart) {
				t.Fatalf("error %q does not mention %q", err, tc.wantPart)
			}
		})
	}
}

func TestScheduleTierFor(t *testing.T) {
	schedule := tieredSchedule()
	cases := []struct {
		principal int64
		wantRate  *big.Rat
	}{
		{principal: 0, wantRate: big.NewRat(5, 100)},
		{principal: 999, wantRate: big.NewRat(5, 100)},
		{principal: 1000, wantRate: big.NewRat(4, 100)},
		{principal: 9999, wantRate: big.NewRat(4, 100)},
		{principal: 10_000, wantRate: big.NewRat(3, 100)},
		{principal: 5_000_000, wantRate: big.NewRat(3, 100)},
	}
	for _, tc := range cases {
		tier, ok := schedule.TierFor(big.NewInt(tc.principal))
		if !ok {
			t.Fatalf("no tier for principal %d", tc.principal)
		}
		if tier.Rate.Cmp(tc.wantRate) != 0 {
			t.Fatalf("principal %d matched rate %s, want %s", tc.principal, tier.Rate, tc.wantRate)
		}
	}
	if _, ok := schedule.TierFor(big.NewInt(-1)); ok {
		t.Fatalf("negative principal must not match a band")
	}
	if _, ok := (*Schedule)(nil).TierFor(big.NewInt(100)); ok {
		t.Fatalf("nil schedule must not match")
	}
}

const scheduleYAML = `tiers:
  - minPrincipal: "0"
    maxPrincipal: "1000"
    rate: "0.05"
  - minPrincipal: "1000"
    maxPrincipal: "10000"
    rate: "1/25"
  - minPrincipal: "10000"
    rate: "0.03"
    compound: true
    compoundPeriodDays: 30
`

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule([]byte(scheduleYAML))
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	if len(schedule.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(schedule.Tiers))
	}
	if schedule.Tiers[0].Rate.Cmp(big.NewRat(5, 100)) != 0 {
		t.Fatalf("tier 0 rate %s, want 1/20", schedule.Tiers[0].Rate)
	}
	if schedule.Tiers[1].Rate.Cmp(big.NewRat(4, 100)) != 0 {
		t.Fatalf("tier 1 rate %s, want 1/25", schedule.Tiers[1].Rate)
	}
	if !schedule.Tiers[2].Compound || schedule.Tiers[2].CompoundPeriodDays != 30 {
		t.Fatalf("tier 2 compound settings lost: %+v", schedule.Tiers[2])
	}
	if schedule.Tiers[2].MaxPrincipal != nil {
		t.Fatalf("tier 2 should be open ended")
	}

	if _, err := ParseSchedule([]byte("tiers:\n  - minPrincipal: \"0\"\n    rate: \"not-a-rate\"\n")); err == nil {
		t.Fatalf("expected invalid rate rejection")
	}
	if _, err := ParseSchedule([]byte("tiers: []\n")); err == nil {
		t.Fatalf("expected empty schedule rejection")
	}
}

func TestLoadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apr.yaml")
	if err := os.WriteFile(path, []byte(scheduleYAML), 0o600); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	schedule, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if len(schedule.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(schedule.Tiers))
	}
	if _, err := LoadSchedule(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error for missing file")
	}
}

func TestScheduleClone(t *testing.T) {
	original := tieredSchedule()
	clone := original.Clone()
	clone.Tiers[0].Rate.SetFrac64(9, 10)
	clone.Tiers[0].MinPrincipal.SetInt64(77)
	if original.Tiers[0].Rate.Cmp(big.NewRat(5, 100)) != 0 {
		t.Fatalf("clone shares rate with original")
	}
	if original.Tiers[0].MinPrincipal.Sign() != 0 {
		t.Fatalf("clone shares principal bound with original")
	}
}
