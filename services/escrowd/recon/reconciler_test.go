package recon

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stakepact/escrow"
	"stakepact/ledger"
	"stakepact/storage"
)

const reconTestNow = int64(1_700_000_000)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWallet implements escrow.Wallet with explicit per-account held figures
// so drift scenarios can be staged directly.
type fakeWallet struct {
	held map[string]*big.Int
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{held: make(map[string]*big.Int)}
}

func (w *fakeWallet) balance(accountID string) *big.Int {
	if b, ok := w.held[accountID]; ok {
		return b
	}
	b := big.NewInt(0)
	w.held[accountID] = b
	return b
}

func (w *fakeWallet) HoldFunds(_ context.Context, accountID string, amount *big.Int, _, _ string) error {
	w.balance(accountID).Add(w.balance(accountID), amount)
	return nil
}

func (w *fakeWallet) ReleaseFunds(_ context.Context, accountID string, amount *big.Int, _, _ string) error {
	return nil
}

func (w *fakeWallet) RefundFunds(_ context.Context, accountID string, amount *big.Int, _, _ string) error {
	held := w.balance(accountID)
	if held.Cmp(amount) >= 0 {
		held.Sub(held, amount)
	} else {
		held.SetInt64(0)
	}
	return nil
}

func (w *fakeWallet) GetBalance(_ context.Context, accountID, _ string) (escrow.Balance, error) {
	return escrow.Balance{
		Available: big.NewInt(0),
		Held:      new(big.Int).Set(w.balance(accountID)),
	}, nil
}

type reconHarness struct {
	engine   *escrow.Engine
	state    *storage.Store
	recorder *ledger.Recorder
	wallet   *fakeWallet
	now      time.Time
}

func newReconHarness(t *testing.T) *reconHarness {
	t.Helper()
	state := storage.NewStore(storage.NewMemDB())
	wallet := newFakeWallet()
	recorder := ledger.NewRecorder(state)
	recorder.SetNowFunc(func() int64 { return reconTestNow })

	engine := escrow.NewEngine()
	engine.SetState(state)
	engine.SetWallet(wallet)
	engine.SetLedger(recorder)
	engine.SetNowFunc(func() int64 { return reconTestNow })

	return &reconHarness{
		engine:   engine,
		state:    state,
		recorder: recorder,
		wallet:   wallet,
		now:      time.Unix(reconTestNow, 0).UTC(),
	}
}

func (h *reconHarness) hold(t *testing.T, goalID, userID string, principal int64) *escrow.Escrow {
	t.Helper()
	stakeholders := []escrow.Stakeholder{{
		UserID:    userID,
		StakeID:   "stake-" + goalID,
		Principal: big.NewInt(principal),
	}}
	esc, err := h.engine.Hold(context.Background(), goalID, stakeholders, "USD", "hold-"+goalID)
	if err != nil {
		t.Fatalf("hold %s: %v", goalID, err)
	}
	return esc
}

func (h *reconHarness) reconciler(t *testing.T, dir string, mutate func(*Config)) *Reconciler {
	t.Helper()
	cfg := Config{
		Engine:    h.engine,
		State:     h.state,
		Ledger:    h.recorder,
		Accounts:  h.state,
		Wallet:    h.wallet,
		ReportDir: dir,
		Logger:    quietLogger(),
		Now:       func() time.Time { return h.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rec, err := NewReconciler(cfg)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return rec
}

func readReport(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	return records
}

func TestReconcilerCleanRun(t *testing.T) {
	h := newReconHarness(t)
	esc := h.hold(t, "goal-1", "alice", 5000)

	rec := h.reconciler(t, t.TempDir(), nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("anomalies = %+v, want none", result.Anomalies)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	row := result.Rows[0]
	if row.EscrowID != esc.ID || row.Status != "held" || row.AmountMismatch || row.WalletDrift {
		t.Fatalf("row = %+v", row)
	}
	if row.LedgerBalance != "5000" || row.ExpectedBalance != "5000" {
		t.Fatalf("balances = %s / %s", row.LedgerBalance, row.ExpectedBalance)
	}
	if result.ParquetPath != "" {
		t.Fatalf("parquet written without being enabled: %s", result.ParquetPath)
	}

	records := readReport(t, result.CSVPath)
	if len(records) != 2 {
		t.Fatalf("csv lines = %d, want header + 1", len(records))
	}
	if records[0][0] != "escrow_id" || records[1][0] != esc.ID {
		t.Fatalf("csv = %v", records)
	}
}

func TestReconcilerFlagsAmountMismatch(t *testing.T) {
	h := newReconHarness(t)
	esc := h.hold(t, "goal-1", "alice", 5000)

	// Drain part of the escrow account behind the engine's back.
	err := h.recorder.Record(ledger.NewTransactionID(), []*ledger.Entry{
		ledger.Debit(ledger.EscrowAccount(esc.ID), big.NewInt(750), "manual adjustment", ""),
		ledger.Credit(ledger.UserAccount("mallory"), big.NewInt(750), "manual adjustment", ""),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := h.reconciler(t, t.TempDir(), nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != escrow.AnomalyAmountMismatch {
		t.Fatalf("anomalies = %+v", result.Anomalies)
	}
	if !strings.Contains(result.Anomalies[0].Detail, "4250") {
		t.Fatalf("detail = %q", result.Anomalies[0].Detail)
	}
	if len(result.Rows) != 1 || !result.Rows[0].AmountMismatch {
		t.Fatalf("rows = %+v", result.Rows)
	}
	if result.Rows[0].Status != "partial" {
		t.Fatalf("row status = %s, want partial after flagging", result.Rows[0].Status)
	}

	after, ok, err := h.state.EscrowGet(esc.ID)
	if err != nil || !ok {
		t.Fatalf("reload escrow: ok=%v err=%v", ok, err)
	}
	if after.Status != escrow.StatusPartial {
		t.Fatalf("escrow status = %s, want partial", after.Status)
	}
}

func TestReconcilerFlagsWalletDrift(t *testing.T) {
	h := newReconHarness(t)
	esc := h.hold(t, "goal-1", "alice", 5000)

	// Provider lost part of the hold; the ledger still balances.
	h.wallet.held[ledger.UserAccount("alice")] = big.NewInt(4000)

	rec := h.reconciler(t, t.TempDir(), nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != escrow.AnomalyWalletDrift {
		t.Fatalf("anomalies = %+v", result.Anomalies)
	}
	if !strings.Contains(result.Anomalies[0].Detail, "4000") {
		t.Fatalf("detail = %q", result.Anomalies[0].Detail)
	}
	if len(result.Rows) != 1 || !result.Rows[0].WalletDrift {
		t.Fatalf("rows = %+v", result.Rows)
	}

	after, ok, err := h.state.EscrowGet(esc.ID)
	if err != nil || !ok {
		t.Fatalf("reload escrow: ok=%v err=%v", ok, err)
	}
	if after.Status != escrow.StatusPartial {
		t.Fatalf("escrow status = %s, want partial", after.Status)
	}
}

func TestReconcilerFlagsStuckPartial(t *testing.T) {
	h := newReconHarness(t)
	esc := h.hold(t, "goal-1", "alice", 5000)

	// Park the escrow partial two days ago; ledger and provider still agree.
	esc.Status = escrow.StatusPartial
	esc.UpdatedAt = reconTestNow - int64(48*time.Hour/time.Second)
	if err := h.state.EscrowPut(esc); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec := h.reconciler(t, t.TempDir(), nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != escrow.AnomalyStuckPartial {
		t.Fatalf("anomalies = %+v", result.Anomalies)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	row := result.Rows[0]
	if !row.StuckPartial || row.AmountMismatch || row.WalletDrift {
		t.Fatalf("row = %+v", row)
	}
	if row.AgeHours < 47.9 || row.AgeHours > 48.1 {
		t.Fatalf("age = %.2fh, want ~48", row.AgeHours)
	}
}

func TestReconcilerReportsOrphanedEntries(t *testing.T) {
	h := newReconHarness(t)

	err := h.recorder.Record(ledger.NewTransactionID(), []*ledger.Entry{
		ledger.Debit(ledger.UserAccount("alice"), big.NewInt(900), "stray hold", ""),
		ledger.Credit(ledger.EscrowAccount("ghost"), big.NewInt(900), "stray hold", ""),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := h.reconciler(t, t.TempDir(), nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != escrow.AnomalyOrphanedEntry {
		t.Fatalf("anomalies = %+v", result.Anomalies)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	row := result.Rows[0]
	if row.EscrowID != "ghost" || row.Status != "missing" || !row.OrphanedEntry {
		t.Fatalf("row = %+v", row)
	}
	if row.LedgerBalance != "900" {
		t.Fatalf("balance = %s", row.LedgerBalance)
	}
}

func TestReconcilerPrunesOldReports(t *testing.T) {
	h := newReconHarness(t)
	h.hold(t, "goal-1", "alice", 5000)
	dir := t.TempDir()

	stale := filepath.Join(dir, "recon_stale.csv")
	if err := os.WriteFile(stale, []byte("escrow_id\n"), 0o644); err != nil {
		t.Fatalf("seed stale report: %v", err)
	}
	old := h.now.Add(-72 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o644); err != nil {
		t.Fatalf("seed unrelated file: %v", err)
	}
	if err := os.Chtimes(unrelated, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	rec := h.reconciler(t, dir, func(cfg *Config) {
		cfg.Retention = 24 * time.Hour
	})
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", result.Pruned)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale report still present: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
	if _, err := os.Stat(result.CSVPath); err != nil {
		t.Fatalf("fresh report missing: %v", err)
	}
}

func TestReconcilerWritesParquet(t *testing.T) {
	h := newReconHarness(t)
	h.hold(t, "goal-1", "alice", 5000)

	rec := h.reconciler(t, t.TempDir(), func(cfg *Config) {
		cfg.Parquet = true
	})
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ParquetPath == "" {
		t.Fatal("parquet path empty")
	}
	info, err := os.Stat(result.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("parquet file empty")
	}
	if !strings.HasSuffix(result.ParquetPath, ".parquet") {
		t.Fatalf("parquet path = %s", result.ParquetPath)
	}
}

func TestReconcilerReportNamesCarryTimestamp(t *testing.T) {
	h := newReconHarness(t)
	h.hold(t, "goal-1", "alice", 5000)
	dir := t.TempDir()

	rec := h.reconciler(t, dir, nil)
	result, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "recon_" + h.now.Format("20060102_150405") + ".csv"
	if filepath.Base(result.CSVPath) != want {
		t.Fatalf("csv name = %s, want %s", filepath.Base(result.CSVPath), want)
	}
	if filepath.Dir(result.CSVPath) != dir {
		t.Fatalf("report dir = %s, want %s", filepath.Dir(result.CSVPath), dir)
	}
	if _, err := os.Stat(result.CSVPath); err != nil {
		t.Fatalf("report missing: %v", err)
	}
}

func TestNewReconcilerValidation(t *testing.T) {
	h := newReconHarness(t)
	base := Config{Engine: h.engine, State: h.state, Ledger: h.recorder}

	missingEngine := base
	missingEngine.Engine = nil
	if _, err := NewReconciler(missingEngine); err == nil {
		t.Fatal("missing engine accepted")
	}
	missingState := base
	missingState.State = nil
	if _, err := NewReconciler(missingState); err == nil {
		t.Fatal("missing state accepted")
	}
	missingLedger := base
	missingLedger.Ledger = nil
	if _, err := NewReconciler(missingLedger); err == nil {
		t.Fatal("missing ledger accepted")
	}
}
