// Package recon drives scheduled reconciliation over the escrow ledger and
// materialises operator reports for the anomalies it finds.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"stakepact/escrow"
	"stakepact/ledger"
	"stakepact/metrics"
)

const (
	// defaultStuckAfter is how long an escrow may sit partial before it is
	// reported stuck.
	defaultStuckAfter = 24 * time.Hour

	reportPrefix = "recon_"
)

// AccountLister is implemented by ledger stores that can enumerate every
// account with entries. Orphan detection is skipped when the store cannot.
type AccountLister interface {
	LedgerAccounts() ([]string, error)
}

// Anomaly captures one reconciliation failure requiring operator review.
type Anomaly struct {
	Type     string
	EscrowID string
	GoalID   string
	Status   string
	Detail   string
}

// ReportRow summarises the reconciliation outcome for a single escrow. Orphan
// rows carry the account's escrow id with no goal or principal.
type ReportRow struct {
	EscrowID        string
	GoalID          string
	Status          string
	Currency        string
	TotalPrincipal  string
	AccruedAmount   string
	LedgerBalance   string
	ExpectedBalance string
	AmountMismatch  bool
	WalletDrift     bool
	StuckPartial    bool
	OrphanedEntry   bool
	AgeHours        float64
	CheckedAt       time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	RunAt       time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
	Pruned      int
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Engine     *escrow.Engine
	State      escrow.EngineState
	Ledger     *ledger.Recorder
	Accounts   AccountLister
	Wallet     escrow.Wallet
	ReportDir  string
	Parquet    bool
	Retention  time.Duration
	StuckAfter time.Duration
	TZ         *time.Location
	Logger     *slog.Logger
	Now        func() time.Time
}

// Reconciler sweeps live escrows against the ledger and, when configured,
// the wallet provider, writing per-run CSV and Parquet reports.
type Reconciler struct {
	engine     *escrow.Engine
	state      escrow.EngineState
	ledger     *ledger.Recorder
	accounts   AccountLister
	wallet     escrow.Wallet
	reportDir  string
	parquet    bool
	retention  time.Duration
	stuckAfter time.Duration
	tz         *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("recon: engine is required")
	}
	if cfg.State == nil {
		return nil, errors.New("recon: state is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	reportDir := strings.TrimSpace(cfg.ReportDir)
	if reportDir == "" {
		reportDir = filepath.Join("stakepact-data", "recon")
	}
	tz := cfg.TZ
	if tz == nil {
		tz = time.UTC
	}
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(tz) }
	}
	return &Reconciler{
		engine:     cfg.Engine,
		state:      cfg.State,
		ledger:     cfg.Ledger,
		accounts:   cfg.Accounts,
		wallet:     cfg.Wallet,
		reportDir:  reportDir,
		parquet:    cfg.Parquet,
		retention:  cfg.Retention,
		stuckAfter: stuckAfter,
		tz:         tz,
		logger:     logger,
		now:        nowFn,
	}, nil
}

// Run reconciles every live escrow, scans for orphaned ledger accounts,
// writes the report files and prunes reports past retention. Per-escrow
// failures are logged and never abort the run.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	runAt := r.now().In(r.tz)

	ids, err := r.liveEscrowIDs()
	if err != nil {
		return nil, fmt.Errorf("recon: list escrows: %w", err)
	}

	rows := make([]*ReportRow, 0, len(ids))
	anomalies := make([]Anomaly, 0)
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row, found := r.checkEscrow(ctx, id, runAt)
		if row == nil {
			continue
		}
		rows = append(rows, row)
		anomalies = append(anomalies, found...)
	}

	orphanRows, orphanAnomalies := r.scanOrphans(runAt)
	rows = append(rows, orphanRows...)
	anomalies = append(anomalies, orphanAnomalies...)

	r.publishGauges(anomalies)

	result := &Result{RunAt: runAt, Rows: rows, Anomalies: anomalies}
	if err := os.MkdirAll(r.reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure report dir: %w", err)
	}
	stamp := runAt.Format("20060102_150405")
	result.CSVPath = filepath.Join(r.reportDir, reportPrefix+stamp+".csv")
	if err := writeCSV(result.CSVPath, rows); err != nil {
		return nil, err
	}
	if r.parquet {
		result.ParquetPath = filepath.Join(r.reportDir, reportPrefix+stamp+".parquet")
		if err := writeParquet(result.ParquetPath, rows); err != nil {
			return nil, err
		}
	}
	result.Pruned = r.pruneReports(runAt)

	r.logger.Info("reconciliation run complete",
		"checked", len(ids),
		"anomalies", len(anomalies),
		"report", result.CSVPath,
		"pruned", result.Pruned,
	)
	return result, nil
}

// liveEscrowIDs lists every escrow a run must check: held, frozen by a
// dispute, or already flagged partial.
func (r *Reconciler) liveEscrowIDs() ([]string, error) {
	ids := make([]string, 0)
	for _, status := range []escrow.Status{
		escrow.StatusHeld,
		escrow.StatusPendingDistribution,
		escrow.StatusPartial,
	} {
		batch, err := r.state.EscrowsByStatus(status)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
	}
	return ids, nil
}

func (r *Reconciler) checkEscrow(ctx context.Context, id string, runAt time.Time) (*ReportRow, []Anomaly) {
	esc, ok, err := r.state.EscrowGet(id)
	if err != nil || !ok || esc == nil {
		if err != nil {
			r.logger.Error("escrow load failed during reconciliation", "escrow", id, "error", err)
		}
		return nil, nil
	}

	clean, err := r.engine.Reconcile(ctx, id)
	if err != nil {
		r.logger.Error("reconcile failed", "escrow", id, "error", err)
		return nil, nil
	}
	// Reconcile may have flagged the escrow partial; report the fresh status.
	if after, ok, aerr := r.state.EscrowGet(id); aerr == nil && ok && after != nil {
		esc = after
	}

	expected := esc.Pool()
	for _, ref := range esc.ReleaseTxRefs {
		if ref.Amount != nil {
			expected.Sub(expected, ref.Amount)
		}
	}
	balance, err := r.ledger.AccountBalance(ledger.EscrowAccount(esc.ID))
	if err != nil {
		r.logger.Error("ledger balance failed during reconciliation", "escrow", id, "error", err)
		return nil, nil
	}

	row := &ReportRow{
		EscrowID:        esc.ID,
		GoalID:          esc.GoalID,
		Status:          esc.Status.String(),
		Currency:        esc.Currency,
		TotalPrincipal:  esc.TotalPrincipal().String(),
		AccruedAmount:   esc.AccruedAmount.String(),
		LedgerBalance:   balance.String(),
		ExpectedBalance: expected.String(),
		CheckedAt:       runAt,
	}
	var age time.Duration
	if esc.Status == escrow.StatusPartial {
		age = runAt.Sub(time.Unix(esc.UpdatedAt, 0))
		row.AgeHours = age.Hours()
	}

	anomalies := make([]Anomaly, 0, 2)
	if balance.Cmp(expected) != 0 {
		row.AmountMismatch = true
		anomalies = append(anomalies, Anomaly{
			Type:     escrow.AnomalyAmountMismatch,
			EscrowID: esc.ID,
			GoalID:   esc.GoalID,
			Status:   row.Status,
			Detail:   fmt.Sprintf("ledger balance %s, records expect %s", balance, expected),
		})
	} else if !clean {
		row.WalletDrift = true
		anomalies = append(anomalies, Anomaly{
			Type:     escrow.AnomalyWalletDrift,
			EscrowID: esc.ID,
			GoalID:   esc.GoalID,
			Status:   row.Status,
			Detail:   r.driftDetail(ctx, esc),
		})
	}
	if esc.Status == escrow.StatusPartial && age > r.stuckAfter {
		row.StuckPartial = true
		anomalies = append(anomalies, Anomaly{
			Type:     escrow.AnomalyStuckPartial,
			EscrowID: esc.ID,
			GoalID:   esc.GoalID,
			Status:   row.Status,
			Detail:   fmt.Sprintf("partial for %.1fh, threshold %s", row.AgeHours, r.stuckAfter),
		})
	}
	return row, anomalies
}

// driftDetail recomputes the provider-side hold totals when a wallet client
// is configured, otherwise reports drift without figures.
func (r *Reconciler) driftDetail(ctx context.Context, esc *escrow.Escrow) string {
	if r.wallet == nil {
		return "provider holds less than staked principal"
	}
	heldTotal := big.NewInt(0)
	for _, s := range esc.Stakeholders {
		bal, err := r.wallet.GetBalance(ctx, ledger.UserAccount(s.UserID), esc.Currency)
		if err != nil {
			return fmt.Sprintf("provider balance unavailable: %v", err)
		}
		if bal.Held != nil {
			heldTotal.Add(heldTotal, bal.Held)
		}
	}
	return fmt.Sprintf("provider holds %s, staked principal %s", heldTotal, esc.TotalPrincipal())
}

// scanOrphans reports ledger activity on escrow accounts whose escrow no
// longer resolves.
func (r *Reconciler) scanOrphans(runAt time.Time) ([]*ReportRow, []Anomaly) {
	if r.accounts == nil {
		return nil, nil
	}
	accounts, err := r.accounts.LedgerAccounts()
	if err != nil {
		r.logger.Error("ledger account listing failed", "error", err)
		return nil, nil
	}
	rows := make([]*ReportRow, 0)
	anomalies := make([]Anomaly, 0)
	for _, account := range accounts {
		id, found := strings.CutPrefix(account, "escrow:")
		if !found {
			continue
		}
		if _, ok, err := r.state.EscrowGet(id); err != nil || ok {
			continue
		}
		balance, err := r.ledger.AccountBalance(account)
		if err != nil {
			r.logger.Error("ledger balance failed for orphaned account", "account", account, "error", err)
			continue
		}
		rows = append(rows, &ReportRow{
			EscrowID:      id,
			Status:        "missing",
			LedgerBalance: balance.String(),
			OrphanedEntry: true,
			CheckedAt:     runAt,
		})
		anomalies = append(anomalies, Anomaly{
			Type:     escrow.AnomalyOrphanedEntry,
			EscrowID: id,
			Status:   "missing",
			Detail:   fmt.Sprintf("ledger account %s carries balance %s for an unknown escrow", account, balance),
		})
	}
	return rows, anomalies
}

func (r *Reconciler) publishGauges(anomalies []Anomaly) {
	counts := map[string]int{
		escrow.AnomalyAmountMismatch: 0,
		escrow.AnomalyWalletDrift:    0,
		escrow.AnomalyStuckPartial:   0,
		escrow.AnomalyOrphanedEntry:  0,
	}
	for _, a := range anomalies {
		counts[a.Type]++
	}
	for anomalyType, count := range counts {
		metrics.Escrow().SetReconAnomalies(anomalyType, count)
	}
}

// pruneReports removes report files older than the retention window.
func (r *Reconciler) pruneReports(runAt time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	entries, err := os.ReadDir(r.reportDir)
	if err != nil {
		r.logger.Warn("report dir listing failed", "dir", r.reportDir, "error", err)
		return 0
	}
	cutoff := runAt.Add(-r.retention)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), reportPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.reportDir, entry.Name())); err != nil {
			r.logger.Warn("report prune failed", "file", entry.Name(), "error", err)
			continue
		}
		pruned++
	}
	return pruned
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	cw := csv.NewWriter(file)
	header := []string{
		"escrow_id", "goal_id", "status", "currency", "total_principal", "accrued_amount",
		"ledger_balance", "expected_balance", "amount_mismatch", "wallet_drift",
		"stuck_partial", "orphaned_entry", "age_hours", "checked_at",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.EscrowID,
			row.GoalID,
			row.Status,
			row.Currency,
			row.TotalPrincipal,
			row.AccruedAmount,
			row.LedgerBalance,
			row.ExpectedBalance,
			boolString(row.AmountMismatch),
			boolString(row.WalletDrift),
			boolString(row.StuckPartial),
			boolString(row.OrphanedEntry),
			fmt.Sprintf("%.2f", row.AgeHours),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EscrowID        string  `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	GoalID          string  `parquet:"name=goal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency        string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalPrincipal  string  `parquet:"name=total_principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccruedAmount   string  `parquet:"name=accrued_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerBalance   string  `parquet:"name=ledger_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedBalance string  `parquet:"name=expected_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMismatch  bool    `parquet:"name=amount_mismatch, type=BOOLEAN"`
	WalletDrift     bool    `parquet:"name=wallet_drift, type=BOOLEAN"`
	StuckPartial    bool    `parquet:"name=stuck_partial, type=BOOLEAN"`
	OrphanedEntry   bool    `parquet:"name=orphaned_entry, type=BOOLEAN"`
	AgeHours        float64 `parquet:"name=age_hours, type=DOUBLE"`
	CheckedAt       string  `parquet:"name=checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			EscrowID:        row.EscrowID,
			GoalID:          row.GoalID,
			Status:          row.Status,
			Currency:        row.Currency,
			TotalPrincipal:  row.TotalPrincipal,
			AccruedAmount:   row.AccruedAmount,
			LedgerBalance:   row.LedgerBalance,
			ExpectedBalance: row.ExpectedBalance,
			AmountMismatch:  row.AmountMismatch,
			WalletDrift:     row.WalletDrift,
			StuckPartial:    row.StuckPartial,
			OrphanedEntry:   row.OrphanedEntry,
			AgeHours:        row.AgeHours,
			CheckedAt:       row.CheckedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
