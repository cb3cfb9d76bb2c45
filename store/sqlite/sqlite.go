/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Implements persistence for the payout engine (engine.Store and
  engine.AuditLog) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

STORAGE LAYOUT:
  Hot-path query columns are structured (months, natural keys, amounts);
  nested configuration rides as JSON blobs the same way plan configs do in
  spreadsheet-era comp tooling - plans, deals, and run stamps change shape
  more often than the queries over them.

MONTH ENCODING:
  Months are stored as 'YYYY-MM' text. Lexicographic order matches
  chronological order, so range scans over month columns need no parsing.

LOCKED PERIODS:
  SaveDeal, SaveActual, and SaveCollection consult the runs table and
  reject writes into a month locked by a finalized run with a
  LockedPeriodError. Corrections for locked months go through adjustments.

ATOMIC OUTPUTS:
  ReplaceRunOutputs executes inside one SQL transaction: payout rows are
  replaced wholesale per run, attribution and commission-line rows are
  upserted by natural key, and the run record updated. A failure rolls
  the whole calculation write back.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definition and contracts
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/comp-engine/engine"
)

// Store implements engine.Store and engine.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Compensation plans (config as JSON, versioned)
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		year INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_year ON plans(year);

	-- Employees
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		currency TEXT NOT NULL,
		record_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Annual targets, valid over an inclusive month range
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		metric_id TEXT NOT NULL DEFAULT '',
		record_json TEXT NOT NULL,
		from_month TEXT NOT NULL,
		to_month TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_employee ON targets(employee_id);
	CREATE INDEX IF NOT EXISTS idx_targets_range ON targets(from_month, to_month);

	-- Monthly actuals, one row per employee/metric/month
	CREATE TABLE IF NOT EXISTS actuals (
		employee_id TEXT NOT NULL,
		metric_id TEXT NOT NULL,
		month TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_currency TEXT NOT NULL,
		PRIMARY KEY (employee_id, metric_id, month)
	);

	CREATE INDEX IF NOT EXISTS idx_actuals_month ON actuals(month);

	-- Deals (booking events); booking_month drives snapshot and lock checks
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		booking_month TEXT NOT NULL,
		record_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deals_booking_month ON deals(booking_month);

	-- Collections, one per deal
	CREATE TABLE IF NOT EXISTS collections (
		deal_id TEXT PRIMARY KEY,
		record_json TEXT NOT NULL
	);

	-- Monthly market FX rates
	CREATE TABLE IF NOT EXISTS rates (
		currency TEXT NOT NULL,
		month TEXT NOT NULL,
		rate TEXT NOT NULL,
		PRIMARY KEY (currency, month)
	);

	-- Payout runs, one per month
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		month TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		record_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);

	-- Materialized payout rows, replaced wholesale per recalculation
	CREATE TABLE IF NOT EXISTS payouts (
		run_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		payout_type TEXT NOT NULL,
		record_json TEXT NOT NULL,
		PRIMARY KEY (run_id, employee_id, payout_type)
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_employee ON payouts(employee_id);

	-- Attribution rows, replaced by natural key
	CREATE TABLE IF NOT EXISTS attributions (
		deal_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		metric_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		PRIMARY KEY (deal_id, employee_id, metric_id, fiscal_year)
	);

	CREATE INDEX IF NOT EXISTS idx_attributions_year ON attributions(fiscal_year);

	-- Commission/spiff lines, replaced by natural key
	CREATE TABLE IF NOT EXISTS commission_lines (
		rule_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		PRIMARY KEY (rule_id, deal_id, employee_id, fiscal_year)
	);

	CREATE INDEX IF NOT EXISTS idx_lines_year ON commission_lines(fiscal_year);

	-- Clawback ledger; (employee, deal) unique keeps detection idempotent
	CREATE TABLE IF NOT EXISTS clawbacks (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(employee_id, deal_id)
	);

	CREATE INDEX IF NOT EXISTS idx_clawbacks_employee ON clawbacks(employee_id, status);

	-- Payout adjustments
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		applied_to_month TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_state_month ON adjustments(state, applied_to_month);

	-- F&F settlements
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		retroactive BOOLEAN NOT NULL DEFAULT FALSE,
		period TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONFIGURATION AND FACTS
// =============================================================================

func (s *Store) SavePlan(ctx context.Context, plan engine.CompPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, year, config_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			year = excluded.year,
			config_json = excluded.config_json,
			version = plans.version + 1,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(plan.ID), plan.Name, plan.Year, string(configJSON),
		plan.Version, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetPlan(ctx context.Context, id engine.PlanID) (engine.CompPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var configJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT config_json FROM plans WHERE id = ?", string(id),
	).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return engine.CompPlan{}, engine.ErrPlanNotFound
	}
	if err != nil {
		return engine.CompPlan{}, err
	}
	return decodePlan(configJSON)
}

func (s *Store) ListPlans(ctx context.Context) ([]engine.CompPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT config_json FROM plans ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []engine.CompPlan
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			return nil, err
		}
		plan, err := decodePlan(configJSON)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (s *Store) SaveEmployee(ctx context.Context, emp engine.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordJSON, err := json.Marshal(emp)
	if err != nil {
		return fmt.Errorf("failed to encode employee: %w", err)
	}

	query := `
		INSERT INTO employees (id, name, email, currency, record_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			currency = excluded.currency,
			record_json = excluded.record_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(emp.ID), emp.Name, emp.Email, emp.Currency,
		string(recordJSON), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetEmployee(ctx context.Context, id engine.EmployeeID) (engine.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_json FROM employees WHERE id = ?", string(id),
	).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return engine.Employee{}, engine.ErrEmployeeNotFound
	}
	if err != nil {
		return engine.Employee{}, err
	}

	var emp engine.Employee
	if err := json.Unmarshal([]byte(recordJSON), &emp); err != nil {
		return engine.Employee{}, fmt.Errorf("failed to decode employee: %w", err)
	}
	return emp, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]engine.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEmployees(ctx, "SELECT record_json FROM employees ORDER BY id")
}

func (s *Store) queryEmployees(ctx context.Context, query string, args ...any) ([]engine.Employee, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emps []engine.Employee
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var emp engine.Employee
		if err := json.Unmarshal([]byte(recordJSON), &emp); err != nil {
			return nil, fmt.Errorf("failed to decode employee: %w", err)
		}
		emps = append(emps, emp)
	}
	return emps, rows.Err()
}

func (s *Store) SaveTarget(ctx context.Context, t engine.UserTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}

	query := `
		INSERT INTO targets (id, employee_id, plan_id, metric_id, record_json, from_month, to_month)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record_json = excluded.record_json,
			from_month = excluded.from_month,
			to_month = excluded.to_month
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, string(t.EmployeeID), string(t.PlanID), string(t.MetricID),
		string(recordJSON), t.From.String(), t.To.String(),
	)
	return err
}

func (s *Store) SaveActual(ctx context.Context, a engine.MonthlyActual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked(ctx, a.Month); err != nil {
		return err
	}

	query := `
		INSERT INTO actuals (employee_id, metric_id, month, amount_value, amount_currency)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, metric_id, month) DO UPDATE SET
			amount_value = excluded.amount_value,
			amount_currency = excluded.amount_currency
	`
	_, err := s.db.ExecContext(ctx, query,
		string(a.EmployeeID), string(a.MetricID), a.Month.String(),
		a.Amount.Value.String(), a.Amount.Currency,
	)
	return err
}

func (s *Store) SaveDeal(ctx context.Context, d engine.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnlocked(ctx, d.BookingMonth()); err != nil {
		return err
	}

	recordJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode deal: %w", err)
	}

	query := `
		INSERT INTO deals (id, booking_month, record_json)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			booking_month = excluded.booking_month,
			record_json = excluded.record_json
	`
	_, err = s.db.ExecContext(ctx, query, string(d.ID), d.BookingMonth().String(), string(recordJSON))
	return err
}

func (s *Store) SaveCollection(ctx context.Context, c engine.DealCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bookingMonth string
	err := s.db.QueryRowContext(ctx,
		"SELECT booking_month FROM deals WHERE id = ?", string(c.DealID),
	).Scan(&bookingMonth)
	if err == sql.ErrNoRows {
		return engine.ErrDealNotFound
	}
	if err != nil {
		return err
	}
	if err := s.checkUnlocked(ctx, parseMonth(bookingMonth)); err != nil {
		return err
	}

	recordJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode collection: %w", err)
	}

	query := `
		INSERT INTO collections (deal_id, record_json)
		VALUES (?, ?)
		ON CONFLICT(deal_id) DO UPDATE SET record_json = excluded.record_json
	`
	_, err = s.db.ExecContext(ctx, query, string(c.DealID), string(recordJSON))
	return err
}

func (s *Store) SaveRate(ctx context.Context, currency string, month engine.Month, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rates (currency, month, rate)
		VALUES (?, ?, ?)
		ON CONFLICT(currency, month) DO UPDATE SET rate = excluded.rate
	`
	_, err := s.db.ExecContext(ctx, query, currency, month.String(), rate.String())
	return err
}

// Rate implements engine.RateTable.
func (s *Store) Rate(currency string, month engine.Month) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rateStr string
	err := s.db.QueryRow(
		"SELECT rate FROM rates WHERE currency = ? AND month = ?",
		currency, month.String(),
	).Scan(&rateStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, &engine.MissingRateError{Currency: currency, Month: month, Class: engine.RateMarket}
	}
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt rate for %s %s: %w", currency, month, err)
	}
	return rate, nil
}

// checkUnlocked rejects writes into a month locked by a finalized run.
// Callers hold the write lock.
func (s *Store) checkUnlocked(ctx context.Context, month engine.Month) error {
	var runID string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM runs WHERE month = ? AND is_locked = TRUE", month.String(),
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return &engine.LockedPeriodError{Month: month, RunID: engine.RunID(runID)}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot assembles fiscal-year-to-date inputs. The read lock spans all
// queries, so a racing finalize or data-entry write cannot interleave.
func (s *Store) Snapshot(ctx context.Context, month engine.Month) (*engine.InputSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fyStart := engine.FiscalYearStart(engine.FiscalYearOf(month))
	snap := &engine.InputSnapshot{
		Month:       month,
		Plans:       make(map[engine.PlanID]engine.CompPlan),
		Collections: make(map[engine.DealID]engine.DealCollection),
	}

	plans, err := s.queryPlansLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		snap.Plans[p.ID] = p
	}

	snap.Employees, err = s.queryEmployees(ctx, "SELECT record_json FROM employees ORDER BY id")
	if err != nil {
		return nil, err
	}

	targetRows, err := s.db.QueryContext(ctx, "SELECT record_json FROM targets")
	if err != nil {
		return nil, err
	}
	defer targetRows.Close()
	for targetRows.Next() {
		var recordJSON string
		if err := targetRows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var t engine.UserTarget
		if err := json.Unmarshal([]byte(recordJSON), &t); err != nil {
			return nil, fmt.Errorf("failed to decode target: %w", err)
		}
		snap.Targets = append(snap.Targets, t)
	}
	if err := targetRows.Err(); err != nil {
		return nil, err
	}

	actualRows, err := s.db.QueryContext(ctx,
		`SELECT employee_id, metric_id, month, amount_value, amount_currency
		 FROM actuals WHERE month >= ? AND month <= ?`,
		fyStart.String(), month.String(),
	)
	if err != nil {
		return nil, err
	}
	defer actualRows.Close()
	for actualRows.Next() {
		var empID, metricID, monthStr, value, currency string
		if err := actualRows.Scan(&empID, &metricID, &monthStr, &value, &currency); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("corrupt actual amount: %w", err)
		}
		snap.Actuals = append(snap.Actuals, engine.MonthlyActual{
			EmployeeID: engine.EmployeeID(empID),
			MetricID:   engine.MetricID(metricID),
			Month:      parseMonth(monthStr),
			Amount:     engine.Money{Value: amount, Currency: currency},
		})
	}
	if err := actualRows.Err(); err != nil {
		return nil, err
	}

	dealRows, err := s.db.QueryContext(ctx,
		"SELECT record_json FROM deals WHERE booking_month >= ? AND booking_month <= ? ORDER BY id",
		fyStart.String(), month.String(),
	)
	if err != nil {
		return nil, err
	}
	defer dealRows.Close()
	for dealRows.Next() {
		var recordJSON string
		if err := dealRows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var d engine.Deal
		if err := json.Unmarshal([]byte(recordJSON), &d); err != nil {
			return nil, fmt.Errorf("failed to decode deal: %w", err)
		}
		snap.Deals = append(snap.Deals, d)
	}
	if err := dealRows.Err(); err != nil {
		return nil, err
	}

	for _, d := range snap.Deals {
		var recordJSON string
		err := s.db.QueryRowContext(ctx,
			"SELECT record_json FROM collections WHERE deal_id = ?", string(d.ID),
		).Scan(&recordJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		var c engine.DealCollection
		if err := json.Unmarshal([]byte(recordJSON), &c); err != nil {
			return nil, fmt.Errorf("failed to decode collection: %w", err)
		}
		snap.Collections[d.ID] = c
	}

	return snap, nil
}

func (s *Store) queryPlansLocked(ctx context.Context) ([]engine.CompPlan, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT config_json FROM plans")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []engine.CompPlan
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			return nil, err
		}
		plan, err := decodePlan(configJSON)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// =============================================================================
// RUNS
// =============================================================================

func (s *Store) CreateRun(ctx context.Context, run engine.PayoutRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO runs (id, month, state, is_locked, record_json) VALUES (?, ?, ?, ?, ?)",
		string(run.ID), run.Month.String(), string(run.State), run.IsLocked, string(recordJSON),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return engine.ErrDuplicateRun
	}
	return err
}

func (s *Store) GetRun(ctx context.Context, id engine.RunID) (engine.PayoutRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRun(ctx, "SELECT record_json FROM runs WHERE id = ?", string(id))
}

func (s *Store) RunForMonth(ctx context.Context, month engine.Month) (engine.PayoutRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRun(ctx, "SELECT record_json FROM runs WHERE month = ?", month.String())
}

func (s *Store) queryRun(ctx context.Context, query string, arg any) (engine.PayoutRun, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return engine.PayoutRun{}, engine.ErrRunNotFound
	}
	if err != nil {
		return engine.PayoutRun{}, err
	}

	var run engine.PayoutRun
	if err := json.Unmarshal([]byte(recordJSON), &run); err != nil {
		return engine.PayoutRun{}, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}

func (s *Store) SaveRun(ctx context.Context, run engine.PayoutRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRunTx(ctx, s.db, run)
}

func (s *Store) saveRunTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, run engine.PayoutRun) error {
	recordJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	res, err := db.ExecContext(ctx,
		"UPDATE runs SET state = ?, is_locked = ?, record_json = ? WHERE id = ?",
		string(run.State), run.IsLocked, string(recordJSON), string(run.ID),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context) ([]engine.PayoutRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT record_json FROM runs ORDER BY month")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []engine.PayoutRun
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var run engine.PayoutRun
		if err := json.Unmarshal([]byte(recordJSON), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ReplaceRunOutputs persists a calculation's full output set in one SQL
// transaction.
func (s *Store) ReplaceRunOutputs(ctx context.Context, run engine.PayoutRun, out engine.RunOutputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM payouts WHERE run_id = ?", string(run.ID)); err != nil {
		return err
	}
	for _, p := range out.Payouts {
		recordJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode payout: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO payouts (run_id, employee_id, payout_type, record_json) VALUES (?, ?, ?, ?)",
			string(p.RunID), string(p.EmployeeID), string(p.Type), string(recordJSON),
		)
		if err != nil {
			return err
		}
	}

	for _, a := range out.Attributions {
		recordJSON, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode attribution: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attributions (deal_id, employee_id, metric_id, fiscal_year, record_json)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(deal_id, employee_id, metric_id, fiscal_year)
			 DO UPDATE SET record_json = excluded.record_json`,
			string(a.DealID), string(a.EmployeeID), string(a.MetricID), a.FiscalYear, string(recordJSON),
		)
		if err != nil {
			return err
		}
	}

	for _, l := range out.Lines {
		recordJSON, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to encode commission line: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO commission_lines (rule_id, deal_id, employee_id, fiscal_year, record_json)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(rule_id, deal_id, employee_id, fiscal_year)
			 DO UPDATE SET record_json = excluded.record_json`,
			l.RuleID, string(l.DealID), string(l.EmployeeID), l.FiscalYear, string(recordJSON),
		)
		if err != nil {
			return err
		}
	}

	if err := s.saveRunTx(ctx, tx, run); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) PayoutsForRun(ctx context.Context, id engine.RunID) ([]engine.MonthlyPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT record_json FROM payouts WHERE run_id = ? ORDER BY employee_id, payout_type",
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []engine.MonthlyPayout
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var p engine.MonthlyPayout
		if err := json.Unmarshal([]byte(recordJSON), &p); err != nil {
			return nil, fmt.Errorf("failed to decode payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func (s *Store) AttributionsForYear(ctx context.Context, fiscalYear int) ([]engine.Attribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT record_json FROM attributions WHERE fiscal_year = ? ORDER BY deal_id, employee_id, metric_id",
		fiscalYear,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attributions []engine.Attribution
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var a engine.Attribution
		if err := json.Unmarshal([]byte(recordJSON), &a); err != nil {
			return nil, fmt.Errorf("failed to decode attribution: %w", err)
		}
		attributions = append(attributions, a)
	}
	return attributions, rows.Err()
}

func (s *Store) CommissionLinesForYear(ctx context.Context, fiscalYear int) ([]engine.CommissionLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT record_json FROM commission_lines WHERE fiscal_year = ?", fiscalYear,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []engine.CommissionLine
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var l engine.CommissionLine
		if err := json.Unmarshal([]byte(recordJSON), &l); err != nil {
			return nil, fmt.Errorf("failed to decode commission line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// PriorRecognized sums payout rows of finalized/paid runs of the fiscal
// year strictly before the month.
func (s *Store) PriorRecognized(ctx context.Context, emp engine.EmployeeID, fiscalYear int, before engine.Month) (engine.PriorLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fyStart := engine.FiscalYearStart(fiscalYear)
	query := `
		SELECT p.record_json
		FROM payouts p
		JOIN runs r ON r.id = p.run_id
		WHERE p.employee_id = ?
		  AND r.month >= ? AND r.month < ?
		  AND r.state IN ('finalized', 'paid')
	`
	rows, err := s.db.QueryContext(ctx, query, string(emp), fyStart.String(), before.String())
	if err != nil {
		return engine.PriorLedger{}, err
	}
	defer rows.Close()

	ledger := engine.PriorLedger{Variable: make(map[engine.MetricID]decimal.Decimal)}
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return engine.PriorLedger{}, err
		}
		var p engine.MonthlyPayout
		if err := json.Unmarshal([]byte(recordJSON), &p); err != nil {
			return engine.PriorLedger{}, fmt.Errorf("failed to decode payout: %w", err)
		}
		switch p.Type {
		case engine.PayoutVariable:
			ledger.Variable[""] = ledger.Variable[""].Add(p.CalculatedUSD.Value)
		case engine.PayoutCommission:
			ledger.Commission = ledger.Commission.Add(p.CalculatedUSD.Value)
		case engine.PayoutSpiff:
			ledger.Spiff = ledger.Spiff.Add(p.CalculatedUSD.Value)
		}
	}
	return ledger, rows.Err()
}

// =============================================================================
// CLAWBACKS
// =============================================================================

func (s *Store) SaveClawback(ctx context.Context, e engine.ClawbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveClawbackTx(ctx, s.db, e)
}

func saveClawbackTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, e engine.ClawbackEntry) error {
	recordJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode clawback: %w", err)
	}

	query := `
		INSERT INTO clawbacks (id, employee_id, deal_id, status, record_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record_json = excluded.record_json
	`
	_, err = db.ExecContext(ctx, query,
		e.ID, string(e.EmployeeID), string(e.DealID), string(e.Status),
		string(recordJSON), e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetClawback(ctx context.Context, id string) (engine.ClawbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_json FROM clawbacks WHERE id = ?", id,
	).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return engine.ClawbackEntry{}, engine.ErrClawbackState
	}
	if err != nil {
		return engine.ClawbackEntry{}, err
	}

	var e engine.ClawbackEntry
	if err := json.Unmarshal([]byte(recordJSON), &e); err != nil {
		return engine.ClawbackEntry{}, fmt.Errorf("failed to decode clawback: %w", err)
	}
	return e, nil
}

func (s *Store) OpenClawbacks(ctx context.Context, emp engine.EmployeeID) ([]engine.ClawbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryClawbacks(ctx,
		`SELECT record_json FROM clawbacks
		 WHERE employee_id = ? AND status IN ('pending', 'partially_recovered')
		 ORDER BY created_at`,
		string(emp),
	)
}

func (s *Store) ListClawbacks(ctx context.Context) ([]engine.ClawbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryClawbacks(ctx, "SELECT record_json FROM clawbacks ORDER BY id")
}

func (s *Store) queryClawbacks(ctx context.Context, query string, args ...any) ([]engine.ClawbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []engine.ClawbackEntry
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var e engine.ClawbackEntry
		if err := json.Unmarshal([]byte(recordJSON), &e); err != nil {
			return nil, fmt.Errorf("failed to decode clawback: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ClawbackKeys(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT employee_id, deal_id FROM clawbacks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var empID, dealID string
		if err := rows.Scan(&empID, &dealID); err != nil {
			return nil, err
		}
		keys[empID+"|"+dealID] = true
	}
	return keys, rows.Err()
}

// =============================================================================
// ADJUSTMENTS AND SETTLEMENTS
// =============================================================================

func (s *Store) SaveAdjustment(ctx context.Context, a engine.PayoutAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordJSON, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode adjustment: %w", err)
	}

	query := `
		INSERT INTO adjustments (id, state, applied_to_month, record_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			applied_to_month = excluded.applied_to_month,
			record_json = excluded.record_json
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, string(a.State), a.AppliedToMonth.String(),
		string(recordJSON), a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetAdjustment(ctx context.Context, id string) (engine.PayoutAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_json FROM adjustments WHERE id = ?", id,
	).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return engine.PayoutAdjustment{}, engine.ErrAdjustmentState
	}
	if err != nil {
		return engine.PayoutAdjustment{}, err
	}

	var a engine.PayoutAdjustment
	if err := json.Unmarshal([]byte(recordJSON), &a); err != nil {
		return engine.PayoutAdjustment{}, fmt.Errorf("failed to decode adjustment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAdjustments(ctx context.Context) ([]engine.PayoutAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAdjustments(ctx, "SELECT record_json FROM adjustments ORDER BY created_at")
}

func (s *Store) ApprovedAdjustmentsFor(ctx context.Context, month engine.Month) ([]engine.PayoutAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAdjustments(ctx,
		"SELECT record_json FROM adjustments WHERE state = 'approved' AND applied_to_month = ? ORDER BY id",
		month.String(),
	)
}

func (s *Store) queryAdjustments(ctx context.Context, query string, args ...any) ([]engine.PayoutAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []engine.PayoutAdjustment
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var a engine.PayoutAdjustment
		if err := json.Unmarshal([]byte(recordJSON), &a); err != nil {
			return nil, fmt.Errorf("failed to decode adjustment: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Store) SaveSettlement(ctx context.Context, settlement engine.FnfSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordJSON, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("failed to encode settlement: %w", err)
	}

	query := `
		INSERT INTO settlements (id, employee_id, record_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record_json = excluded.record_json
	`
	_, err = s.db.ExecContext(ctx, query,
		settlement.ID, string(settlement.EmployeeID),
		string(recordJSON), settlement.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSettlement(ctx context.Context, id string) (engine.FnfSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_json FROM settlements WHERE id = ?", id,
	).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return engine.FnfSettlement{}, engine.ErrRunNotFound
	}
	if err != nil {
		return engine.FnfSettlement{}, err
	}

	var settlement engine.FnfSettlement
	if err := json.Unmarshal([]byte(recordJSON), &settlement); err != nil {
		return engine.FnfSettlement{}, fmt.Errorf("failed to decode settlement: %w", err)
	}
	return settlement, nil
}

func (s *Store) ListSettlements(ctx context.Context) ([]engine.FnfSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT record_json FROM settlements ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []engine.FnfSettlement
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var settlement engine.FnfSettlement
		if err := json.Unmarshal([]byte(recordJSON), &settlement); err != nil {
			return nil, fmt.Errorf("failed to decode settlement: %w", err)
		}
		list = append(list, settlement)
	}
	return list, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, entry engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var period *string
	if entry.Period != nil {
		p := entry.Period.String()
		period = &p
	}

	query := `
		INSERT INTO audit_log (id, at, actor_id, action, entity, entity_id, before_json, after_json, retroactive, period)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.At.UTC().Format(time.RFC3339), entry.ActorID,
		string(entry.Action), entry.Entity, entry.EntityID,
		string(entry.Before), string(entry.After), entry.Retroactive, period,
	)
	return err
}

func (s *Store) Query(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, at, actor_id, action, entity, entity_id, before_json, after_json, retroactive, period
		FROM audit_log WHERE 1=1`
	var args []any
	if filter.Entity != "" {
		query += " AND entity = ?"
		args = append(args, filter.Entity)
	}
	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.From != nil {
		query += " AND at >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if filter.To != nil {
		query += " AND at <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}
	query += " ORDER BY at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []engine.AuditEntry
	for rows.Next() {
		var e engine.AuditEntry
		var at string
		var before, after, period sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.Entity, &e.EntityID,
			&before, &after, &e.Retroactive, &period); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		if period.Valid {
			m := parseMonth(period.String)
			e.Period = &m
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"payouts", "attributions", "commission_lines", "clawbacks",
		"adjustments", "settlements", "runs", "collections", "deals",
		"actuals", "targets", "rates", "employees", "plans", "audit_log",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func decodePlan(configJSON string) (engine.CompPlan, error) {
	var plan engine.CompPlan
	if err := json.Unmarshal([]byte(configJSON), &plan); err != nil {
		return engine.CompPlan{}, fmt.Errorf("failed to decode plan: %w", err)
	}
	return plan, nil
}

func parseMonth(s string) engine.Month {
	m, _ := engine.ParseMonth(s)
	return m
}

var _ engine.Store = (*Store)(nil)
var _ engine.AuditLog = (*Store)(nil)
