/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists counter-parties, employees, the transaction store and the audit
  log in a single SQLite file (or ":memory:" for tests).

APPEND-ONLY ENFORCEMENT:
  The schema enforces the invariants structurally, so a bug in Go code (or a
  hand-written SQL session) cannot break them:
  - audit_log: BEFORE UPDATE / BEFORE DELETE triggers RAISE(ABORT)
  - deliveries: a BEFORE UPDATE trigger aborts any change of
    material_price_at_time
  Both surface as ledger.InvariantViolationError.

KEY TABLES:
  counter_parties, party_prices:  clients, crushers, contractors, suppliers,
                                  administration entities and their price lists
  employees, attendance:          payroll inputs
  deliveries, payments, adjustments, opening_balances,
  capital_injections, withdrawals: the transaction store
  audit_log:                      write-once

COLUMN MAPPING:
  Columns are named after the json tags of the ledger types, so sqlx scans
  rows straight into them. Money is TEXT (exact decimal strings), time
  columns are declared TIMESTAMP and always written in UTC.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Row updates run inside a database
  transaction with an optimistic version check on deliveries.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  calc := ledger.NewCalculator(store)

SCHEMA:
  New() applies the schema with CREATE ... IF NOT EXISTS, so reopening an
  existing database is a no-op. There are no versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/quarry-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	db.Mapper = reflectx.NewMapperFunc("json", strings.ToLower)

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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Counter-parties (all five kinds share one table)
	CREATE TABLE IF NOT EXISTS counter_parties (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		opening_balance TEXT NOT NULL DEFAULT '0',
		partner_type TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_counter_parties_kind
		ON counter_parties(kind, deleted_at);

	-- Crusher price lists and supplier material+price pairs
	CREATE TABLE IF NOT EXISTS party_prices (
		party_id TEXT NOT NULL REFERENCES counter_parties(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		material TEXT NOT NULL,
		price TEXT NOT NULL,
		PRIMARY KEY (party_id, material)
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		basic_salary TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TIMESTAMP NOT NULL,
		end_date TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		crusher_id TEXT NOT NULL DEFAULT '',
		supplier_id TEXT NOT NULL DEFAULT '',
		contractor_id TEXT NOT NULL DEFAULT '',
		material TEXT NOT NULL,
		voucher_number TEXT NOT NULL DEFAULT '',
		car_volume TEXT NOT NULL,
		discount_volume TEXT NOT NULL,
		net_quantity TEXT NOT NULL,
		price_per_meter TEXT NOT NULL,
		material_price_at_time TEXT NOT NULL,
		contractor_charge_per_meter TEXT NOT NULL,
		total_value TEXT NOT NULL,
		crusher_total_cost TEXT NOT NULL,
		supplier_total_cost TEXT NOT NULL,
		contractor_total_charge TEXT NOT NULL,
		delivered_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		CHECK (crusher_id = '' OR supplier_id = '')
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_client ON deliveries(client_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_crusher ON deliveries(crusher_id) WHERE crusher_id != '';
	CREATE INDEX IF NOT EXISTS idx_deliveries_supplier ON deliveries(supplier_id) WHERE supplier_id != '';
	CREATE INDEX IF NOT EXISTS idx_deliveries_contractor ON deliveries(contractor_id) WHERE contractor_id != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_voucher
		ON deliveries(voucher_number) WHERE voucher_number != '';

	-- CRITICAL: the historical price is locked at creation
	CREATE TRIGGER IF NOT EXISTS trg_deliveries_price_lock
		BEFORE UPDATE OF material_price_at_time ON deliveries
		WHEN NEW.material_price_at_time IS NOT OLD.material_price_at_time
	BEGIN
		SELECT RAISE(ABORT, 'material_price_at_time is immutable');
	END;

	-- Payments and adjustments are polymorphic over (kind, party_id)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		party_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		paid_at TIMESTAMP NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_payments_party ON payments(kind, party_id);
	CREATE INDEX IF NOT EXISTS idx_payments_project ON payments(project_id) WHERE project_id != '';

	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		party_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_party ON adjustments(kind, party_id);

	CREATE TABLE IF NOT EXISTS opening_balances (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		party_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_opening_balances_party ON opening_balances(kind, party_id);

	CREATE TABLE IF NOT EXISTS capital_injections (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL DEFAULT 'injection',
		administration_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_capital_injections_admin ON capital_injections(administration_id);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL DEFAULT 'withdrawal',
		administration_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_admin ON withdrawals(administration_id);

	CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		period_start TIMESTAMP NOT NULL,
		period_end TIMESTAMP NOT NULL,
		period_days INTEGER NOT NULL,
		attendance_days INTEGER,
		absence_days INTEGER,
		worked_days INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_unique_period
		ON attendance(employee_id, period_start, period_end);

	-- Audit log (write-once)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		old_values TEXT,
		new_values TEXT,
		reason TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at DESC);

	CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_update
		BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_delete
		BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// tableFor maps an entity type to its table.
func tableFor(t ledger.EntityType) (string, error) {
	if kind, ok := t.Kind(); ok {
		if kind == ledger.KindEmployee {
			return "employees", nil
		}
		return "counter_parties", nil
	}
	switch t {
	case ledger.EntityDelivery:
		return "deliveries", nil
	case ledger.EntityPayment:
		return "payments", nil
	case ledger.EntityAdjustment:
		return "adjustments", nil
	case ledger.EntityOpeningBalance:
		return "opening_balances", nil
	case ledger.EntityCapitalInjection:
		return "capital_injections", nil
	case ledger.EntityWithdrawal:
		return "withdrawals", nil
	case ledger.EntityAttendance:
		return "attendance", nil
	case ledger.EntityAuditLog:
		return "audit_log", nil
	}
	return "", &ledger.ValidationError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", t)}
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// translate maps SQLite constraint failures onto the ledger error taxonomy.
func translate(err error, ref ledger.EntityRef) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "audit_log is append-only"):
		return &ledger.InvariantViolationError{Ref: ref, Reason: "audit log entries are immutable"}
	case strings.Contains(msg, "material_price_at_time is immutable"):
		return &ledger.InvariantViolationError{Ref: ref, Field: "material_price_at_time", Reason: "price is locked at creation"}
	case isUniqueConstraintError(err):
		return &ledger.ConflictError{Entity: ref.Type, Key: conflictKey(msg, ref)}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func conflictKey(msg string, ref ledger.EntityRef) string {
	switch {
	case strings.Contains(msg, "voucher_number"):
		return "voucher number"
	case strings.Contains(msg, "attendance.employee_id"):
		return "attendance period for employee"
	}
	return ref.ID
}

func notFound(ref ledger.EntityRef) error { return &ledger.NotFoundError{Ref: ref} }
