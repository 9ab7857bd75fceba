/*
Package sqlite provides a SQLite-backed implementation of the travel storage
interfaces.

PURPOSE:
  One file-backed store serving all three persistence roles of the engine:
  travel.Directory:  employees, projects and subprojects
  travel.AuditStore: the append-only calculation audit ledger
  travel.CacheStore: a persistent calculation cache (optional backend)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement on calculation_audit exists in this file
  - BEFORE UPDATE / BEFORE DELETE triggers abort any attempt from outside
  - classify maps trigger violations to travel.ErrAppendOnly and UNIQUE
    violations on the record id to travel.ErrDuplicateAuditRecord

KEY TABLES:
  calculation_audit:  Immutable ledger of request-bound calculations
  calculation_cache:  Fingerprint-keyed results with expiry
  employees:          Home locations
  projects:           Default cost per km, active flag
  subprojects:        Site location, optional cost per km override

MONEY:
  Decimal values are stored as TEXT (decimal.String) so nothing passes
  through float64. Timestamps use a fixed-width UTC layout so string
  comparison on expires_at is chronological.

MIGRATION:
  Schema is applied with goose from the embedded migrations/ directory on
  New(). `travelcost migrate` runs the same migrations explicitly.

CONCURRENCY:
  Uses sync.RWMutex and a single connection; SQLite has one writer anyway.

USAGE:
  store, err := sqlite.New("./data/travel.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - travel/store.go: Interface definitions
  - travel/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/travel"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the travel storage interfaces using SQLite.
type Store struct {
	// Publisher receives change notifications from the Save* methods.
	Publisher events.Publisher

	db *sql.DB
	mu sync.RWMutex
}

// New opens the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory:, harmless for files.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies pending goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// =============================================================================
// AUDIT STORE (travel.AuditStore interface)
// =============================================================================

// Append writes one audit record. This is the only write on calculation_audit.
func (s *Store) Append(ctx context.Context, rec travel.AuditRecord) (travel.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return travel.AuditRecord{}, fmt.Errorf("failed to encode audit input: %w", err)
	}

	query := `
		INSERT INTO calculation_audit
		(id, travel_request_id, employee_id, subproject_id, project_id, fingerprint,
		 days_per_week, cost_per_km, distance_km, daily_allowance, weekly_allowance,
		 monthly_allowance, input_json, rule_version, computed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TravelRequestID,
		rec.EmployeeID,
		rec.SubprojectID,
		rec.ProjectID,
		string(rec.Result.Fingerprint),
		rec.Result.DaysPerWeek,
		rec.Result.CostPerKmUsed.String(),
		rec.Result.DistanceKm.String(),
		rec.Result.DailyAllowance.String(),
		rec.Result.WeeklyAllowance.String(),
		rec.Result.MonthlyAllowance.String(),
		string(inputJSON),
		rec.RuleVersion,
		formatTime(rec.ComputedAt),
		formatTime(rec.RecordedAt),
	)
	if err != nil {
		return travel.AuditRecord{}, fmt.Errorf("failed to append audit record: %w", classify(err))
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return travel.AuditRecord{}, fmt.Errorf("failed to read audit sequence: %w", err)
	}
	rec.Sequence = seq
	return rec, nil
}

// LoadByRequest returns the audit records of a travel request in creation order.
func (s *Store) LoadByRequest(ctx context.Context, travelRequestID string) ([]travel.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT seq, id, travel_request_id, employee_id, subproject_id, project_id, fingerprint,
		       days_per_week, cost_per_km, distance_km, daily_allowance, weekly_allowance,
		       monthly_allowance, input_json, rule_version, computed_at, recorded_at
		FROM calculation_audit
		WHERE travel_request_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, travelRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := []travel.AuditRecord{}
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanAuditRecord(rows *sql.Rows) (travel.AuditRecord, error) {
	var rec travel.AuditRecord
	var fingerprint, inputJSON, computedAt, recordedAt string
	var costPerKm, distance, daily, weekly, monthly string
	err := rows.Scan(
		&rec.Sequence, &rec.ID, &rec.TravelRequestID, &rec.EmployeeID, &rec.SubprojectID,
		&rec.ProjectID, &fingerprint, &rec.Result.DaysPerWeek, &costPerKm, &distance,
		&daily, &weekly, &monthly, &inputJSON, &rec.RuleVersion, &computedAt, &recordedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan audit record: %w", err)
	}
	if err := json.Unmarshal([]byte(inputJSON), &rec.Input); err != nil {
		return rec, fmt.Errorf("failed to decode audit input %s: %w", rec.ID, err)
	}

	rec.Result.Fingerprint = travel.Fingerprint(fingerprint)
	rec.Result.RuleVersion = rec.RuleVersion
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"cost_per_km", costPerKm, &rec.Result.CostPerKmUsed},
		{"distance_km", distance, &rec.Result.DistanceKm},
		{"daily_allowance", daily, &rec.Result.DailyAllowance},
		{"weekly_allowance", weekly, &rec.Result.WeeklyAllowance},
		{"monthly_allowance", monthly, &rec.Result.MonthlyAllowance},
	} {
		if *f.dst, err = parseDecimal(f.raw); err != nil {
			return rec, fmt.Errorf("corrupt audit record %s: %s: %w", rec.ID, f.name, err)
		}
	}
	if rec.ComputedAt, err = parseTime(computedAt); err != nil {
		return rec, fmt.Errorf("corrupt audit record %s: computed_at: %w", rec.ID, err)
	}
	if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
		return rec, fmt.Errorf("corrupt audit record %s: recorded_at: %w", rec.ID, err)
	}
	rec.Result.ComputedAt = rec.ComputedAt
	return rec, nil
}

// =============================================================================
// CACHE STORE (travel.CacheStore interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, fp travel.Fingerprint) (travel.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var resultJSON, createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT result_json, created_at, expires_at FROM calculation_cache WHERE fingerprint = ?",
		string(fp),
	).Scan(&resultJSON, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return travel.CacheEntry{}, false, nil
	}
	if err != nil {
		return travel.CacheEntry{}, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := travel.CacheEntry{Fingerprint: fp}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return travel.CacheEntry{}, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if entry.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return travel.CacheEntry{}, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &entry.Result); err != nil {
		return travel.CacheEntry{}, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return entry, true, nil
}

func (s *Store) Put(ctx context.Context, entry travel.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calculation_cache (fingerprint, result_json, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			result_json = excluded.result_json,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, string(entry.Fingerprint), string(resultJSON), formatTime(entry.CreatedAt), formatTime(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *Store) Evict(ctx context.Context, fps ...travel.Fingerprint) (int, error) {
	if len(fps) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fps)), ",")
	args := make([]any, len(fps))
	for i, fp := range fps {
		args[i] = string(fp)
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM calculation_cache WHERE fingerprint IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to evict cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Sweep deletes entries with expires_at <= now and returns their fingerprints.
func (s *Store) Sweep(ctx context.Context, now time.Time) ([]travel.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"DELETE FROM calculation_cache WHERE expires_at <= ? RETURNING fingerprint", formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to sweep cache: %w", err)
	}
	defer rows.Close()

	var swept []travel.Fingerprint
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		swept = append(swept, travel.Fingerprint(fp))
	}
	return swept, rows.Err()
}

// =============================================================================
// DIRECTORY (travel.Directory interface)
// =============================================================================

func (s *Store) HomeLocation(ctx context.Context, employeeID string) (travel.GeoPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var home travel.GeoPoint
	err := s.db.QueryRowContext(ctx,
		"SELECT home_latitude, home_longitude FROM employees WHERE id = ?", employeeID,
	).Scan(&home.Latitude, &home.Longitude)
	if errors.Is(err, sql.ErrNoRows) {
		return travel.GeoPoint{}, fmt.Errorf("%w: %s", travel.ErrEmployeeNotFound, employeeID)
	}
	if err != nil {
		return travel.GeoPoint{}, fmt.Errorf("failed to load employee %s: %w", employeeID, err)
	}
	return home, nil
}

func (s *Store) SubprojectSite(ctx context.Context, subprojectID string) (travel.SubprojectSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		site           travel.SubprojectSite
		costPerKm      sql.NullString
		projectDefault sql.NullString
		active         sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sp.id, sp.project_id, sp.latitude, sp.longitude, sp.cost_per_km,
		       p.default_cost_per_km, p.active
		FROM subprojects sp
		LEFT JOIN projects p ON p.id = sp.project_id
		WHERE sp.id = ?
	`, subprojectID).Scan(
		&site.SubprojectID, &site.ProjectID, &site.Location.Latitude, &site.Location.Longitude,
		&costPerKm, &projectDefault, &active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return travel.SubprojectSite{}, fmt.Errorf("%w: %s", travel.ErrSubprojectNotFound, subprojectID)
	}
	if err != nil {
		return travel.SubprojectSite{}, fmt.Errorf("failed to load subproject %s: %w", subprojectID, err)
	}

	if site.CostPerKm, err = nullDecimal(costPerKm); err != nil {
		return travel.SubprojectSite{}, fmt.Errorf("corrupt cost_per_km on subproject %s: %w", subprojectID, err)
	}
	if site.ProjectDefaultCostPerKm, err = nullDecimal(projectDefault); err != nil {
		return travel.SubprojectSite{}, fmt.Errorf("corrupt default_cost_per_km on project %s: %w", site.ProjectID, err)
	}
	site.ProjectActive = active.Valid && active.Bool
	return site, nil
}

// SaveEmployee creates or updates an employee. Moving an existing employee
// publishes an address change.
func (s *Store) SaveEmployee(ctx context.Context, emp travel.Employee) error {
	if err := emp.Home.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	var prev travel.GeoPoint
	err := s.db.QueryRowContext(ctx,
		"SELECT home_latitude, home_longitude FROM employees WHERE id = ?", emp.ID,
	).Scan(&prev.Latitude, &prev.Longitude)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return err
	}

	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, home_latitude, home_longitude, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			home_latitude = excluded.home_latitude,
			home_longitude = excluded.home_longitude,
			updated_at = excluded.updated_at
	`, emp.ID, emp.Name, emp.Home.Latitude, emp.Home.Longitude, now, now)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}

	if existed && prev != emp.Home {
		return s.publish(ctx, events.AddressChanged(emp.ID))
	}
	return nil
}

// SaveProject creates or updates a project. Changing the default rate or the
// active flag publishes a project rate change.
func (s *Store) SaveProject(ctx context.Context, p travel.Project) error {
	s.mu.Lock()
	var (
		prevRate   sql.NullString
		prevActive bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT default_cost_per_km, active FROM projects WHERE id = ?", p.ID,
	).Scan(&prevRate, &prevActive)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return err
	}

	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, default_cost_per_km, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			default_cost_per_km = excluded.default_cost_per_km,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, decimalValue(p.DefaultCostPerKm), p.Active, now, now)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	if existed && (rateChanged(prevRate, p.DefaultCostPerKm) || prevActive != p.Active) {
		return s.publish(ctx, events.RateChanged("", p.ID))
	}
	return nil
}

// SaveSubproject creates or updates a subproject. Location and rate edits
// publish site and rate changes respectively.
func (s *Store) SaveSubproject(ctx context.Context, sp travel.Subproject) error {
	if err := sp.Location.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	var (
		prevLoc  travel.GeoPoint
		prevRate sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT latitude, longitude, cost_per_km FROM subprojects WHERE id = ?", sp.ID,
	).Scan(&prevLoc.Latitude, &prevLoc.Longitude, &prevRate)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return err
	}

	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subprojects (id, project_id, name, latitude, longitude, cost_per_km, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			cost_per_km = excluded.cost_per_km,
			updated_at = excluded.updated_at
	`, sp.ID, sp.ProjectID, sp.Name, sp.Location.Latitude, sp.Location.Longitude, decimalValue(sp.CostPerKm), now, now)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save subproject: %w", err)
	}

	if !existed {
		return nil
	}
	if prevLoc != sp.Location {
		if err := s.publish(ctx, events.SiteChanged(sp.ID)); err != nil {
			return err
		}
	}
	if rateChanged(prevRate, sp.CostPerKm) {
		return s.publish(ctx, events.RateChanged(sp.ID, ""))
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev events.Change) error {
	if s.Publisher == nil {
		return nil
	}
	return s.Publisher.Publish(ctx, ev)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// nullDecimal maps NULL and "" to nil. Anything else must parse.
func nullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// rateChanged treats an unreadable previous rate as changed.
func rateChanged(prev sql.NullString, next *decimal.Decimal) bool {
	d, err := nullDecimal(prev)
	return err != nil || !sameDecimal(d, next)
}

func decimalValue(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// classify maps constraint and trigger failures to travel errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return travel.ErrDuplicateAuditRecord
	case strings.Contains(err.Error(), "append-only"):
		return fmt.Errorf("%w: %w", travel.ErrAppendOnly, err)
	}
	return err
}
