// Package postgres implements the travel directory and audit ledger on
// PostgreSQL via pgx.
//
// The cache stays in-process or in SQLite; only the shared, long-lived data
// (employees, projects, subprojects and the audit ledger) lives here.
// calculation_audit is protected by a trigger that rejects UPDATE and DELETE.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/travel"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgUniqueViolation = "23505"
	pgRaiseException  = "P0001"
)

// Store is a pgxpool-backed travel.Directory and travel.AuditStore.
type Store struct {
	Pool *pgxpool.Pool

	// Publisher receives change notifications from the Save* methods.
	Publisher events.Publisher
}

// Connect opens a pool, pings it and applies migrations.
func Connect(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.Pool.Close() }

// Migrate runs the embedded goose migrations through a database/sql handle
// sharing the pool.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.Pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) HomeLocation(ctx context.Context, employeeID string) (travel.GeoPoint, error) {
	var home travel.GeoPoint
	err := s.Pool.QueryRow(ctx,
		`SELECT home_latitude, home_longitude FROM employees WHERE id = $1`, employeeID,
	).Scan(&home.Latitude, &home.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return travel.GeoPoint{}, fmt.Errorf("%w: %s", travel.ErrEmployeeNotFound, employeeID)
	}
	if err != nil {
		return travel.GeoPoint{}, unavailable(err)
	}
	return home, nil
}

func (s *Store) SubprojectSite(ctx context.Context, subprojectID string) (travel.SubprojectSite, error) {
	var (
		site           travel.SubprojectSite
		costPerKm      *string
		projectDefault *string
		active         *bool
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT sp.id, sp.project_id, sp.latitude, sp.longitude, sp.cost_per_km::text,
		       p.default_cost_per_km::text, p.active
		FROM subprojects sp
		LEFT JOIN projects p ON p.id = sp.project_id
		WHERE sp.id = $1
	`, subprojectID).Scan(
		&site.SubprojectID, &site.ProjectID, &site.Location.Latitude, &site.Location.Longitude,
		&costPerKm, &projectDefault, &active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return travel.SubprojectSite{}, fmt.Errorf("%w: %s", travel.ErrSubprojectNotFound, subprojectID)
	}
	if err != nil {
		return travel.SubprojectSite{}, unavailable(err)
	}
	if site.CostPerKm, err = parseDecimal(costPerKm); err != nil {
		return travel.SubprojectSite{}, fmt.Errorf("corrupt cost_per_km on subproject %s: %w", subprojectID, err)
	}
	if site.ProjectDefaultCostPerKm, err = parseDecimal(projectDefault); err != nil {
		return travel.SubprojectSite{}, fmt.Errorf("corrupt default_cost_per_km on project %s: %w", site.ProjectID, err)
	}
	site.ProjectActive = active != nil && *active
	return site, nil
}

// SaveEmployee upserts an employee and publishes an address change when an
// existing home location moved.
func (s *Store) SaveEmployee(ctx context.Context, emp travel.Employee) error {
	if err := emp.Home.Validate(); err != nil {
		return err
	}
	var moved bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var prev travel.GeoPoint
		err := tx.QueryRow(ctx,
			`SELECT home_latitude, home_longitude FROM employees WHERE id = $1 FOR UPDATE`, emp.ID,
		).Scan(&prev.Latitude, &prev.Longitude)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			moved = prev != emp.Home
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO employees (id, name, home_latitude, home_longitude)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				home_latitude = EXCLUDED.home_latitude,
				home_longitude = EXCLUDED.home_longitude,
				updated_at = now()
		`, emp.ID, emp.Name, emp.Home.Latitude, emp.Home.Longitude)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	if moved {
		return s.publish(ctx, events.AddressChanged(emp.ID))
	}
	return nil
}

// SaveProject upserts a project and publishes a project rate change when the
// default rate or active flag of an existing project changed.
func (s *Store) SaveProject(ctx context.Context, p travel.Project) error {
	var changed bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var prevRate *string
		var prevActive bool
		err := tx.QueryRow(ctx,
			`SELECT default_cost_per_km::text, active FROM projects WHERE id = $1 FOR UPDATE`, p.ID,
		).Scan(&prevRate, &prevActive)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			changed = rateChanged(prevRate, p.DefaultCostPerKm) || prevActive != p.Active
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO projects (id, name, default_cost_per_km, active)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				default_cost_per_km = EXCLUDED.default_cost_per_km,
				active = EXCLUDED.active,
				updated_at = now()
		`, p.ID, p.Name, decimalText(p.DefaultCostPerKm), p.Active)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	if changed {
		return s.publish(ctx, events.RateChanged("", p.ID))
	}
	return nil
}

// SaveSubproject upserts a subproject. Location and override edits on an
// existing row publish site and rate changes.
func (s *Store) SaveSubproject(ctx context.Context, sp travel.Subproject) error {
	if err := sp.Location.Validate(); err != nil {
		return err
	}
	var moved, repriced bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var prevLoc travel.GeoPoint
		var prevRate *string
		err := tx.QueryRow(ctx,
			`SELECT latitude, longitude, cost_per_km::text FROM subprojects WHERE id = $1 FOR UPDATE`, sp.ID,
		).Scan(&prevLoc.Latitude, &prevLoc.Longitude, &prevRate)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			moved = prevLoc != sp.Location
			repriced = rateChanged(prevRate, sp.CostPerKm)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subprojects (id, project_id, name, latitude, longitude, cost_per_km)
			VALUES ($1, $2, $3, $4, $5, $6::numeric)
			ON CONFLICT (id) DO UPDATE SET
				project_id = EXCLUDED.project_id,
				name = EXCLUDED.name,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				cost_per_km = EXCLUDED.cost_per_km,
				updated_at = now()
		`, sp.ID, sp.ProjectID, sp.Name, sp.Location.Latitude, sp.Location.Longitude, decimalText(sp.CostPerKm))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save subproject: %w", err)
	}
	if moved {
		if err := s.publish(ctx, events.SiteChanged(sp.ID)); err != nil {
			return err
		}
	}
	if repriced {
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
// AUDIT LEDGER
// =============================================================================

// Append inserts one audit record and returns it with its sequence number.
func (s *Store) Append(ctx context.Context, rec travel.AuditRecord) (travel.AuditRecord, error) {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return travel.AuditRecord{}, err
	}
	err = s.Pool.QueryRow(ctx, `
		INSERT INTO calculation_audit
		(id, travel_request_id, employee_id, subproject_id, project_id, fingerprint,
		 days_per_week, cost_per_km, distance_km, daily_allowance, weekly_allowance,
		 monthly_allowance, input, rule_version, computed_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`,
		rec.ID, rec.TravelRequestID, rec.EmployeeID, rec.SubprojectID, rec.ProjectID,
		string(rec.Result.Fingerprint), rec.Result.DaysPerWeek,
		rec.Result.CostPerKmUsed.String(), rec.Result.DistanceKm.String(),
		rec.Result.DailyAllowance.String(), rec.Result.WeeklyAllowance.String(),
		rec.Result.MonthlyAllowance.String(), input, rec.RuleVersion,
		rec.ComputedAt.UTC(), rec.RecordedAt.UTC(),
	).Scan(&rec.Sequence)
	if err != nil {
		return travel.AuditRecord{}, classify(err)
	}
	return rec, nil
}

// LoadByRequest returns the records of one travel request ordered by seq.
func (s *Store) LoadByRequest(ctx context.Context, travelRequestID string) ([]travel.AuditRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT seq, id, travel_request_id, employee_id, subproject_id, project_id,
		       fingerprint, days_per_week, cost_per_km, distance_km, daily_allowance,
		       weekly_allowance, monthly_allowance, input, rule_version, computed_at, recorded_at
		FROM calculation_audit
		WHERE travel_request_id = $1
		ORDER BY seq
	`, travelRequestID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	records := []travel.AuditRecord{}
	for rows.Next() {
		var rec travel.AuditRecord
		var fingerprint, costPerKm, distance, daily, weekly, monthly string
		var input []byte
		err := rows.Scan(
			&rec.Sequence, &rec.ID, &rec.TravelRequestID, &rec.EmployeeID, &rec.SubprojectID,
			&rec.ProjectID, &fingerprint, &rec.Result.DaysPerWeek, &costPerKm, &distance,
			&daily, &weekly, &monthly, &input, &rec.RuleVersion, &rec.ComputedAt, &rec.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(input, &rec.Input); err != nil {
			return nil, fmt.Errorf("failed to decode audit input %s: %w", rec.ID, err)
		}
		rec.Result.Fingerprint = travel.Fingerprint(fingerprint)
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
			if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
				return nil, fmt.Errorf("corrupt audit record %s: %s: %w", rec.ID, f.name, err)
			}
		}
		rec.Result.RuleVersion = rec.RuleVersion
		rec.ComputedAt = rec.ComputedAt.UTC()
		rec.RecordedAt = rec.RecordedAt.UTC()
		rec.Result.ComputedAt = rec.ComputedAt
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return travel.ErrDuplicateAuditRecord
		case pgRaiseException:
			return fmt.Errorf("%w: %s", travel.ErrAppendOnly, pgErr.Message)
		}
		return err
	}
	return unavailable(err)
}

// unavailable marks connection-level failures so callers can retry.
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", travel.ErrUnavailable, err)
	}
	return err
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// rateChanged treats an unreadable previous rate as changed.
func rateChanged(prev *string, next *decimal.Decimal) bool {
	d, err := parseDecimal(prev)
	return err != nil || !sameDecimal(d, next)
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
