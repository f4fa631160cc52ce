package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Device operations ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (id, type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			site_id = EXCLUDED.site_id,
			feeder_id = EXCLUDED.feeder_id,
			parent_feeder_id = EXCLUDED.parent_feeder_id,
			p_max_kw = EXCLUDED.p_max_kw,
			priority = EXCLUDED.priority,
			is_physical = EXCLUDED.is_physical,
			updated_at_ms = EXCLUDED.updated_at_ms
	`
	isPhysical := d.IsPhysical
	if len(d.ID) >= len(PhysicalIDPrefix) && d.ID[:len(PhysicalIDPrefix)] == PhysicalIDPrefix {
		isPhysical = true
	}
	priority := d.Priority
	if priority < 1 {
		priority = 1
	}
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.Type, d.SiteID, d.FeederID, d.ParentFeederID,
		d.PMaxKw, priority, isPhysical, d.UpdatedAtMs,
	)
	return err
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical, updated_at_ms
		FROM devices WHERE id = $1
	`
	var d Device
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Type, &d.SiteID, &d.FeederID, &d.ParentFeederID,
		&d.PMaxKw, &d.Priority, &d.IsPhysical, &d.UpdatedAtMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `
		SELECT id, type, site_id, feeder_id, parent_feeder_id, p_max_kw, priority, is_physical, updated_at_ms
		FROM devices ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.ID, &d.Type, &d.SiteID, &d.FeederID, &d.ParentFeederID,
			&d.PMaxKw, &d.Priority, &d.IsPhysical, &d.UpdatedAtMs,
		); err != nil {
			return nil, err
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) ListFeeders(ctx context.Context) ([]FeederInfo, error) {
	query := `SELECT feeder_id, COUNT(*) FROM devices GROUP BY feeder_id ORDER BY feeder_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeders []FeederInfo
	for rows.Next() {
		var f FeederInfo
		if err := rows.Scan(&f.FeederID, &f.DeviceCount); err != nil {
			return nil, err
		}
		feeders = append(feeders, f)
	}
	return feeders, rows.Err()
}

// --- Telemetry operations ---

// InsertTelemetryBatch uses a pgx batch with ON CONFLICT DO NOTHING; a row
// whose insert affects zero rows already exists and reports duplicate.
func (s *PostgresStore) InsertTelemetryBatch(ctx context.Context, tRows []*TelemetryRow) ([]InsertOutcome, error) {
	query := `
		INSERT INTO telemetry (message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc,
			max_charge_kw, max_discharge_kw, online, site_id, feeder_id, source, message_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (message_id) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, r := range tRows {
		batch.Queue(query,
			r.MessageID, r.DeviceID, r.DeviceType, r.TsMs, r.SentAtMs, r.PowerKw, r.Soc,
			r.MaxChargeKw, r.MaxDischargeKw, r.Online, r.SiteID, r.FeederID, r.Source, r.MessageVersion,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	outcomes := make([]InsertOutcome, len(tRows))
	for i := range tRows {
		tag, err := results.Exec()
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			outcomes[i] = OutcomeDuplicate
		} else {
			outcomes[i] = OutcomeInserted
		}
	}
	return outcomes, nil
}

func (s *PostgresStore) LatestPerDevice(ctx context.Context, feederID string) ([]*TelemetryRow, error) {
	query := `
		SELECT DISTINCT ON (device_id)
			message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc,
			max_charge_kw, max_discharge_kw, online, site_id, feeder_id, source, message_version
		FROM telemetry
		WHERE ($1 = '' OR feeder_id = $1)
		ORDER BY device_id, ts_ms DESC, sent_at_ms DESC NULLS LAST
	`
	rows, err := s.pool.Query(ctx, query, feederID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *PostgresStore) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetryRow, error) {
	query := `
		SELECT message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc,
			max_charge_kw, max_discharge_kw, online, site_id, feeder_id, source, message_version
		FROM telemetry WHERE device_id = $1
		ORDER BY ts_ms DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *PostgresStore) FeederHistory(ctx context.Context, feederID string, fromMs, toMs int64) ([]*TelemetryRow, error) {
	query := `
		SELECT message_id, device_id, device_type, ts_ms, sent_at_ms, power_kw, soc,
			max_charge_kw, max_discharge_kw, online, site_id, feeder_id, source, message_version
		FROM telemetry
		WHERE feeder_id = $1 AND ts_ms BETWEEN $2 AND $3
		ORDER BY ts_ms
	`
	rows, err := s.pool.Query(ctx, query, feederID, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func scanTelemetryRows(rows pgx.Rows) ([]*TelemetryRow, error) {
	var out []*TelemetryRow
	for rows.Next() {
		var r TelemetryRow
		if err := rows.Scan(
			&r.MessageID, &r.DeviceID, &r.DeviceType, &r.TsMs, &r.SentAtMs, &r.PowerKw, &r.Soc,
			&r.MaxChargeKw, &r.MaxDischargeKw, &r.Online, &r.SiteID, &r.FeederID, &r.Source, &r.MessageVersion,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// TrackingErrorWindow joins the newest decision setpoints against telemetry
// within the window and averages the absolute error.
func (s *PostgresStore) TrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error) {
	query := `
		SELECT COALESCE(AVG(ABS(t.power_kw - sp.setpoint_kw)), 0)
		FROM telemetry t
		JOIN LATERAL (
			SELECT setpoint_kw FROM decision_setpoints d
			WHERE d.device_id = t.device_id AND d.created_at_ms <= t.ts_ms
			ORDER BY d.created_at_ms DESC LIMIT 1
		) sp ON true
		WHERE t.ts_ms >= $1 AND ($2 = '' OR t.feeder_id = $2)
	`
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute).UnixMilli()
	var avg float64
	if err := s.pool.QueryRow(ctx, query, cutoff, feederID).Scan(&avg); err != nil {
		return 0, err
	}
	return avg, nil
}

// --- Limit events ---

func (s *PostgresStore) ActiveEvent(ctx context.Context, nowMs int64, feederID string) (*LimitEvent, error) {
	query := `
		SELECT id, feeder_id, ts_start_ms, ts_end_ms, limit_kw, type
		FROM limit_events
		WHERE feeder_id = $1 AND ts_start_ms <= $2 AND ts_end_ms > $2
		ORDER BY ts_start_ms DESC LIMIT 1
	`
	var e LimitEvent
	err := s.pool.QueryRow(ctx, query, feederID, nowMs).Scan(
		&e.ID, &e.FeederID, &e.TsStartMs, &e.TsEndMs, &e.LimitKw, &e.Type,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CurrentLimit(ctx context.Context, nowMs int64, feederID string, defaultKw float64) (float64, error) {
	e, err := s.ActiveEvent(ctx, nowMs, feederID)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return defaultKw, nil
	}
	return e.LimitKw, nil
}

func (s *PostgresStore) CreateLimitEvent(ctx context.Context, e *LimitEvent) error {
	query := `
		INSERT INTO limit_events (id, feeder_id, ts_start_ms, ts_end_ms, limit_kw, type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, e.ID, e.FeederID, e.TsStartMs, e.TsEndMs, e.LimitKw, e.Type)
	return err
}

// --- DR programs ---

func (s *PostgresStore) ActiveProgram(ctx context.Context, nowMs int64) (*DRProgram, error) {
	query := `
		SELECT id, name, mode, ts_start_ms, ts_end_ms, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active
		FROM dr_programs
		WHERE is_active = true AND ts_start_ms <= $1 AND ts_end_ms >= $1
		LIMIT 1
	`
	var p DRProgram
	err := s.pool.QueryRow(ctx, query, nowMs).Scan(
		&p.ID, &p.Name, &p.Mode, &p.TsStartMs, &p.TsEndMs,
		&p.TargetShedKw, &p.IncentivePerKwh, &p.PenaltyPerKwh, &p.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateDRProgram inserts a program; an active insert deactivates the rest in
// the same transaction so at most one program is ever active.
func (s *PostgresStore) CreateDRProgram(ctx context.Context, p *DRProgram) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if p.IsActive {
		if _, err := tx.Exec(ctx, `UPDATE dr_programs SET is_active = false WHERE is_active = true`); err != nil {
			return err
		}
	}
	query := `
		INSERT INTO dr_programs (id, name, mode, ts_start_ms, ts_end_ms, target_shed_kw, incentive_per_kwh, penalty_per_kwh, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mode = EXCLUDED.mode,
			ts_start_ms = EXCLUDED.ts_start_ms,
			ts_end_ms = EXCLUDED.ts_end_ms,
			target_shed_kw = EXCLUDED.target_shed_kw,
			incentive_per_kwh = EXCLUDED.incentive_per_kwh,
			penalty_per_kwh = EXCLUDED.penalty_per_kwh,
			is_active = EXCLUDED.is_active
	`
	if _, err := tx.Exec(ctx, query,
		p.ID, p.Name, p.Mode, p.TsStartMs, p.TsEndMs,
		p.TargetShedKw, p.IncentivePerKwh, p.PenaltyPerKwh, p.IsActive,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ActivateDRProgram(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE dr_programs SET is_active = false WHERE is_active = true`); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE dr_programs SET is_active = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("dr program not found")
	}
	return tx.Commit(ctx)
}

// --- Decision records ---

// WriteDecisionRecord persists the full record as JSONB plus flattened
// per-device setpoint rows used by the tracking-error query.
func (s *PostgresStore) WriteDecisionRecord(ctx context.Context, rec *DecisionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO decision_records (cycle_id, started_at_ms, finished_at_ms, published_count, failed_count, allocator, error, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, query,
		rec.CycleID, rec.StartedAtMs, rec.FinishedAtMs,
		rec.PublishedCount, rec.FailedCount, rec.Allocator, rec.Error, rec,
	); err != nil {
		return err
	}

	spQuery := `
		INSERT INTO decision_setpoints (cycle_id, device_id, feeder_id, setpoint_kw, created_at_ms)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, f := range rec.Feeders {
		for _, d := range f.Devices {
			if !d.Published {
				continue
			}
			if _, err := tx.Exec(ctx, spQuery, rec.CycleID, d.DeviceID, f.FeederID, d.SetpointKw, rec.FinishedAtMs); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}
