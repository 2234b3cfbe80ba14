// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	apperrors "github.com/soothill/tasmota-energy-ledger/pkg/errors"
	"github.com/soothill/tasmota-energy-ledger/pkg/interfaces"
	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

// PostgresOptions configures the PostgreSQL store.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Location is the energy timezone, used when deriving state from the
	// latest reading.
	Location *time.Location
	Breaker  BreakerSettings
}

// PostgresStore is the system of record: devices, the reading ledger,
// reconciliation state and forecasts.
type PostgresStore struct {
	db      *sqlx.DB
	breaker *CircuitBreaker
	loc     *time.Location
}

// NewPostgresStore connects, verifies the connection and applies migrations.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", opts.DSN)
	if err != nil {
		return nil, apperrors.NewStorageError("connect", "", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := Migrate(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, apperrors.NewStorageError("migrate", "", err)
	}

	logger.Info().Int("max_open_conns", opts.MaxOpenConns).Msg("Connected to PostgreSQL")
	return NewPostgresStoreWithDB(db, opts), nil
}

// NewPostgresStoreWithDB wraps an existing, already migrated connection.
func NewPostgresStoreWithDB(db *sqlx.DB, opts PostgresOptions) *PostgresStore {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &PostgresStore{
		db:      db,
		breaker: NewCircuitBreaker("postgres", opts.Breaker),
		loc:     loc,
	}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	logger.Info().Msg("Closing PostgreSQL connection")
	return s.db.Close()
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BreakerState returns the circuit breaker state.
func (s *PostgresStore) BreakerState() string {
	return s.breaker.State()
}

const deviceColumns = `id, name, topic, broker, power_state, owner_id, created_at`

// EnsureUser creates the user if it does not exist.
func (s *PostgresStore) EnsureUser(ctx context.Context, id, name string) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, name)
		return err
	})
	if err != nil {
		return apperrors.NewStorageError("ensure user", "", err)
	}
	return nil
}

// RegisterDevice inserts the device or updates its name, topic, broker and
// owner. Topics are unique; reusing one for a different device fails.
func (s *PostgresStore) RegisterDevice(ctx context.Context, d *interfaces.Device) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO devices (id, name, topic, broker, owner_id)
			VALUES (:id, :name, :topic, :broker, :owner_id)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				topic = EXCLUDED.topic,
				broker = EXCLUDED.broker,
				owner_id = EXCLUDED.owner_id`, d)
		return err
	})
	if err != nil {
		return apperrors.NewStorageError("register device", d.ID, err)
	}
	return nil
}

// LookupDeviceByTopic returns the device using topic.
func (s *PostgresStore) LookupDeviceByTopic(ctx context.Context, topic string) (*interfaces.Device, error) {
	var d interfaces.Device
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &d, `SELECT `+deviceColumns+` FROM devices WHERE topic = $1`, topic)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDeviceNotFound
	}
	if err != nil {
		return nil, apperrors.NewStorageError("lookup device", "", err)
	}
	return &d, nil
}

// ListDevices returns every registered device.
func (s *PostgresStore) ListDevices(ctx context.Context) ([]interfaces.Device, error) {
	var out []interfaces.Device
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list devices", "", err)
	}
	return out, nil
}

// ListDevicesByOwner returns the devices owned by ownerID.
func (s *PostgresStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]interfaces.Device, error) {
	var out []interfaces.Device
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out,
			`SELECT `+deviceColumns+` FROM devices WHERE owner_id = $1 ORDER BY id`, ownerID)
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list devices by owner", "", err)
	}
	return out, nil
}

// ListOwners returns the IDs of users that own at least one device.
func (s *PostgresStore) ListOwners(ctx context.Context) ([]string, error) {
	var out []string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `SELECT DISTINCT owner_id FROM devices ORDER BY owner_id`)
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list owners", "", err)
	}
	return out, nil
}

// SetPowerState records the last known relay state.
func (s *PostgresStore) SetPowerState(ctx context.Context, deviceID string, on bool) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE devices SET power_state = $2 WHERE id = $1`, deviceID, on)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.ErrDeviceNotFound
		}
		return nil
	})
	if err != nil {
		return apperrors.NewStorageError("set power state", deviceID, err)
	}
	return nil
}

// LoadState returns the persisted reconciliation state. When no state row
// exists but readings do, the state is derived from the latest reading.
// It returns nil for a device with no history.
func (s *PostgresStore) LoadState(ctx context.Context, deviceID string) (*interfaces.AccumulatedState, error) {
	var state *interfaces.AccumulatedState
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var st interfaces.AccumulatedState
		err := s.db.GetContext(ctx, &st, `
			SELECT device_id, last_raw_total_kwh, offset_kwh, corrected_total_kwh, last_today_kwh,
			       COALESCE(last_day::text, '') AS last_day, updated_at
			FROM accumulated_energy_state WHERE device_id = $1`, deviceID)
		if err == nil {
			state = &st
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var last interfaces.EnergyReading
		err = s.db.GetContext(ctx, &last, `
			SELECT device_id, ts, raw_total_kwh, corrected_total_kwh, today_kwh
			FROM energy_readings WHERE device_id = $1
			ORDER BY ts DESC, id DESC LIMIT 1`, deviceID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		state = StateFromReading(&last, s.loc)
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("load state", deviceID, err)
	}
	return state, nil
}

// StateFromReading derives reconciliation state from a stored reading.
func StateFromReading(r *interfaces.EnergyReading, loc *time.Location) *interfaces.AccumulatedState {
	return &interfaces.AccumulatedState{
		DeviceID:       r.DeviceID,
		LastRawTotal:   r.RawTotal,
		Offset:         r.CorrectedTotal - r.RawTotal,
		CorrectedTotal: r.CorrectedTotal,
		LastToday:      r.Today,
		LastDay:        r.Timestamp.In(loc).Format("2006-01-02"),
		UpdatedAt:      r.Timestamp,
	}
}

const insertReadingSQL = `
	INSERT INTO energy_readings (
		device_id, ts, power_w, voltage_v, current_a, apparent_power_va, reactive_power_var,
		power_factor, raw_total_kwh, corrected_total_kwh, today_kwh, yesterday_kwh,
		today_delta_kwh, yesterday_delta_kwh, channel
	) VALUES (
		:device_id, :ts, :power_w, :voltage_v, :current_a, :apparent_power_va, :reactive_power_var,
		:power_factor, :raw_total_kwh, :corrected_total_kwh, :today_kwh, :yesterday_kwh,
		:today_delta_kwh, :yesterday_delta_kwh, :channel
	) RETURNING id`

const upsertStateSQL = `
	INSERT INTO accumulated_energy_state (
		device_id, last_raw_total_kwh, offset_kwh, corrected_total_kwh, last_today_kwh, last_day, updated_at
	) VALUES (
		:device_id, :last_raw_total_kwh, :offset_kwh, :corrected_total_kwh, :last_today_kwh,
		CAST(NULLIF(:last_day, '') AS DATE), :updated_at
	)
	ON CONFLICT (device_id) DO UPDATE SET
		last_raw_total_kwh = EXCLUDED.last_raw_total_kwh,
		offset_kwh = EXCLUDED.offset_kwh,
		corrected_total_kwh = EXCLUDED.corrected_total_kwh,
		last_today_kwh = EXCLUDED.last_today_kwh,
		last_day = EXCLUDED.last_day,
		updated_at = EXCLUDED.updated_at`

// RecordReading upserts the device state and appends the reading in one
// transaction. On success reading.ID is set.
func (s *PostgresStore) RecordReading(ctx context.Context, state *interfaces.AccumulatedState, reading *interfaces.EnergyReading) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.NamedExecContext(ctx, upsertStateSQL, state); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}

		query, args, err := tx.BindNamed(insertReadingSQL, reading)
		if err != nil {
			return fmt.Errorf("bind reading: %w", err)
		}
		if err := tx.GetContext(ctx, &reading.ID, query, args...); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return apperrors.NewStorageError("record reading", reading.DeviceID, err)
	}
	return nil
}

// ListDeltas returns the delta columns of readings in [from, to).
func (s *PostgresStore) ListDeltas(ctx context.Context, deviceIDs []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	var out []interfaces.EnergyReading
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT id, device_id, ts, today_delta_kwh, yesterday_delta_kwh, channel
			FROM energy_readings
			WHERE device_id = ANY($1) AND ts >= $2 AND ts < $3
			ORDER BY device_id, ts, id`, deviceIDs, from, to)
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list deltas", "", err)
	}
	return out, nil
}

// ListUsageSamples returns the power column of readings in [from, to).
func (s *PostgresStore) ListUsageSamples(ctx context.Context, deviceIDs []string, from, to time.Time) ([]interfaces.EnergyReading, error) {
	var out []interfaces.EnergyReading
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT id, device_id, ts, power_w
			FROM energy_readings
			WHERE device_id = ANY($1) AND ts >= $2 AND ts < $3
			ORDER BY device_id, ts, id`, deviceIDs, from, to)
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list usage samples", "", err)
	}
	return out, nil
}

// LatestReading returns the newest reading of deviceID.
func (s *PostgresStore) LatestReading(ctx context.Context, deviceID string) (*interfaces.EnergyReading, error) {
	var r interfaces.EnergyReading
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &r, `
			SELECT id, device_id, ts, power_w, voltage_v, current_a, apparent_power_va, reactive_power_var,
			       power_factor, raw_total_kwh, corrected_total_kwh, today_kwh, yesterday_kwh,
			       today_delta_kwh, yesterday_delta_kwh, channel
			FROM energy_readings WHERE device_id = $1
			ORDER BY ts DESC, id DESC LIMIT 1`, deviceID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDeviceNotFound
	}
	if err != nil {
		return nil, apperrors.NewStorageError("latest reading", deviceID, err)
	}
	return &r, nil
}

// SavePrediction inserts a forecast row.
func (s *PostgresStore) SavePrediction(ctx context.Context, p *interfaces.ConsumptionPrediction) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO consumption_predictions (
				id, user_id, target_year, target_month, estimated_kwh, estimated_cost,
				confidence, accuracy, method, previous_id, savings_kwh, valid_days, channel_contribution, created_at
			) VALUES (
				:id, :user_id, :target_year, :target_month, :estimated_kwh, :estimated_cost,
				:confidence, :accuracy, :method, :previous_id, :savings_kwh, :valid_days, :channel_contribution, :created_at
			)`, p)
		return err
	})
	if err != nil {
		return apperrors.NewStorageError("save prediction", "", err)
	}
	return nil
}

// LatestPrediction returns the newest forecast for userID, or nil.
func (s *PostgresStore) LatestPrediction(ctx context.Context, userID string) (*interfaces.ConsumptionPrediction, error) {
	var p interfaces.ConsumptionPrediction
	found := true
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &p, `
			SELECT id::text AS id, user_id, target_year, target_month, estimated_kwh, estimated_cost,
			       confidence, accuracy, method, previous_id::text AS previous_id, savings_kwh,
			       valid_days, channel_contribution, created_at
			FROM consumption_predictions WHERE user_id = $1
			ORDER BY created_at DESC LIMIT 1`, userID)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, apperrors.NewStorageError("latest prediction", "", err)
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}
