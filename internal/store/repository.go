package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"
)

const (
	awayStateRowID = 1

	upsertZoneSQL = `
		INSERT INTO zone_state (zone_id, boost_until, applied_command, applied_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			boost_until=excluded.boost_until,
			applied_command=excluded.applied_command,
			applied_at=excluded.applied_at,
			updated_at=excluded.updated_at
	`

	selectZonesSQL = `
		SELECT zone_id, boost_until, applied_command, applied_at
		FROM zone_state ORDER BY zone_id
	`

	upsertAwaySQL = `
		INSERT INTO away_state (id, active, since)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active=excluded.active,
			since=excluded.since
	`

	deleteAwaySetpointsSQL = `DELETE FROM away_setpoints`

	insertAwaySetpointSQL = `INSERT INTO away_setpoints (zone_id, temperature_c) VALUES (?, ?)`

	selectAwaySQL = `SELECT active, since FROM away_state WHERE id=?`

	selectAwaySetpointsSQL = `SELECT zone_id, temperature_c FROM away_setpoints`
)

// ZoneRecord is the persisted subset of a zone's control state. Pending
// commands are not persisted; they are lost on restart.
type ZoneRecord struct {
	ZoneID     string
	BoostUntil *time.Time
	Applied    *setpoint.Command
	AppliedAt  time.Time
}

type commandRecord struct {
	ZoneID          string   `json:"zone_id"`
	TargetTempC     float64  `json:"temperature_c"`
	ValidFrom       *string  `json:"valid_from,omitempty"`
	ValidUntil      *string  `json:"valid_until,omitempty"`
	Reason          string   `json:"reason"`
	ExpectedSavings *float64 `json:"expected_savings_sek,omitempty"`
	CommandID       string   `json:"command_id,omitempty"`
	Source          string   `json:"source,omitempty"`
}

// Repository reads and writes engine state
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open database
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func formatTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func marshalCommand(cmd *setpoint.Command) (interface{}, error) {
	if cmd == nil {
		return nil, nil
	}

	rec := commandRecord{
		ZoneID:          cmd.ZoneID,
		TargetTempC:     cmd.TargetTempC,
		Reason:          cmd.Reason,
		ExpectedSavings: cmd.ExpectedSavings,
		CommandID:       cmd.CommandID,
		Source:          string(cmd.Source),
	}
	if s, ok := formatTime(cmd.ValidFrom).(string); ok {
		rec.ValidFrom = &s
	}
	if s, ok := formatTime(cmd.ValidUntil).(string); ok {
		rec.ValidUntil = &s
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalCommand(ns sql.NullString) (*setpoint.Command, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}

	var rec commandRecord
	if err := json.Unmarshal([]byte(ns.String), &rec); err != nil {
		return nil, err
	}

	cmd := &setpoint.Command{
		ZoneID:          rec.ZoneID,
		TargetTempC:     rec.TargetTempC,
		Reason:          rec.Reason,
		ExpectedSavings: rec.ExpectedSavings,
		CommandID:       rec.CommandID,
		Source:          setpoint.Source(rec.Source),
	}

	var err error
	if rec.ValidFrom != nil {
		if cmd.ValidFrom, err = parseTime(sql.NullString{String: *rec.ValidFrom, Valid: true}); err != nil {
			return nil, err
		}
	}
	if rec.ValidUntil != nil {
		if cmd.ValidUntil, err = parseTime(sql.NullString{String: *rec.ValidUntil, Valid: true}); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

// SaveZone upserts the zone's record. updatedAt is stamped by the caller's clock.
func (r *Repository) SaveZone(ctx context.Context, rec ZoneRecord, updatedAt time.Time) error {
	applied, err := marshalCommand(rec.Applied)
	if err != nil {
		return fmt.Errorf("marshal applied command: %w", err)
	}

	var appliedAt *time.Time
	if rec.Applied != nil {
		appliedAt = &rec.AppliedAt
	}

	_, err = r.db.ExecContext(ctx, upsertZoneSQL,
		rec.ZoneID,
		formatTime(rec.BoostUntil),
		applied,
		formatTime(appliedAt),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save zone %s: %w", rec.ZoneID, err)
	}
	return nil
}

// LoadZones returns every persisted zone record ordered by zone ID
func (r *Repository) LoadZones(ctx context.Context) ([]ZoneRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectZonesSQL)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var records []ZoneRecord
	for rows.Next() {
		var (
			rec                            ZoneRecord
			boostUntil, applied, appliedAt sql.NullString
		)
		if err := rows.Scan(&rec.ZoneID, &boostUntil, &applied, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}

		if rec.BoostUntil, err = parseTime(boostUntil); err != nil {
			return nil, fmt.Errorf("zone %s boost_until: %w", rec.ZoneID, err)
		}
		if rec.Applied, err = unmarshalCommand(applied); err != nil {
			return nil, fmt.Errorf("zone %s applied_command: %w", rec.ZoneID, err)
		}
		at, err := parseTime(appliedAt)
		if err != nil {
			return nil, fmt.Errorf("zone %s applied_at: %w", rec.ZoneID, err)
		}
		if at != nil {
			rec.AppliedAt = *at
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveAway replaces the persisted away-mode snapshot
func (r *Repository) SaveAway(ctx context.Context, snap zone.AwaySnapshot) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin away transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var since *time.Time
	if snap.Active {
		since = &snap.Since
	}
	if _, err = tx.ExecContext(ctx, upsertAwaySQL, awayStateRowID, snap.Active, formatTime(since)); err != nil {
		return fmt.Errorf("save away state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, deleteAwaySetpointsSQL); err != nil {
		return fmt.Errorf("clear away setpoints: %w", err)
	}
	for zoneID, temp := range snap.Saved {
		if _, err = tx.ExecContext(ctx, insertAwaySetpointSQL, zoneID, temp); err != nil {
			return fmt.Errorf("save away setpoint for %s: %w", zoneID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit away transaction: %w", err)
	}
	return nil
}

// LoadAway returns the persisted snapshot, or an inactive one if none exists
func (r *Repository) LoadAway(ctx context.Context) (zone.AwaySnapshot, error) {
	var (
		snap  zone.AwaySnapshot
		since sql.NullString
	)

	err := r.db.QueryRowContext(ctx, selectAwaySQL, awayStateRowID).Scan(&snap.Active, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return zone.AwaySnapshot{}, nil
	}
	if err != nil {
		return zone.AwaySnapshot{}, fmt.Errorf("load away state: %w", err)
	}

	at, err := parseTime(since)
	if err != nil {
		return zone.AwaySnapshot{}, fmt.Errorf("away since: %w", err)
	}
	if at != nil {
		snap.Since = *at
	}

	rows, err := r.db.QueryContext(ctx, selectAwaySetpointsSQL)
	if err != nil {
		return zone.AwaySnapshot{}, fmt.Errorf("query away setpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			zoneID string
			temp   float64
		)
		if err := rows.Scan(&zoneID, &temp); err != nil {
			return zone.AwaySnapshot{}, fmt.Errorf("scan away setpoint: %w", err)
		}
		if snap.Saved == nil {
			snap.Saved = make(map[string]float64)
		}
		snap.Saved[zoneID] = temp
	}
	return snap, rows.Err()
}
