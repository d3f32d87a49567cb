package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sensorlink/internal/sensors"
)

// ErrNoReadings is returned when a sensor has never been recorded.
var ErrNoReadings = errors.New("no readings recorded")

// Batch is one persisted payload of one sensor.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	SensorID  byte      `json:"sensor_id"`
	Sensor    string    `json:"sensor"`
	Version   uint64    `json:"version"`
	Samples   []float64 `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
	SavedAt   time.Time `json:"saved_at"`
}

// RecordSnapshot stores a snapshot as a new batch and returns its id. The
// batch and its samples are written in one transaction. Recording the same
// sensor version again returns the existing batch id and writes nothing.
func (db *DB) RecordSnapshot(ctx context.Context, snap sensors.Snapshot, savedAt time.Time) (string, error) {
	batchID := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sensor_batches (
			batch_id, sensor_id, sensor_name, version, sample_count,
			updated_unix_nano, saved_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sensor_id, version, updated_unix_nano) DO NOTHING`,
		batchID, int(snap.Sensor.ID), snap.Sensor.Name, int64(snap.Version), len(snap.Samples),
		snap.UpdatedAt.UnixNano(), savedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert batch for %s: %w", snap.Sensor.Name, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert batch for %s: %w", snap.Sensor.Name, err)
	}
	if inserted == 0 {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT batch_id FROM sensor_batches
			WHERE sensor_id = ? AND version = ? AND updated_unix_nano = ?`,
			int(snap.Sensor.ID), int64(snap.Version), snap.UpdatedAt.UnixNano(),
		).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("find existing batch for %s: %w", snap.Sensor.Name, err)
		}
		return existing, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_samples (batch_id, sample_index, value) VALUES (?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, v := range snap.Samples {
		if _, err := stmt.ExecContext(ctx, batchID, i, v); err != nil {
			return "", fmt.Errorf("insert sample %d for %s: %w", i, snap.Sensor.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch for %s: %w", snap.Sensor.Name, err)
	}
	return batchID, nil
}

// LatestBatch returns the most recently saved batch for a sensor.
func (db *DB) LatestBatch(ctx context.Context, sensor string) (*Batch, error) {
	batches, err := db.History(ctx, sensor, 1)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%s: %w", sensor, ErrNoReadings)
	}
	return &batches[0], nil
}

// History returns up to limit batches for a sensor, newest first.
func (db *DB) History(ctx context.Context, sensor string, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT batch_id, sensor_id, sensor_name, version, updated_unix_nano, saved_unix_nano
		FROM sensor_batches
		WHERE sensor_name = ?
		ORDER BY saved_unix_nano DESC, rowid DESC
		LIMIT ?`, sensor, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", sensor, err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var (
			b                = Batch{}
			sensorID         int
			version          int64
			updated, savedAt int64
		)
		if err := rows.Scan(&b.BatchID, &sensorID, &b.Sensor, &version, &updated, &savedAt); err != nil {
			return nil, err
		}
		b.SensorID = byte(sensorID)
		b.Version = uint64(version)
		b.UpdatedAt = time.Unix(0, updated)
		b.SavedAt = time.Unix(0, savedAt)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range batches {
		samples, err := db.samples(ctx, batches[i].BatchID)
		if err != nil {
			return nil, err
		}
		batches[i].Samples = samples
	}
	return batches, nil
}

func (db *DB) samples(ctx context.Context, batchID string) ([]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT value FROM sensor_samples WHERE batch_id = ? ORDER BY sample_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query samples for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PruneBefore deletes batches saved before cutoff and returns how many were
// removed. Samples go with them via the foreign key.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sensor_batches WHERE saved_unix_nano < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune batches: %w", err)
	}
	return res.RowsAffected()
}

// CountBatches returns how many batches are stored for a sensor.
func (db *DB) CountBatches(ctx context.Context, sensor string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_batches WHERE sensor_name = ?`, sensor).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
