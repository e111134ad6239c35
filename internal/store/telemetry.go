package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// DedupeInsert registers (device_id, message_id) pairs in the dedupe
// registry. The returned set contains the message IDs accepted for the
// first time; everything else in ids is a duplicate.
func DedupeInsert(ctx context.Context, tx *sql.Tx, deviceID string, ids []string, now time.Time) (map[string]bool, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_dedupe (device_id, message_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING message_id
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare dedupe insert: %w", err)
	}
	defer stmt.Close()

	accepted := make(map[string]bool, len(ids))
	for _, id := range ids {
		var returned string
		err := stmt.QueryRowContext(ctx, deviceID, id, now.UTC().Unix()).Scan(&returned)
		if errors.Is(err, sql.ErrNoRows) {
			continue // duplicate
		}
		if err != nil {
			return nil, fmt.Errorf("dedupe insert %s: %w", id, err)
		}
		accepted[returned] = true
	}
	return accepted, nil
}

// InsertPoints persists accepted telemetry points.
func InsertPoints(ctx context.Context, tx *sql.Tx, batchID string, points []models.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_points (device_id, message_id, ts, metrics, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare point insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	for _, p := range points {
		_, err := stmt.ExecContext(ctx, p.DeviceID, p.MessageID, p.TS.UTC().Unix(),
			marshalJSON(p.Metrics), batchID, now)
		if err != nil {
			return fmt.Errorf("insert point %s: %w", p.MessageID, err)
		}
	}
	return nil
}

// InsertQuarantined stores a contract-violating point alongside its reasons.
func InsertQuarantined(ctx context.Context, tx *sql.Tx, q *models.QuarantinedPoint) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quarantined_points (id, batch_id, device_id, message_id, ts, metrics, errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.BatchID, q.DeviceID, q.MessageID, q.TS.UTC().Unix(),
		marshalJSON(q.Metrics), marshalJSON(q.Errors), q.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert quarantined point: %w", err)
	}
	return nil
}

// CreateBatch writes the lineage row at request entry.
func (s *Store) CreateBatch(ctx context.Context, b *models.IngestionBatch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_batches (id, device_id, contract_version, contract_hash,
			received_at, submitted, source, pipeline_mode, processing_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.DeviceID, b.ContractVersion, b.ContractHash,
		b.ReceivedAt.Unix(), b.Submitted, string(b.Source), string(b.PipelineMode),
		string(b.ProcessingStatus))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// FinalizeBatch records counts, drift summary and the terminal status.
// A batch reaches a terminal status exactly once; later calls on an
// already-terminal batch are rejected by the status guard.
func FinalizeBatch(ctx context.Context, tx *sql.Tx, b *models.IngestionBatch) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ingestion_batches
		SET accepted = ?, duplicates = ?, quarantined = ?,
			client_ts_min = ?, client_ts_max = ?,
			unknown_keys = ?, mismatch_keys = ?, reject_errors = ?,
			processing_status = ?
		WHERE id = ? AND processing_status IN ('pending', 'queued')
	`, b.Accepted, b.Duplicates, b.Quarantined,
		unixOrNil(b.ClientTSMin), unixOrNil(b.ClientTSMax),
		marshalJSON(b.UnknownKeys), marshalJSON(b.MismatchKeys), marshalJSON(b.RejectErrors),
		string(b.ProcessingStatus), b.ID)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s already finalized", b.ID)
	}
	return nil
}

// MarkBatchStatus transitions a non-terminal batch without touching counts.
func (s *Store) MarkBatchStatus(ctx context.Context, batchID string, status models.ProcessingStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_batches SET processing_status = ?
		WHERE id = ? AND processing_status IN ('pending', 'queued')
	`, string(status), batchID)
	if err != nil {
		return fmt.Errorf("mark batch status: %w", err)
	}
	return nil
}

// GetBatch fetches a lineage row.
func (s *Store) GetBatch(ctx context.Context, id string) (*models.IngestionBatch, error) {
	var b models.IngestionBatch
	var received int64
	var tsMin, tsMax sql.NullInt64
	var unknown, mismatch, rejects, source, mode, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, contract_version, contract_hash, received_at,
			submitted, accepted, duplicates, quarantined, client_ts_min, client_ts_max,
			unknown_keys, mismatch_keys, reject_errors, source, pipeline_mode, processing_status
		FROM ingestion_batches WHERE id = ?
	`, id).Scan(&b.ID, &b.DeviceID, &b.ContractVersion, &b.ContractHash, &received,
		&b.Submitted, &b.Accepted, &b.Duplicates, &b.Quarantined, &tsMin, &tsMax,
		&unknown, &mismatch, &rejects, &source, &mode, &status)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.ReceivedAt = time.Unix(received, 0).UTC()
	b.ClientTSMin = timeOrNil(tsMin)
	b.ClientTSMax = timeOrNil(tsMax)
	b.UnknownKeys = unmarshalStrings(unknown)
	b.MismatchKeys = unmarshalStrings(mismatch)
	b.RejectErrors = unmarshalStrings(rejects)
	b.Source = models.IngestSource(source)
	b.PipelineMode = models.PipelineMode(mode)
	b.ProcessingStatus = models.ProcessingStatus(status)
	return &b, nil
}

// ListBatches returns the newest lineage rows for a device.
func (s *Store) ListBatches(ctx context.Context, deviceID string, limit int) ([]*models.IngestionBatch, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ingestion_batches
		WHERE device_id = ?
		ORDER BY received_at DESC, id LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.IngestionBatch, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// CountPoints returns the number of stored telemetry points for a device.
func (s *Store) CountPoints(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry_points WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}

// QuarantinedForBatch lists quarantined points grouped with a batch.
func (s *Store) QuarantinedForBatch(ctx context.Context, batchID string) ([]*models.QuarantinedPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, device_id, message_id, ts, errors, created_at
		FROM quarantined_points WHERE batch_id = ? ORDER BY created_at
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", err)
	}
	defer rows.Close()

	var out []*models.QuarantinedPoint
	for rows.Next() {
		var q models.QuarantinedPoint
		var ts, created int64
		var errsJSON string
		if err := rows.Scan(&q.ID, &q.BatchID, &q.DeviceID, &q.MessageID, &ts, &errsJSON, &created); err != nil {
			return nil, err
		}
		q.TS = time.Unix(ts, 0).UTC()
		q.CreatedAt = time.Unix(created, 0).UTC()
		q.Errors = unmarshalStrings(errsJSON)
		out = append(out, &q)
	}
	return out, rows.Err()
}
