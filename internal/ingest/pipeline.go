// Package ingest turns authenticated telemetry batches into validated,
// idempotent records with an auditable lineage row.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/alerting"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/contract"
	apperrors "github.com/ryne2010/edgewatch-telemetry-sub000/internal/errors"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/pubsub"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// ContractProvider returns the current telemetry contract. Swapped
// atomically on artifact reload.
type ContractProvider func() *contract.Contract

// Config tunes the pipeline.
type Config struct {
	Mode                models.PipelineMode
	ValidationMode      ValidationMode
	UnknownKeys         UnknownKeyPolicy
	MaxPointsPerRequest int
}

// DefaultMaxPointsPerRequest caps a single ingest body.
const DefaultMaxPointsPerRequest = 5000

// Summary is the client-facing result of one ingest request.
type Summary struct {
	BatchID     string `json:"batch_id"`
	Submitted   int    `json:"submitted"`
	Accepted    int    `json:"accepted"`
	Duplicates  int    `json:"duplicates"`
	Quarantined int    `json:"quarantined"`
}

// Pipeline executes the ingest stages: validation, idempotency, lineage,
// and same-transaction alert evaluation.
type Pipeline struct {
	store      *store.Store
	contractFn ContractProvider
	evaluator  *alerting.Evaluator
	router     *alerting.Router
	publisher  pubsub.Publisher
	cfg        Config
}

// NewPipeline wires the pipeline. publisher may be nil in direct mode.
func NewPipeline(st *store.Store, contractFn ContractProvider, evaluator *alerting.Evaluator, router *alerting.Router, publisher pubsub.Publisher, cfg Config) *Pipeline {
	if cfg.MaxPointsPerRequest <= 0 {
		cfg.MaxPointsPerRequest = DefaultMaxPointsPerRequest
	}
	if cfg.ValidationMode == "" {
		cfg.ValidationMode = ModeQuarantine
	}
	if cfg.UnknownKeys == "" {
		cfg.UnknownKeys = UnknownAllow
	}
	if cfg.Mode == "" {
		cfg.Mode = models.PipelineDirect
	}
	return &Pipeline{
		store:      st,
		contractFn: contractFn,
		evaluator:  evaluator,
		router:     router,
		publisher:  publisher,
		cfg:        cfg,
	}
}

// Mode reports the configured pipeline mode.
func (p *Pipeline) Mode() models.PipelineMode {
	return p.cfg.Mode
}

// Ingest processes one batch for an authenticated device.
func (p *Pipeline) Ingest(ctx context.Context, device *models.Device, points []Point, source models.IngestSource) (*Summary, error) {
	if len(points) > p.cfg.MaxPointsPerRequest {
		return nil, apperrors.New(apperrors.ErrorTypeQuota, "ingest_batch", device.ID,
			fmt.Errorf("batch of %d points exceeds limit of %d", len(points), p.cfg.MaxPointsPerRequest))
	}
	for i := range points {
		if strings.TrimSpace(points[i].MessageID) == "" {
			return nil, apperrors.New(apperrors.ErrorTypeValidation, "ingest_batch", device.ID,
				fmt.Errorf("point %d missing message_id", i))
		}
		points[i].TS = points[i].TS.UTC()
	}

	c := p.contractFn()
	status := models.ProcessingPending
	if p.cfg.Mode == models.PipelinePubSub {
		status = models.ProcessingQueued
	}
	batch := &models.IngestionBatch{
		DeviceID:         device.ID,
		ContractVersion:  c.Version,
		ContractHash:     c.Hash(),
		Submitted:        len(points),
		Source:           source,
		PipelineMode:     p.cfg.Mode,
		ProcessingStatus: status,
	}
	if err := p.store.CreateBatch(ctx, batch); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeTransient, "ingest_batch", device.ID, err)
	}

	res := validate(c, points, p.cfg.ValidationMode)
	p.recordDrift(device.ID, res)

	if p.cfg.ValidationMode == ModeReject && len(res.Errors) > 0 {
		batch.UnknownKeys = res.UnknownKeys
		batch.MismatchKeys = res.MismatchKeys
		batch.RejectErrors = res.Errors
		batch.ProcessingStatus = models.ProcessingRejected
		if err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
			return store.FinalizeBatch(ctx, tx, batch)
		}); err != nil {
			log.Error().Err(err).Str("batchID", batch.ID).Msg("Failed to record rejected batch")
		}
		metrics.IngestBatchesTotal.WithLabelValues(string(models.ProcessingRejected)).Inc()
		metrics.IngestPointsTotal.WithLabelValues("rejected").Add(float64(len(points)))
		return nil, apperrors.New(apperrors.ErrorTypeContract, "ingest_batch", device.ID,
			fmt.Errorf("%d contract violations", len(res.Errors))).
			WithDetails(rejectMessages(res.Errors))
	}

	if p.cfg.Mode == models.PipelinePubSub && source == models.SourceDevice {
		return p.publishBatch(ctx, device, batch, res)
	}
	return p.persistBatch(ctx, device, batch, res, 0, models.ProcessingCompleted)
}

// persistBatch validates nothing; it persists an already-validated result
// in one transaction: dedupe registry, point inserts, quarantine rows,
// last-seen, lineage finalization, and alert evaluation. priorQuarantined
// counts quarantine rows persisted at ingress by the queued lane.
func (p *Pipeline) persistBatch(ctx context.Context, device *models.Device, batch *models.IngestionBatch, res ValidationResult, priorQuarantined int, terminal models.ProcessingStatus) (*Summary, error) {
	var (
		opened   []*models.Alert
		accepted int
	)

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		opened = opened[:0]
		now := time.Now().UTC()

		ids := make([]string, len(res.Valid))
		for i, pt := range res.Valid {
			ids[i] = pt.MessageID
		}
		acceptedSet, err := store.DedupeInsert(ctx, tx, device.ID, ids, now)
		if err != nil {
			return err
		}

		var (
			acceptedPoints []models.TelemetryPoint
			latestTS       time.Time
		)
		for _, pt := range res.Valid {
			if !acceptedSet[pt.MessageID] {
				continue
			}
			acceptedPoints = append(acceptedPoints, models.TelemetryPoint{
				DeviceID:  device.ID,
				MessageID: pt.MessageID,
				TS:        pt.TS,
				Metrics:   pt.Metrics,
				BatchID:   batch.ID,
			})
			if pt.TS.After(latestTS) {
				latestTS = pt.TS
			}
		}
		if err := store.InsertPoints(ctx, tx, batch.ID, acceptedPoints); err != nil {
			return err
		}

		for _, q := range res.Quarantined {
			if err := store.InsertQuarantined(ctx, tx, &models.QuarantinedPoint{
				BatchID:   batch.ID,
				DeviceID:  device.ID,
				MessageID: q.Point.MessageID,
				TS:        q.Point.TS,
				Metrics:   q.Point.Metrics,
				Errors:    q.Errors,
			}); err != nil {
				return err
			}
		}

		if len(acceptedPoints) > 0 {
			if err := store.TouchLastSeen(ctx, tx, device.ID, latestTS); err != nil {
				return err
			}
		}

		tsMin, tsMax := tsWindow(res.Valid)
		batch.Accepted = len(acceptedPoints)
		batch.Duplicates = len(res.Valid) - len(acceptedPoints)
		batch.Quarantined = len(res.Quarantined) + priorQuarantined
		batch.ClientTSMin = tsMin
		batch.ClientTSMax = tsMax
		batch.UnknownKeys = res.UnknownKeys
		batch.MismatchKeys = res.MismatchKeys
		batch.ProcessingStatus = terminal
		if err := store.FinalizeBatch(ctx, tx, batch); err != nil {
			return err
		}

		if p.evaluator != nil {
			for _, pt := range acceptedPoints {
				alerts, err := p.evaluator.EvaluateTx(ctx, tx, device, pt.Metrics, pt.TS)
				if err != nil {
					return err
				}
				opened = append(opened, alerts...)
			}
		}

		accepted = len(acceptedPoints)
		return nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeTransient, "ingest_batch", device.ID, err)
	}

	metrics.IngestBatchesTotal.WithLabelValues(string(terminal)).Inc()
	metrics.IngestPointsTotal.WithLabelValues("accepted").Add(float64(accepted))
	metrics.IngestPointsTotal.WithLabelValues("duplicate").Add(float64(batch.Duplicates))
	metrics.IngestPointsTotal.WithLabelValues("quarantined").Add(float64(batch.Quarantined))

	if p.router != nil {
		for _, alert := range opened {
			p.router.Route(ctx, alert, device)
		}
	}

	return &Summary{
		BatchID:     batch.ID,
		Submitted:   batch.Submitted,
		Accepted:    accepted,
		Duplicates:  batch.Duplicates,
		Quarantined: batch.Quarantined,
	}, nil
}

// publishBatch serializes the accepted candidates into one envelope and
// hands it to the queued lane. The response is optimistic: duplicates are
// only discovered when the push worker replays the batch.
func (p *Pipeline) publishBatch(ctx context.Context, device *models.Device, batch *models.IngestionBatch, res ValidationResult) (*Summary, error) {
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, q := range res.Quarantined {
			if err := store.InsertQuarantined(ctx, tx, &models.QuarantinedPoint{
				BatchID:   batch.ID,
				DeviceID:  device.ID,
				MessageID: q.Point.MessageID,
				TS:        q.Point.TS,
				Metrics:   q.Point.Metrics,
				Errors:    q.Errors,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeTransient, "ingest_batch", device.ID, err)
	}

	env := &pubsub.Envelope{
		BatchID:         batch.ID,
		DeviceID:        device.ID,
		ContractVersion: batch.ContractVersion,
		ContractHash:    batch.ContractHash,
		Points:          make([]pubsub.Point, 0, len(res.Valid)),
	}
	for _, pt := range res.Valid {
		env.Points = append(env.Points, pubsub.Point{
			MessageID: pt.MessageID,
			TS:        pt.TS,
			Metrics:   pt.Metrics,
		})
	}

	if p.publisher == nil {
		err = errors.New("pubsub mode configured without a publisher")
	} else {
		err = p.publisher.Publish(ctx, env)
	}
	if err != nil {
		if markErr := p.store.MarkBatchStatus(ctx, batch.ID, models.ProcessingPublishFailed); markErr != nil {
			log.Error().Err(markErr).Str("batchID", batch.ID).Msg("Failed to mark batch publish_failed")
		}
		metrics.PubSubPublishTotal.WithLabelValues("failed").Inc()
		metrics.IngestBatchesTotal.WithLabelValues(string(models.ProcessingPublishFailed)).Inc()
		return nil, apperrors.New(apperrors.ErrorTypeTransient, "publish_batch", device.ID, err)
	}

	metrics.PubSubPublishTotal.WithLabelValues("ok").Inc()
	return &Summary{
		BatchID:     batch.ID,
		Submitted:   batch.Submitted,
		Accepted:    len(env.Points),
		Duplicates:  0,
		Quarantined: len(res.Quarantined),
	}, nil
}

// ProcessPush replays stages (b)+(c) for an envelope delivered to the push
// worker. Re-delivery is a no-op: the dedupe registry absorbs duplicate
// message IDs and an already-finalized batch is left untouched.
func (p *Pipeline) ProcessPush(ctx context.Context, env *pubsub.Envelope) (*Summary, error) {
	device, err := p.store.GetDevice(ctx, env.DeviceID)
	if err != nil {
		return nil, err
	}

	batch, err := p.store.GetBatch(ctx, env.BatchID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeNotFound, "process_push", env.DeviceID, err)
	}
	if batch.ProcessingStatus != models.ProcessingQueued && batch.ProcessingStatus != models.ProcessingPending {
		log.Debug().
			Str("batchID", batch.ID).
			Str("status", string(batch.ProcessingStatus)).
			Msg("Push re-delivery for finalized batch ignored")
		return &Summary{
			BatchID:     batch.ID,
			Submitted:   batch.Submitted,
			Accepted:    batch.Accepted,
			Duplicates:  batch.Duplicates,
			Quarantined: batch.Quarantined,
		}, nil
	}

	res := ValidationResult{Valid: make([]Point, 0, len(env.Points))}
	for _, pt := range env.Points {
		res.Valid = append(res.Valid, Point{
			MessageID: pt.MessageID,
			TS:        pt.TS.UTC(),
			Metrics:   pt.Metrics,
		})
	}
	res.UnknownKeys = batch.UnknownKeys
	res.MismatchKeys = batch.MismatchKeys

	quarantined, err := p.store.QuarantinedForBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	return p.persistBatch(ctx, device, batch, res, len(quarantined), models.ProcessingCompleted)
}

func (p *Pipeline) recordDrift(deviceID string, res ValidationResult) {
	if len(res.UnknownKeys) > 0 {
		metrics.IngestDriftKeysTotal.WithLabelValues("unknown").Add(float64(len(res.UnknownKeys)))
		if p.cfg.UnknownKeys == UnknownFlag {
			log.Warn().
				Str("deviceID", deviceID).
				Strs("keys", res.UnknownKeys).
				Msg("Contract drift: unknown metric keys")
		}
	}
	if len(res.MismatchKeys) > 0 {
		metrics.IngestDriftKeysTotal.WithLabelValues("mismatch").Add(float64(len(res.MismatchKeys)))
	}
}
