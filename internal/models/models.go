// Package models defines the core EdgeWatch entities shared by the store,
// the ingest pipeline and the HTTP layer.
package models

import (
	"time"
)

// OperationMode controls how a device samples and reports.
type OperationMode string

const (
	ModeActive   OperationMode = "active"
	ModeSleep    OperationMode = "sleep"
	ModeDisabled OperationMode = "disabled"
)

// Valid reports whether the mode is one of the known values.
func (m OperationMode) Valid() bool {
	switch m {
	case ModeActive, ModeSleep, ModeDisabled:
		return true
	}
	return false
}

// Device is a registered field device.
type Device struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	TokenHash          string        `json:"-"`
	TokenFingerprint   string        `json:"-"`
	HeartbeatIntervalS int           `json:"heartbeatIntervalS"`
	OfflineAfterS      int           `json:"offlineAfterS"`
	Enabled            bool          `json:"enabled"`
	OperationMode      OperationMode `json:"operationMode"`
	SleepPollIntervalS int           `json:"sleepPollIntervalS"`
	AlertsMutedUntil   *time.Time    `json:"alertsMutedUntil,omitempty"`
	AlertsMutedReason  string        `json:"alertsMutedReason,omitempty"`
	LastSeenAt         *time.Time    `json:"lastSeenAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// AlertsMuted reports whether alerting is muted for the device at t.
func (d *Device) AlertsMuted(t time.Time) bool {
	return d.AlertsMutedUntil != nil && d.AlertsMutedUntil.After(t)
}

// TelemetryPoint is a single persisted sample. Immutable after insert.
type TelemetryPoint struct {
	DeviceID  string         `json:"deviceId"`
	MessageID string         `json:"messageId"`
	TS        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
	BatchID   string         `json:"batchId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// IngestSource records where a batch entered the system.
type IngestSource string

const (
	SourceDevice   IngestSource = "device"
	SourceReplay   IngestSource = "replay"
	SourcePubSub   IngestSource = "pubsub"
	SourceBackfill IngestSource = "backfill"
)

// PipelineMode selects synchronous or queued batch processing.
type PipelineMode string

const (
	PipelineDirect     PipelineMode = "direct"
	PipelinePubSub     PipelineMode = "pubsub"
	PipelineSimulation PipelineMode = "simulation"
)

// ProcessingStatus is the terminal-once lifecycle of an ingestion batch.
type ProcessingStatus string

const (
	ProcessingPending       ProcessingStatus = "pending"
	ProcessingQueued        ProcessingStatus = "queued"
	ProcessingCompleted     ProcessingStatus = "completed"
	ProcessingRejected      ProcessingStatus = "rejected"
	ProcessingPublishFailed ProcessingStatus = "publish_failed"
)

// IngestionBatch is the lineage row for one ingest request.
type IngestionBatch struct {
	ID               string           `json:"id"`
	DeviceID         string           `json:"deviceId"`
	ContractVersion  string           `json:"contractVersion"`
	ContractHash     string           `json:"contractHash"`
	ReceivedAt       time.Time        `json:"receivedAt"`
	Submitted        int              `json:"submitted"`
	Accepted         int              `json:"accepted"`
	Duplicates       int              `json:"duplicates"`
	Quarantined      int              `json:"quarantined"`
	ClientTSMin      *time.Time       `json:"clientTsMin,omitempty"`
	ClientTSMax      *time.Time       `json:"clientTsMax,omitempty"`
	UnknownKeys      []string         `json:"unknownMetricKeys,omitempty"`
	MismatchKeys     []string         `json:"mismatchMetricKeys,omitempty"`
	RejectErrors     []string         `json:"rejectErrors,omitempty"`
	Source           IngestSource     `json:"source"`
	PipelineMode     PipelineMode     `json:"pipelineMode"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
}

// QuarantinedPoint holds a point that violated the contract in quarantine mode.
type QuarantinedPoint struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batchId"`
	DeviceID  string         `json:"deviceId"`
	MessageID string         `json:"messageId"`
	TS        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
	Errors    []string       `json:"errors"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an open or resolved alert condition for a device.
type Alert struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"deviceId"`
	Type       string        `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Value      float64       `json:"value,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// Open reports whether the alert is still open.
func (a *Alert) Open() bool {
	return a.ResolvedAt == nil
}

// RoutingDecision is the outcome of the notification router for one alert.
type RoutingDecision string

const (
	DecisionDeliver            RoutingDecision = "deliver"
	DecisionSuppressedDisabled RoutingDecision = "suppressed_disabled"
	DecisionSuppressedMuted    RoutingDecision = "suppressed_muted"
	DecisionSuppressedQuiet    RoutingDecision = "suppressed_quiet_hours"
	DecisionSuppressedDedupe   RoutingDecision = "suppressed_dedupe"
	DecisionSuppressedThrottle RoutingDecision = "suppressed_throttle"
	DecisionDeliveryFailed     RoutingDecision = "delivery_failed"
)

// NotificationEvent is the write-once audit row behind dedupe and throttling.
type NotificationEvent struct {
	ID            string          `json:"id"`
	AlertID       string          `json:"alertId"`
	DeviceID      string          `json:"deviceId"`
	AlertType     string          `json:"alertType"`
	Channel       string          `json:"channel"`
	Decision      RoutingDecision `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	Delivered     bool            `json:"delivered"`
	DestinationFP string          `json:"destinationFingerprint,omitempty"`
	ErrorClass    string          `json:"errorClass,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CommandStatus is the lifecycle of a control command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandSuperseded   CommandStatus = "superseded"
	CommandExpired      CommandStatus = "expired"
)

// CommandPayload carries the operator-requested control changes.
type CommandPayload struct {
	OperationMode      *OperationMode `json:"operationMode,omitempty"`
	SleepPollIntervalS *int           `json:"sleepPollIntervalS,omitempty"`
	AlertsMutedUntil   *time.Time     `json:"alertsMutedUntil,omitempty"`
	AlertsMutedReason  *string        `json:"alertsMutedReason,omitempty"`
	ShutdownRequested  bool           `json:"shutdownRequested,omitempty"`
	ShutdownGraceS     int            `json:"shutdownGraceS,omitempty"`
}

// DeviceControlCommand is a durable, superseding operator command.
type DeviceControlCommand struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"deviceId"`
	Payload        CommandPayload `json:"payload"`
	Status         CommandStatus  `json:"status"`
	IssuedAt       time.Time      `json:"issuedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	SupersededAt   *time.Time     `json:"supersededAt,omitempty"`
}

// Expired reports whether the command is past its TTL at t.
func (c *DeviceControlCommand) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// Fragment renders the command portion of the device-policy ETag input.
// Without it, a newly enqueued command would be invisible behind a 304.
func (c *DeviceControlCommand) Fragment() string {
	if c == nil {
		return "none"
	}
	return c.ID + ":" + c.ExpiresAt.UTC().Format(time.RFC3339) + ":" + string(c.Status)
}

// Alert types raised by the evaluator and the offline detector.
const (
	AlertDeviceOffline = "DEVICE_OFFLINE"
	AlertDeviceOnline  = "DEVICE_ONLINE"
)
