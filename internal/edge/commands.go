package edge

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// Controls are the locally applied device controls, mutated only by
// control commands.
type Controls struct {
	OperationMode      models.OperationMode
	SleepPollIntervalS int
	AlertsMutedUntil   *time.Time
}

// CommandManager implements the apply-once protocol: a command is applied
// at most once across restarts, and acked until the server confirms.
type CommandManager struct {
	client    *Client
	state     CommandState
	statePath string

	allowShutdown   bool
	shutdownPending bool
	shutdownGrace   time.Duration
	shutdownFn      func(grace time.Duration)
}

// NewCommandManager loads the persisted apply-once state from dataDir.
// shutdownFn executes a platform shutdown and may be nil; shutdown
// commands are then cleared without executing.
func NewCommandManager(client *Client, dataDir string, allowShutdown bool, shutdownFn func(grace time.Duration)) *CommandManager {
	m := &CommandManager{
		client:        client,
		statePath:     filepath.Join(dataDir, "command_state.json"),
		allowShutdown: allowShutdown,
		shutdownFn:    shutdownFn,
	}
	loadJSON(m.statePath, &m.state)
	return m
}

// HandlePending applies a delivered command exactly once. Re-delivery of
// an already applied command only re-arms the ack retry. The controls are
// mutated in place; persistence of both IDs is atomic.
func (m *CommandManager) HandlePending(cmd *models.DeviceControlCommand, controls *Controls) {
	if cmd == nil || cmd.Expired(time.Now()) {
		return
	}
	if cmd.ID == m.state.LastAppliedCommandID {
		return
	}

	p := cmd.Payload
	if p.OperationMode != nil {
		controls.OperationMode = *p.OperationMode
	}
	if p.SleepPollIntervalS != nil {
		controls.SleepPollIntervalS = *p.SleepPollIntervalS
	}
	if p.AlertsMutedUntil != nil {
		controls.AlertsMutedUntil = p.AlertsMutedUntil
	}
	if p.ShutdownRequested {
		if m.allowShutdown && m.shutdownFn != nil {
			m.shutdownPending = true
			m.shutdownGrace = time.Duration(p.ShutdownGraceS) * time.Second
		} else {
			log.Warn().Str("commandID", cmd.ID).Msg("Shutdown command gated off, clearing without executing")
		}
	}

	m.state.LastAppliedCommandID = cmd.ID
	m.state.PendingAckCommandID = cmd.ID
	if err := saveJSON(m.statePath, &m.state); err != nil {
		log.Error().Err(err).Msg("Failed to persist command state")
	}
	log.Info().
		Str("commandID", cmd.ID).
		Str("mode", string(controls.OperationMode)).
		Msg("Control command applied")
}

// RetryAck acks the pending command, if any. Failure keeps the pending
// ack for the next tick. A shutdown is armed only after its ack clears,
// so the server always learns the command landed.
func (m *CommandManager) RetryAck(ctx context.Context) {
	if m.state.PendingAckCommandID == "" {
		m.maybeShutdown()
		return
	}
	cmdID := m.state.PendingAckCommandID
	if err := m.client.AckCommand(ctx, cmdID); err != nil {
		log.Warn().Err(err).Str("commandID", cmdID).Msg("Command ack failed, will retry")
		return
	}

	m.state.PendingAckCommandID = ""
	if err := saveJSON(m.statePath, &m.state); err != nil {
		log.Error().Err(err).Msg("Failed to persist command state")
	}
	log.Debug().Str("commandID", cmdID).Msg("Command acknowledged")
	m.maybeShutdown()
}

func (m *CommandManager) maybeShutdown() {
	if !m.shutdownPending {
		return
	}
	m.shutdownPending = false
	log.Warn().Dur("grace", m.shutdownGrace).Msg("Arming shutdown timer")
	m.shutdownFn(m.shutdownGrace)
}

// AckPending reports whether an ack is still outstanding.
func (m *CommandManager) AckPending() bool {
	return m.state.PendingAckCommandID != ""
}
