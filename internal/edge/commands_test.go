package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

func pendingCommand(id string, payload models.CommandPayload) *models.DeviceControlCommand {
	return &models.DeviceControlCommand{
		ID:        id,
		DeviceID:  "dev-1",
		Payload:   payload,
		Status:    models.CommandPending,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
}

func TestCommandAppliedOnceAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	mode := models.ModeSleep
	poll := 900
	cmd := pendingCommand("cmd-1", models.CommandPayload{OperationMode: &mode, SleepPollIntervalS: &poll})

	m := NewCommandManager(nil, dir, false, nil)
	controls := Controls{OperationMode: models.ModeActive}
	m.HandlePending(cmd, &controls)
	assert.Equal(t, models.ModeSleep, controls.OperationMode)
	assert.Equal(t, 900, controls.SleepPollIntervalS)
	assert.True(t, m.AckPending())

	// Restart: the sidecar remembers the applied command, so re-delivery
	// does not overwrite locally changed controls.
	m2 := NewCommandManager(nil, dir, false, nil)
	controls2 := Controls{OperationMode: models.ModeActive}
	m2.HandlePending(cmd, &controls2)
	assert.Equal(t, models.ModeActive, controls2.OperationMode, "already applied command is not re-applied")
	assert.True(t, m2.AckPending(), "unacked command survives the restart")
}

func TestCommandExpiredIgnored(t *testing.T) {
	m := NewCommandManager(nil, t.TempDir(), false, nil)
	mode := models.ModeSleep
	cmd := pendingCommand("cmd-1", models.CommandPayload{OperationMode: &mode})
	cmd.ExpiresAt = time.Now().Add(-time.Minute)

	controls := Controls{OperationMode: models.ModeActive}
	m.HandlePending(cmd, &controls)
	assert.Equal(t, models.ModeActive, controls.OperationMode)
	assert.False(t, m.AckPending())
}

func TestCommandAckRetry(t *testing.T) {
	var acks int
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/device-commands/cmd-1/ack", r.URL.Path)
		acks++
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewCommandManager(NewClient(srv.URL, "tok"), dir, false, nil)
	mode := models.ModeSleep
	m.HandlePending(pendingCommand("cmd-1", models.CommandPayload{OperationMode: &mode}), &Controls{})

	m.RetryAck(context.Background())
	assert.True(t, m.AckPending(), "failed ack stays pending")

	fail = false
	m.RetryAck(context.Background())
	assert.False(t, m.AckPending())
	assert.Equal(t, 2, acks)

	// Nothing left to ack.
	m.RetryAck(context.Background())
	assert.Equal(t, 2, acks)
}

func TestShutdownArmedOnlyAfterAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var armed []time.Duration
	m := NewCommandManager(NewClient(srv.URL, "tok"), t.TempDir(), true, func(grace time.Duration) {
		armed = append(armed, grace)
	})

	cmd := pendingCommand("cmd-1", models.CommandPayload{ShutdownRequested: true, ShutdownGraceS: 120})
	m.HandlePending(cmd, &Controls{})
	assert.Empty(t, armed, "shutdown waits for the ack to clear")

	m.RetryAck(context.Background())
	require.Len(t, armed, 1)
	assert.Equal(t, 2*time.Minute, armed[0])
}

func TestShutdownGatedOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var armed int
	m := NewCommandManager(NewClient(srv.URL, "tok"), t.TempDir(), false, func(time.Duration) {
		armed++
	})

	cmd := pendingCommand("cmd-1", models.CommandPayload{ShutdownRequested: true, ShutdownGraceS: 60})
	m.HandlePending(cmd, &Controls{})
	m.RetryAck(context.Background())

	assert.Zero(t, armed, "gated shutdown is cleared without executing")
	assert.False(t, m.AckPending(), "the command is still acknowledged")
}
