package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/config"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/contract"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/ingest"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

const testAdminKey = "test-admin-key"

const apiContractDoc = `
version: v1
metrics:
  water_pressure_psi: {type: number, unit: psi}
  pump_on:            {type: boolean}
`

const apiPolicyDoc = `
version: v1
cache_max_age_s: 300
reporting:
  sample_interval_s: 60
  heartbeat_interval_s: 300
alert_thresholds:
  water_pressure:
    metric: water_pressure_psi
    low: 30
    recover: 35
operation_defaults:
  control_command_ttl_s: 3600
  default_sleep_poll_interval_s: 900
`

type apiHarness struct {
	srv   *httptest.Server
	store *store.Store
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dir := t.TempDir()

	contractPath := filepath.Join(dir, "contract.yaml")
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(contractPath, []byte(apiContractDoc), 0o600))
	require.NoError(t, os.WriteFile(policyPath, []byte(apiPolicyDoc), 0o600))

	artifacts, err := config.LoadArtifacts(contractPath, policyPath)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		AdminAuthMode:       config.AdminAuthKey,
		AdminAPIKey:         testAdminKey,
		MaxRequestBodyBytes: 1 << 20,
	}

	contractFn := func() *contract.Contract { return artifacts.Contract() }
	pipeline := ingest.NewPipeline(st, contractFn, nil, nil, nil, ingest.Config{})

	handler := NewRouter(cfg, st, pipeline, nil, artifacts)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, store: st}
}

func (h *apiHarness) createDevice(t *testing.T, name string) (*models.Device, string) {
	t.Helper()
	body, status := h.request(t, http.MethodPost, "/api/v1/admin/devices",
		map[string]string{"X-Admin-Key": testAdminKey},
		map[string]any{"name": name, "heartbeatIntervalS": 60})
	require.Equal(t, http.StatusCreated, status)

	var res struct {
		Device *models.Device `json:"device"`
		Token  string         `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotNil(t, res.Device)
	require.NotEmpty(t, res.Token)
	return res.Device, res.Token
}

func (h *apiHarness) request(t *testing.T, method, path string, headers map[string]string, payload any) ([]byte, int) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.Bytes(), resp.StatusCode
}

func TestIngestEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	_, token := h.createDevice(t, "pump-1")

	points := map[string]any{"points": []map[string]any{
		{"message_id": "m1", "ts": time.Now().UTC().Format(time.RFC3339), "metrics": map[string]any{"water_pressure_psi": 42.5}},
		{"message_id": "m2", "ts": time.Now().UTC().Format(time.RFC3339), "metrics": map[string]any{"pump_on": true}},
	}}

	body, status := h.request(t, http.MethodPost, "/api/v1/ingest",
		map[string]string{"Authorization": "Bearer " + token}, points)
	require.Equal(t, http.StatusOK, status, string(body))

	var summary ingest.Summary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, 2, summary.Submitted)
	assert.Equal(t, 2, summary.Accepted)

	// Replay: both points collapse to duplicates.
	body, status = h.request(t, http.MethodPost, "/api/v1/ingest",
		map[string]string{"Authorization": "Bearer " + token}, points)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Zero(t, summary.Accepted)
	assert.Equal(t, 2, summary.Duplicates)
}

func TestIngestRejectsBadToken(t *testing.T) {
	h := newAPIHarness(t)
	h.createDevice(t, "pump-1")

	_, status := h.request(t, http.MethodPost, "/api/v1/ingest",
		map[string]string{"Authorization": "Bearer wrong-token"}, map[string]any{"points": []any{}})
	assert.Equal(t, http.StatusUnauthorized, status)

	_, status = h.request(t, http.MethodPost, "/api/v1/ingest", nil, map[string]any{"points": []any{}})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestIngestDisabledDeviceForbidden(t *testing.T) {
	h := newAPIHarness(t)
	device, token := h.createDevice(t, "pump-1")

	_, status := h.request(t, http.MethodPatch, "/api/v1/admin/devices/"+device.ID,
		map[string]string{"X-Admin-Key": testAdminKey}, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, status)

	_, status = h.request(t, http.MethodPost, "/api/v1/ingest",
		map[string]string{"Authorization": "Bearer " + token}, map[string]any{"points": []any{}})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestDevicePolicyETagRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	device, token := h.createDevice(t, "pump-1")

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/device-policy", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, "max-age=300", resp.Header.Get("Cache-Control"))

	var dp struct {
		HeartbeatIntervalS    int             `json:"heartbeatIntervalS"`
		OperationMode         string          `json:"operationMode"`
		PendingControlCommand json.RawMessage `json:"pendingControlCommand"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dp))
	assert.Equal(t, 60, dp.HeartbeatIntervalS)
	assert.Equal(t, "active", dp.OperationMode)

	// Conditional poll with a matching tag costs a 304.
	req2, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/device-policy", nil)
	require.NoError(t, err)
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp2.StatusCode)

	// Enqueueing a command changes the tag, so the device sees it.
	_, err = h.store.EnqueueCommand(context.Background(), device.ID, models.CommandPayload{ShutdownRequested: true}, time.Hour)
	require.NoError(t, err)

	resp3, err := http.DefaultClient.Do(req2.Clone(context.Background()))
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	assert.NotEqual(t, etag, resp3.Header.Get("ETag"))
}

func TestCommandAckEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	device, token := h.createDevice(t, "pump-1")

	mode := models.ModeSleep
	cmd, err := h.store.EnqueueCommand(context.Background(), device.ID, models.CommandPayload{OperationMode: &mode}, time.Hour)
	require.NoError(t, err)

	body, status := h.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/device-commands/%s/ack", cmd.ID),
		map[string]string{"Authorization": "Bearer " + token}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var acked models.DeviceControlCommand
	require.NoError(t, json.Unmarshal(body, &acked))
	assert.Equal(t, models.CommandAcknowledged, acked.Status)

	// Acking someone else's command fails.
	_, otherToken := h.createDevice(t, "pump-2")
	_, status = h.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/device-commands/%s/ack", cmd.ID),
		map[string]string{"Authorization": "Bearer " + otherToken}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	_, status := h.request(t, http.MethodGet, "/api/v1/admin/devices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, status = h.request(t, http.MethodGet, "/api/v1/admin/devices",
		map[string]string{"X-Admin-Key": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, status = h.request(t, http.MethodGet, "/api/v1/admin/devices",
		map[string]string{"X-Admin-Key": testAdminKey}, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminDeviceLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	device, token := h.createDevice(t, "pump-1")

	// Defaults applied at creation.
	assert.Equal(t, 180, device.OfflineAfterS, "offline window defaults to 3x heartbeat")
	assert.Equal(t, 900, device.SleepPollIntervalS, "sleep poll default comes from policy")

	// Rotate: the old token stops working.
	body, status := h.request(t, http.MethodPost, "/api/v1/admin/devices/"+device.ID+"/rotate-token",
		map[string]string{"X-Admin-Key": testAdminKey}, nil)
	require.Equal(t, http.StatusOK, status)
	var rotated map[string]string
	require.NoError(t, json.Unmarshal(body, &rotated))
	require.NotEmpty(t, rotated["token"])
	assert.NotEqual(t, token, rotated["token"])

	_, status = h.request(t, http.MethodPost, "/api/v1/ingest",
		map[string]string{"Authorization": "Bearer " + token}, map[string]any{"points": []any{}})
	assert.Equal(t, http.StatusUnauthorized, status)

	// Delete, then the device is gone.
	_, status = h.request(t, http.MethodDelete, "/api/v1/admin/devices/"+device.ID,
		map[string]string{"X-Admin-Key": testAdminKey}, nil)
	require.Equal(t, http.StatusOK, status)
	_, status = h.request(t, http.MethodGet, "/api/v1/admin/devices/"+device.ID,
		map[string]string{"X-Admin-Key": testAdminKey}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestShutdownGatedByPolicy(t *testing.T) {
	h := newAPIHarness(t)
	device, _ := h.createDevice(t, "pump-1")

	// The test policy does not set allow_remote_shutdown.
	_, status := h.request(t, http.MethodPost, "/api/v1/admin/devices/"+device.ID+"/controls/shutdown",
		map[string]string{"X-Admin-Key": testAdminKey}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestContractRejectStatus(t *testing.T) {
	h := newAPIHarness(t)
	dir := t.TempDir()

	contractPath := filepath.Join(dir, "contract.yaml")
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(contractPath, []byte(apiContractDoc), 0o600))
	require.NoError(t, os.WriteFile(policyPath, []byte(apiPolicyDoc), 0o600))
	artifacts, err := config.LoadArtifacts(contractPath, policyPath)
	require.NoError(t, err)

	cfg := &config.Config{AdminAuthMode: config.AdminAuthNone, MaxRequestBodyBytes: 1 << 20}
	pipeline := ingest.NewPipeline(h.store,
		func() *contract.Contract { return artifacts.Contract() },
		nil, nil, nil, ingest.Config{ValidationMode: ingest.ModeReject})
	srv := httptest.NewServer(NewRouter(cfg, h.store, pipeline, nil, artifacts))
	defer srv.Close()

	_, token := h.createDevice(t, "pump-reject")
	payload := map[string]any{"points": []map[string]any{
		{"message_id": "m1", "ts": time.Now().UTC().Format(time.RFC3339), "metrics": map[string]any{"water_pressure_psi": "broken"}},
	}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/ingest", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var envelope struct {
		Error struct {
			Code    string   `json:"code"`
			Details []string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "contract_rejected", envelope.Error.Code)
	require.Len(t, envelope.Error.Details, 1)
	assert.Contains(t, envelope.Error.Details[0], "water_pressure_psi")
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	body, status := h.request(t, http.MethodGet, "/api/v1/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "healthy")
}
