package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// devicePolicyResponse is the payload a polling device consumes.
type devicePolicyResponse struct {
	Policy                *policy.Policy               `json:"policy"`
	HeartbeatIntervalS    int                          `json:"heartbeatIntervalS"`
	OfflineAfterS         int                          `json:"offlineAfterS"`
	OperationMode         models.OperationMode         `json:"operationMode"`
	SleepPollIntervalS    int                          `json:"sleepPollIntervalS"`
	PendingControlCommand *models.DeviceControlCommand `json:"pendingControlCommand"`
}

// handleDevicePolicy serves the merged policy plus any pending control
// command, with a strong ETag so an unchanged policy costs a 304.
func (r *Router) handleDevicePolicy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	device, ok := r.authenticateDevice(w, req)
	if !ok {
		return
	}

	pol := r.artifacts.Policy()
	cmd, err := r.store.PendingCommand(req.Context(), device.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := devicePolicyETag(pol, device, cmd)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", pol.CacheMaxAgeS))

	if match := req.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, devicePolicyResponse{
		Policy:                pol,
		HeartbeatIntervalS:    device.HeartbeatIntervalS,
		OfflineAfterS:         device.OfflineAfterS,
		OperationMode:         device.OperationMode,
		SleepPollIntervalS:    device.SleepPollIntervalS,
		PendingControlCommand: cmd,
	})
}

// devicePolicyETag hashes everything the device-visible payload depends
// on. The command fragment must participate: without it a freshly
// enqueued command would hide behind a 304.
func devicePolicyETag(pol *policy.Policy, device *models.Device, cmd *models.DeviceControlCommand) string {
	input := fmt.Sprintf("%s|%d|%d|%s|%d|%s",
		pol.Hash(),
		device.HeartbeatIntervalS,
		device.OfflineAfterS,
		device.OperationMode,
		device.SleepPollIntervalS,
		cmd.Fragment())
	sum := sha256.Sum256([]byte(input))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// handleDeviceCommands dispatches /api/v1/device-commands/{id}/ack.
func (r *Router) handleDeviceCommands(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/device-commands/")
	cmdID, action, found := strings.Cut(rest, "/")
	if !found || action != "ack" || cmdID == "" {
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown command endpoint")
		return
	}
	if req.Method != http.MethodPost {
		writeErrorCode(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	device, ok := r.authenticateDevice(w, req)
	if !ok {
		return
	}

	cmd, err := r.store.AckCommand(req.Context(), device.ID, cmdID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cmd.Status == models.CommandAcknowledged {
		metrics.CommandsAcknowledgedTotal.Inc()
	}
	writeJSON(w, http.StatusOK, cmd)
}
