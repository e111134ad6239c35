package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/config"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// authenticateDevice resolves the bearer token to a registered device. The
// fingerprint narrows the lookup to one row; the bcrypt hash is the actual
// check. Failures are indistinguishable to the caller.
func (r *Router) authenticateDevice(w http.ResponseWriter, req *http.Request) (*models.Device, bool) {
	token := bearerToken(req)
	if token == "" {
		writeErrorCode(w, http.StatusUnauthorized, "auth", "missing bearer token")
		return nil, false
	}

	device, err := r.store.GetDeviceByFingerprint(req.Context(), store.TokenFingerprint(token))
	if err != nil || !store.VerifyToken(device.TokenHash, token) {
		writeErrorCode(w, http.StatusUnauthorized, "auth", "invalid device token")
		return nil, false
	}

	if !device.Enabled {
		log.Debug().Str("deviceID", device.ID).Msg("Disabled device rejected")
		writeErrorCode(w, http.StatusForbidden, "forbidden", "device is disabled")
		return nil, false
	}
	return device, true
}

// requireAdmin enforces the shared admin key. In key mode the presented
// X-Admin-Key header must match in constant time; in none mode the check
// is disabled entirely.
func (r *Router) requireAdmin(w http.ResponseWriter, req *http.Request) bool {
	if r.cfg.AdminAuthMode == config.AdminAuthNone {
		return true
	}
	presented := req.Header.Get("X-Admin-Key")
	if presented == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(r.cfg.AdminAPIKey)) != 1 {
		writeErrorCode(w, http.StatusUnauthorized, "auth", "invalid admin key")
		return false
	}
	return true
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
