// Package notify implements the fan-out notification destinations. The set
// of adapters is closed: each destination kind maps to a payload shape and
// is registered explicitly at startup.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// Destination kinds.
const (
	KindGeneric  = "generic"
	KindSlack    = "slack"
	KindDiscord  = "discord"
	KindTelegram = "telegram"
)

// Error classes recorded on failed deliveries.
const (
	ErrClassTimeout       = "timeout"
	ErrClassNetwork       = "network"
	ErrClassHTTP4xx       = "http_4xx"
	ErrClassHTTP5xx       = "http_5xx"
	ErrClassBadPayload    = "bad_payload"
	ErrClassMissingChatID = "MISSING_CHAT_ID"
)

const defaultTimeout = 10 * time.Second

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Delivered  bool
	ErrorClass string
	Err        error
}

// Destination delivers alerts to one configured endpoint.
type Destination interface {
	Kind() string
	Name() string
	Fingerprint() string
	Deliver(ctx context.Context, alert *models.Alert, device *models.Device) Outcome
}

// Config describes one destination row.
type Config struct {
	Kind    string
	Name    string
	URL     string
	Enabled bool
}

// New constructs a destination for the given config.
func New(cfg Config, client *http.Client) (Destination, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	switch cfg.Kind {
	case KindGeneric, KindSlack, KindDiscord, KindTelegram:
		return &webhookDestination{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", cfg.Kind)
	}
}

// URLFingerprint is the hash stored on notification events instead of the
// destination URL, which may embed credentials.
func URLFingerprint(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

type webhookDestination struct {
	cfg    Config
	client *http.Client
}

func (d *webhookDestination) Kind() string { return d.cfg.Kind }
func (d *webhookDestination) Name() string { return d.cfg.Name }

func (d *webhookDestination) Fingerprint() string {
	return URLFingerprint(d.cfg.URL)
}

func (d *webhookDestination) Deliver(ctx context.Context, alert *models.Alert, device *models.Device) Outcome {
	payload, targetURL, err := d.buildPayload(alert, device)
	if err != nil {
		var mc *missingChatIDError
		if errors.As(err, &mc) {
			return Outcome{ErrorClass: ErrClassMissingChatID, Err: err}
		}
		return Outcome{ErrorClass: ErrClassBadPayload, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{ErrorClass: ErrClassBadPayload, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EdgeWatch/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		class := ErrClassNetwork
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			class = ErrClassTimeout
		}
		return Outcome{ErrorClass: class, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := ErrClassHTTP5xx
		if resp.StatusCode < 500 {
			class = ErrClassHTTP4xx
		}
		return Outcome{
			ErrorClass: class,
			Err:        fmt.Errorf("webhook returned status %d", resp.StatusCode),
		}
	}

	log.Debug().
		Str("destination", d.cfg.Name).
		Str("kind", d.cfg.Kind).
		Str("alertID", alert.ID).
		Int("status", resp.StatusCode).
		Msg("Notification delivered")
	return Outcome{Delivered: true}
}

func (d *webhookDestination) buildPayload(alert *models.Alert, device *models.Device) ([]byte, string, error) {
	deviceName := alert.DeviceID
	if device != nil && device.Name != "" {
		deviceName = device.Name
	}
	text := fmt.Sprintf("[%s] %s for %s: %s",
		severityTag(alert.Severity), alert.Type, deviceName, alert.Message)

	switch d.cfg.Kind {
	case KindSlack:
		data, err := json.Marshal(map[string]string{"text": text})
		return data, d.cfg.URL, err

	case KindDiscord:
		data, err := json.Marshal(map[string]string{"content": text})
		return data, d.cfg.URL, err

	case KindTelegram:
		chatID, cleanURL, err := extractTelegramChatID(d.cfg.URL)
		if err != nil {
			return nil, "", err
		}
		data, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
		return data, cleanURL, err

	default: // generic
		data, err := json.Marshal(map[string]any{
			"id":          alert.ID,
			"device_id":   alert.DeviceID,
			"alert_type":  alert.Type,
			"severity":    string(alert.Severity),
			"message":     alert.Message,
			"created_at":  alert.CreatedAt.UTC().Format(time.RFC3339),
			"resolved_at": rfc3339OrNil(alert.ResolvedAt),
		})
		return data, d.cfg.URL, err
	}
}

type missingChatIDError struct{ url string }

func (e *missingChatIDError) Error() string {
	return "telegram webhook URL missing chat_id parameter"
}

// extractTelegramChatID pulls chat_id out of the webhook URL query. The
// chat_id belongs in the JSON body, not the URL, so the returned URL has it
// stripped.
func extractTelegramChatID(webhookURL string) (chatID, cleanURL string, err error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL format: %w", err)
	}
	q := u.Query()
	chatID = q.Get("chat_id")
	if chatID == "" {
		return "", "", &missingChatIDError{url: webhookURL}
	}
	q.Del("chat_id")
	u.RawQuery = q.Encode()
	return chatID, u.String(), nil
}

func severityTag(sev models.AlertSeverity) string {
	switch sev {
	case models.SeverityCritical:
		return "CRITICAL"
	case models.SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

func rfc3339OrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
