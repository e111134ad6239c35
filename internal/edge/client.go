package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// wirePoint is the JSON shape of one sample on the ingest wire. The same
// bytes live in the buffer, so a queued point replays byte-identically.
type wirePoint struct {
	MessageID string         `json:"message_id"`
	TS        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
}

// Client talks to the EdgeWatch server on behalf of one device.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient builds a client with a bounded-timeout transport.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PostResult summarizes one ingest attempt.
type PostResult struct {
	StatusCode int
	BytesSent  int64
	RetryAfter time.Duration
}

// PostBatch submits buffered payloads as one ingest request. payloads are
// pre-marshaled wirePoint documents. A transport error returns err with a
// zero StatusCode; HTTP errors return the status for classification.
func (c *Client) PostBatch(ctx context.Context, payloads [][]byte) (PostResult, error) {
	points := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		points[i] = json.RawMessage(p)
	}
	body, err := json.Marshal(map[string]any{"points": points})
	if err != nil {
		return PostResult{}, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PostResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res := PostResult{StatusCode: resp.StatusCode, BytesSent: int64(len(body))}
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
			res.RetryAfter = ra
		}
	}
	return res, nil
}

// DevicePolicy is the merged policy payload the server serves per device.
type DevicePolicy struct {
	Policy                *policy.Policy               `json:"policy"`
	HeartbeatIntervalS    int                          `json:"heartbeatIntervalS"`
	OfflineAfterS         int                          `json:"offlineAfterS"`
	OperationMode         models.OperationMode         `json:"operationMode"`
	SleepPollIntervalS    int                          `json:"sleepPollIntervalS"`
	PendingControlCommand *models.DeviceControlCommand `json:"pendingControlCommand"`
}

// FetchPolicy performs a conditional GET. When the server answers 304 both
// return values are zero and the caller keeps its cached copy.
func (c *Client) FetchPolicy(ctx context.Context, etag string) (*DevicePolicy, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/v1/device-policy", nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, "", nil
	case http.StatusOK:
		var dp DevicePolicy
		if err := json.NewDecoder(resp.Body).Decode(&dp); err != nil {
			return nil, "", fmt.Errorf("decode device policy: %w", err)
		}
		return &dp, resp.Header.Get("ETag"), nil
	default:
		return nil, "", fmt.Errorf("device-policy returned status %d", resp.StatusCode)
	}
}

// AckCommand acknowledges a control command. 2xx clears the pending ack.
func (c *Client) AckCommand(ctx context.Context, commandID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/device-commands/"+commandID+"/ack", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ack returned status %d", resp.StatusCode)
	}
	return nil
}
