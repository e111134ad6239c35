// Package pubsub implements the at-least-once queued ingest lane: a
// publisher that hands validated batches to a push endpoint, and the
// envelope codec shared with the push worker. Both publish and push
// delivery can duplicate, so consumers must be idempotent.
package pubsub

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Point is the wire form of one accepted-candidate sample.
type Point struct {
	MessageID string         `json:"message_id"`
	TS        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
}

// Envelope carries one validated batch through the queued lane.
type Envelope struct {
	BatchID         string  `json:"batch_id"`
	DeviceID        string  `json:"device_id"`
	ContractVersion string  `json:"contract_version"`
	ContractHash    string  `json:"contract_hash"`
	PublishedAt     string  `json:"published_at"`
	Points          []Point `json:"points"`
}

// Encode serializes the envelope with points ordered by ts.
func (e *Envelope) Encode() ([]byte, error) {
	sort.SliceStable(e.Points, func(i, j int) bool {
		return e.Points[i].TS.Before(e.Points[j].TS)
	})
	if e.PublishedAt == "" {
		e.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(e)
}

// Decode parses an envelope from push delivery.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.BatchID == "" || env.DeviceID == "" {
		return nil, fmt.Errorf("envelope missing batch or device id")
	}
	return &env, nil
}

// Publisher hands an envelope to the queued lane.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// HTTPPublisher POSTs envelopes to the configured push endpoint carrying
// the shared worker token.
type HTTPPublisher struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

// NewHTTPPublisher builds a publisher with a bounded-timeout client.
func NewHTTPPublisher(endpoint, token string) *HTTPPublisher {
	return &HTTPPublisher{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Publish delivers one envelope. Any failure is a publish failure; the
// caller marks the batch publish_failed and surfaces 503.
func (p *HTTPPublisher) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PubSub-Token", p.Token)

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("batchID", env.BatchID).
		Int("points", len(env.Points)).
		Msg("Batch published to queued lane")
	return nil
}

// ValidToken compares the presented worker token in constant time.
func ValidToken(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
