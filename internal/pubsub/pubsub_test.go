package pubsub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrdersPointsByTimestamp(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	env := &Envelope{
		BatchID:  "b1",
		DeviceID: "d1",
		Points: []Point{
			{MessageID: "late", TS: base.Add(time.Minute)},
			{MessageID: "early", TS: base},
		},
	}

	data, err := env.Encode()
	require.NoError(t, err)
	assert.Equal(t, "early", env.Points[0].MessageID)
	assert.NotEmpty(t, env.PublishedAt)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded.Points, 2)
	assert.Equal(t, "early", decoded.Points[0].MessageID)
}

func TestDecodeRejectsIncompleteEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"batch_id":"b1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestHTTPPublisher(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-PubSub-Token")
		env, err := Decode(readBody(t, r))
		require.NoError(t, err)
		assert.Equal(t, "b1", env.BatchID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub := NewHTTPPublisher(srv.URL, "worker-token")
	err := pub.Publish(context.Background(), &Envelope{BatchID: "b1", DeviceID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "worker-token", gotToken)
}

func TestHTTPPublisherSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pub := NewHTTPPublisher(srv.URL, "worker-token")
	err := pub.Publish(context.Background(), &Envelope{BatchID: "b1", DeviceID: "d1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("secret", "secret"))
	assert.False(t, ValidToken("wrong", "secret"))
	assert.False(t, ValidToken("", "secret"))
	assert.False(t, ValidToken("anything", ""), "an unset server token rejects everyone")
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return data
}
