package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/infrastructure/health"
	"stock_trader/internal/mock"
)

func TestHealthzHealthy(t *testing.T) {
	hm := health.NewHealthManager(nil)
	hm.Register("sqlite", func() error { return nil })
	server := NewServer(0, hm, mock.NewLogger())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["healthy"])
}

func TestHealthzUnhealthy(t *testing.T) {
	hm := health.NewHealthManager(nil)
	hm.Register("redis", func() error { return errors.New("connection refused") })
	server := NewServer(0, hm, mock.NewLogger())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	components := body["components"].(map[string]interface{})
	assert.Contains(t, components["redis"], "Unhealthy")
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(0, nil, mock.NewLogger())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
