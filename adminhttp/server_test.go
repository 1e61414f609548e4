package adminhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knightsandkings/knk"
)

type snapshotFunc func(ctx context.Context) (map[string][]knk.EntityStatus, error)

func (f snapshotFunc) Snapshot(ctx context.Context) (map[string][]knk.EntityStatus, error) {
	return f(ctx)
}

func fixedSnapshot() snapshotFunc {
	return func(context.Context) (map[string][]knk.EntityStatus, error) {
		return map[string][]knk.EntityStatus{
			"users": {{
				Key:     knk.NewKey("users", "42"),
				State:   knk.Ready,
				Version: 2,
			}},
		}, nil
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewHandler(fixedSnapshot(), prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEntities(t *testing.T) {
	srv := httptest.NewServer(NewHandler(fixedSnapshot(), prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/entities")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string][]struct {
		Key     string `json:"key"`
		State   string `json:"state"`
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body["users"], 1)
	assert.Equal(t, "users/42", body["users"][0].Key)
	assert.Equal(t, "ready", body["users"][0].State)
	assert.EqualValues(t, 2, body["users"][0].Version)
}

func TestEntitiesByNamespace(t *testing.T) {
	srv := httptest.NewServer(NewHandler(fixedSnapshot(), prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/entities/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/entities/towns")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntitiesClosed(t *testing.T) {
	closed := snapshotFunc(func(context.Context) (map[string][]knk.EntityStatus, error) {
		return nil, knk.ErrClosed
	})
	srv := httptest.NewServer(NewHandler(closed, prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/entities")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, knk.RegisterMetrics(reg))
	knk.TransportRetries.WithLabelValues("GET").Inc()

	srv := httptest.NewServer(NewHandler(fixedSnapshot(), reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# HELP knk_transport_retries_total Retried backend requests by method.")
	assert.Contains(t, string(body), `knk_transport_retries_total{method="GET"}`)
}
