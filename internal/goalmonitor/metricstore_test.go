package goalmonitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricStore_CurrentFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/checkout/metrics/error_rate/current", r.URL.Path)
		w.Write([]byte(`{"value":0.12,"found":true}`))
	}))
	defer srv.Close()

	ms := NewHTTPMetricStore(srv.URL)
	v, ok, err := ms.Current(context.Background(), "checkout", "error_rate")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.12, v)
}

func TestHTTPMetricStore_CurrentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ms := NewHTTPMetricStore(srv.URL)
	_, ok, err := ms.Current(context.Background(), "checkout", "error_rate")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPMetricStore_Forecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/checkout/metrics/latency_p99/forecast", r.URL.Path)
		w.Write([]byte(`[{"timestamp":"2026-07-31T00:00:00Z","value":900}]`))
	}))
	defer srv.Close()

	ms := NewHTTPMetricStore(srv.URL)
	points, err := ms.Forecast(context.Background(), "checkout", "latency_p99")
	require.NoError(t, err)
	require.Len(t, points, 1)
	for _, v := range points {
		assert.Equal(t, 900.0, v)
	}
}

func TestHTTPMetricStore_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	ms := NewHTTPMetricStore(srv.URL)
	_, _, err := ms.Current(context.Background(), "checkout", "error_rate")
	assert.Error(t, err)
}
