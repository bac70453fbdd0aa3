package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(url string) Config {
	return Config{ServerURL: url, Timeout: 5 * time.Second, MaxElapsed: 10 * time.Second, MaxTries: 4}
}

func TestEnroll(t *testing.T) {
	var got EnrollRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/config", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"host_cert":"CERT","config_template":"CONFIG"}`))
	}))
	defer ts.Close()

	resp, err := New(testConfig(ts.URL+"/")).Enroll(context.Background(), EnrollRequest{
		HostToken: "tok",
		PublicKey: "PUB",
	})
	require.NoError(t, err)
	require.True(t, resp.Created)
	require.Equal(t, "CERT", resp.HostCert)
	require.Equal(t, "CONFIG", resp.Config)
	require.Equal(t, EnrollRequest{HostToken: "tok", PublicKey: "PUB"}, got)
}

func TestEnroll_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"failed to generate host certificate"}`))
			return
		}
		_, _ = w.Write([]byte(`{"host_cert":"CERT","config_template":"CONFIG"}`))
	}))
	defer ts.Close()

	resp, err := New(testConfig(ts.URL)).Enroll(context.Background(), EnrollRequest{HostToken: "tok", PublicKey: "PUB"})
	require.NoError(t, err)
	require.False(t, resp.Created)
	require.Equal(t, int32(3), calls.Load())
}

func TestEnroll_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Host not found"}`))
	}))
	defer ts.Close()

	_, err := New(testConfig(ts.URL)).Enroll(context.Background(), EnrollRequest{HostToken: "tok", PublicKey: "PUB"})
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusNotFound))
	require.ErrorContains(t, err, "Host not found")
	require.Equal(t, int32(1), calls.Load())
}

func TestEnroll_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.MaxTries = 2

	_, err := New(cfg).Enroll(context.Background(), EnrollRequest{HostToken: "tok", PublicKey: "PUB"})
	require.True(t, IsStatus(err, http.StatusServiceUnavailable))
	require.Equal(t, int32(2), calls.Load())
}
