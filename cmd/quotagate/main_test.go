package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/cache"
	"github.com/ineyio/quotagate/gatehttp"
	"github.com/ineyio/quotagate/ledger"
	"github.com/ineyio/quotagate/meter"
	"github.com/ineyio/quotagate/token"
)

func newTestServer(t *testing.T) (*httptest.Server, *quotagate.Gate) {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	led := ledger.NewMemory()
	require.NoError(t, led.SetPricing(ctx, quotagate.Pricing{Application: "ocr", Tier: quotagate.TierTrial, Credit: 2}))

	signer, err := token.NewHS256([]byte("secret"))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	prom, err := meter.NewPromMeter(reg)
	require.NoError(t, err)

	gate, err := quotagate.NewGate(cache.NewMemory(), led,
		quotagate.WithSigner(signer), quotagate.WithVerifier(signer),
		quotagate.WithMeter(prom), quotagate.WithLogger(log))
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(gate, reg, true, log))
	t.Cleanup(srv.Close)
	return srv, gate
}

func TestRouter_AsyncDispatch(t *testing.T) {
	srv, gate := newTestServer(t)
	ctx := context.Background()

	_, err := gate.Subscribe(ctx, quotagate.NewSubscription{Subscriber: "alice", Application: "ocr", Tier: quotagate.TierTrial})
	require.NoError(t, err)
	tok, err := gate.IssueToken(ctx, quotagate.Identity{ID: "alice", Role: quotagate.RoleUser}, "ocr", quotagate.TierTrial, 0)
	require.NoError(t, err)

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/async/ocr", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok.Raw)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body AsyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.RequestKey)
	assert.Equal(t, "ocr", body.Application)
	assert.Equal(t, int64(1), body.Remaining)
	assert.Equal(t, "1", resp.Header.Get(gatehttp.HeaderRemaining))

	assert.Equal(t, http.StatusAccepted, post().StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, post().StatusCode)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var states map[string]quotagate.HealthState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	assert.Equal(t, quotagate.HealthHealthy, states[quotagate.BackendLedger])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewLogger_Level(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, newLogger("bogus").Enabled(context.Background(), slog.LevelInfo))
}

func TestServe_StopsBackgroundWhenListenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	stopped := make(chan struct{})
	srv := &http.Server{Addr: ln.Addr().String(), ReadHeaderTimeout: time.Second}
	err = serve(context.Background(), srv, func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http server")

	select {
	case <-stopped:
	default:
		t.Fatal("background work still running after serve returned")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	started := make(chan struct{})
	srv := &http.Server{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}

	go func() {
		<-started
		cancel()
	}()
	err := serve(ctx, srv, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	select {
	case <-stopped:
	default:
		t.Fatal("background work still running after serve returned")
	}
}
