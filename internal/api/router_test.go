package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/hub"
	"github.com/parleychat/parley/internal/messages"
	"github.com/parleychat/parley/internal/ratelimit"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/users"
	"github.com/parleychat/parley/internal/utils"
)

func newTestRouter(t *testing.T) (http.Handler, []*breaker.Breaker) {
	t.Helper()
	logger := utils.NewLogger("error")
	mem := store.NewMemory()
	c := cache.New(nil, breaker.New("cache-"+t.Name()))
	t.Cleanup(c.Close)
	b := bus.NewLocal("instance-1")
	storeCB := breaker.New("store-" + t.Name())

	sessions, err := auth.NewSessionManager("test-secret")
	require.NoError(t, err)
	userReg := users.NewRegistry(mem, c, storeCB, sessions, logger)
	roomReg := rooms.NewRegistry(mem, c, nil, storeCB, b, logger)
	t.Cleanup(roomReg.Close)
	msgSvc := messages.NewService(mem, c, storeCB, b, roomReg, logger)

	h := hub.New("instance-1", userReg, roomReg, msgSvc, b, ratelimit.New(), logger)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	breakers := []*breaker.Breaker{storeCB}
	return NewRouter(h, mem, c, b, breakers, config.Load(), logger), breakers
}

func TestHealthzReportsOK(t *testing.T) {
	handler, _ := newTestRouter(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Checks["store"])
	assert.Equal(t, "ok", health.Checks["bus"])
	require.Len(t, health.Breakers, 1)
	assert.Equal(t, "closed", health.Breakers[0].State)
	assert.Greater(t, health.Memory.NumGoroutines, 0)
}

func TestHealthzDegradedWhenBreakerOpen(t *testing.T) {
	handler, breakers := newTestRouter(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	// Trip the store breaker with consecutive failures.
	for i := 0; i < 3; i++ {
		breakers[0].Execute(func() (interface{}, error) {
			return nil, assert.AnError
		}, nil)
	}
	require.True(t, breakers[0].Open())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	// The store itself still answers; only the breaker is unhappy.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "open", health.Breakers[0].State)
}

func TestMetricsEndpoint(t *testing.T) {
	handler, _ := newTestRouter(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketUpgradeThroughRouter(t *testing.T) {
	handler, _ := newTestRouter(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer sock.Close()

	var frame map[string]any
	require.NoError(t, sock.ReadJSON(&frame))
	assert.Equal(t, "system", frame["type"])
}
