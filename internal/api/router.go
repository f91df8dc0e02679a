// Package api exposes the HTTP surface: the websocket endpoint, a health
// probe and Prometheus metrics. All chat traffic flows over /ws; the rest is
// operational.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/hub"
	"github.com/parleychat/parley/internal/middleware"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
)

type Router struct {
	mux      *http.ServeMux
	hub      *hub.Hub
	store    store.Store
	cache    *cache.Cache
	bus      bus.Bus
	breakers []*breaker.Breaker
	cfg      *config.Config
	logger   *utils.Logger
}

// NewRouter wires the HTTP mux. breakers is the set of circuit breakers the
// health probe reports on.
func NewRouter(h *hub.Hub, st store.Store, c *cache.Cache, b bus.Bus, breakers []*breaker.Breaker, cfg *config.Config, logger *utils.Logger) http.Handler {
	r := &Router{
		mux:      http.NewServeMux(),
		hub:      h,
		store:    st,
		cache:    c,
		bus:      b,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
	}

	r.mux.HandleFunc("/ws", h.HandleWS)
	r.mux.HandleFunc("/healthz", r.HealthzHandler)
	r.mux.Handle("/metrics", promhttp.Handler())

	return middleware.Tracing(middleware.RequestID(r.mux))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
