package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/utils"
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks"`
	Breakers    []breaker.Report  `json:"breakers"`
	Cache       cache.Stats       `json:"cache"`
	Memory      MemoryStats       `json:"memory"`
}

// MemoryStats reports process heap usage and host memory pressure.
type MemoryStats struct {
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapSysMB     float64 `json:"heap_sys_mb"`
	NumGoroutines int     `json:"num_goroutines"`
	HostUsedPct   float64 `json:"host_used_pct"`
}

// HealthzHandler reports liveness plus a dependency rundown. A failing store
// or an open breaker degrades the status; the process itself stays up, so the
// response is 503 only when the store is unreachable.
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := r.store.Health(ctx); err != nil {
		checks["store"] = err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if err := r.bus.Ping(ctx); err != nil {
		checks["bus"] = err.Error()
		status = "degraded"
	} else {
		checks["bus"] = "ok"
	}

	reports := make([]breaker.Report, 0, len(r.breakers))
	for _, b := range r.breakers {
		rep := b.Report()
		if rep.State != "closed" {
			status = "degraded"
		}
		reports = append(reports, rep)
	}

	resp := HealthResponse{
		Status:      status,
		Uptime:      r.hub.Uptime().Round(time.Second).String(),
		Connections: r.hub.ConnectionCount(),
		Checks:      checks,
		Breakers:    reports,
		Cache:       r.cache.Stats(),
		Memory:      readMemoryStats(),
	}

	utils.RespondJSON(w, httpStatus, resp)
}

func readMemoryStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
		HeapSysMB:     float64(ms.HeapSys) / (1 << 20),
		NumGoroutines: runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.HostUsedPct = vm.UsedPercent
	}
	return stats
}
