package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout bounds each component check made by /health.
const healthCheckTimeout = 2 * time.Second

const mebibyte = 1 << 20

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Devices       DeviceMetrics    `json:"devices"`
	Sessions      SessionMetrics   `json:"sessions"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics counts registry entries. Unavailable lists remote devices
// whose host is not answering.
type DeviceMetrics struct {
	Total       int            `json:"total"`
	Available   int            `json:"available"`
	Unavailable []string       `json:"unavailable,omitempty"`
	ByOrigin    map[string]int `json:"by_origin"`
	ByClass     map[string]int `json:"by_class"`
}

type SessionMetrics struct {
	Active int `json:"active"`
}

type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func runtimeMetrics() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(ms.Alloc) / mebibyte,
		MemoryTotalMB: float64(ms.TotalAlloc) / mebibyte,
		NumGC:         ms.NumGC,
	}
}

func (s *Server) deviceMetrics() DeviceMetrics {
	m := DeviceMetrics{ByOrigin: map[string]int{}, ByClass: map[string]int{}}
	for _, e := range s.registry.List() {
		m.Total++
		m.ByOrigin[string(e.Origin)]++
		if e.Class != "" {
			m.ByClass[string(e.Class)]++
		}
		if e.Available {
			m.Available++
		} else {
			m.Unavailable = append(m.Unavailable, e.Name)
		}
	}
	return m
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       runtimeMetrics(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Devices:       s.deviceMetrics(),
	}
	if s.sessions != nil {
		out.Sessions.Active = len(s.sessions.Active())
	}
	if s.db != nil {
		st := s.db.Stats()
		out.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth runs every component check concurrently. One failure makes
// the service "degraded" with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		mu         sync.Mutex
		components = make(map[string]string, len(s.checks))
		g          errgroup.Group
	)
	for name, check := range s.checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()

			result := "ok"
			if err := check.HealthCheck(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			components[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status, code := "ok", http.StatusOK
	for _, result := range components {
		if result != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
