package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantfold/stockdata/internal/apperr"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleCacheStats reports the cache population grouped by entity kind.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.CacheStats())
}

// SystemStatsResponse is the monitoring snapshot of the host process.
type SystemStatsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int     `json:"uptime_seconds"`
}

// handleSystemStats reports host CPU and memory usage.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatsResponse{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int(time.Since(s.startedAt).Seconds()),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = memStat.UsedPercent
		resp.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
		resp.MemoryTotalMB = float64(memStat.Total) / 1024 / 1024
	} else {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleInvalidateCache clears cached entries by key prefix. An empty
// prefix clears everything.
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	removed := s.orchestrator.InvalidateCache(prefix)
	s.log.Info().Str("prefix", prefix).Int("removed", removed).Msg("Cache invalidated by operator")
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleResetRateLimit clears the rate window for a subject.
func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"` // "user:<id>" or "api_key:<key_id>"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeError(w, s.log, apperr.Validation("subject", "subject is required"))
		return
	}
	s.admission.ResetQuota(req.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
