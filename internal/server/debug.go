package server

import (
	"net/http"
	"time"
)

// handleDebugStatus reports service wiring and session cache counters.
// Mounted only when server.debug is enabled.
func (s *server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"timestamp":  time.Now().Unix(),
		"debug_mode": true,
		"agents":     s.deps.AgentNames,
		"history": map[string]any{
			"enabled": s.deps.History != nil && s.deps.History.Enabled(),
		},
	}
	if s.deps.Sessions != nil {
		stats := s.deps.Sessions.Stats()
		info["cache_stats"] = map[string]any{
			"cache_size":       stats.Size,
			"cache_maxsize":    stats.MaxSize,
			"cache_ttl":        stats.TTL.Seconds(),
			"evictions":        stats.Evictions,
			"cleanup_failures": stats.CleanupFailures,
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDebugCache dumps the session cache keys for inspection.
func (s *server) handleDebugCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"cache_status": "not_initialized",
			"message":      "Session cache has not been initialized yet",
		})
		return
	}
	stats := s.deps.Sessions.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":     time.Now().Unix(),
		"cache_size":    stats.Size,
		"cache_maxsize": stats.MaxSize,
		"cache_ttl":     stats.TTL.Seconds(),
		"cache_keys":    s.deps.Sessions.Keys(),
	})
}
