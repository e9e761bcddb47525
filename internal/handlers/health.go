package handlers

import (
	"context"
	"net/http"
	"time"

	"oidc-server/internal/utils"
)

// Health reports liveness together with storage reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	storageStatus := "ok"

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Errorf("❌ Storage health check failed: %v", err)
			status, code, storageStatus = "unhealthy", http.StatusServiceUnavailable, "unreachable"
		}
	}

	utils.WriteJSONResponse(w, code, map[string]interface{}{
		"status":     status,
		"storage":    storageStatus,
		"issuer":     h.engine.Issuer(),
		"timestamp":  time.Now().Unix(),
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	}, h.logger)
}
