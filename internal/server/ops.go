package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/metrics"
)

// OpsHandler builds the operational mux: Prometheus metrics plus a health
// endpoint that pings the database.
func OpsHandler(db *sql.DB, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	metrics.Register(mux)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})

	return mux
}

// NewOpsServer binds the operational endpoint on the given port.
func NewOpsServer(port int, db *sql.DB, logger *zap.Logger) *ManagedServer {
	cfg := DefaultServerConfig(fmt.Sprintf(":%d", port), OpsHandler(db, logger), logger)
	return NewManagedServer("ops", cfg)
}
