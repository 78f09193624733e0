// Package api exposes the ops HTTP surface: health, Prometheus metrics, and
// daily crawl statistics.
package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/spider"
)

var dayRe = regexp.MustCompile(`^\d{8}$`)

// NewRouter builds the ops router.
func NewRouter(stats spider.StatsStore, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Get("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		day := req.URL.Query().Get("day")
		if day != "" && !dayRe.MatchString(day) {
			writeError(w, http.StatusBadRequest, "day must be YYYYMMDD")
			return
		}

		snap, err := stats.Snapshot(req.Context(), day)
		if err != nil {
			logger.Error("stats snapshot failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
