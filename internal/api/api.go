// Package api serves run history over HTTP. It is read-only.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// RunReader is the slice of the store the API reads.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
	ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error)
}

// Options configures the handler.
type Options struct {
	AllowedOrigins []string
}

// NewHandler returns the runs API.
func NewHandler(runs RunReader, opts Options) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)
	r.Get("/runs", handleListRuns(runs))
	r.Get("/runs/{id}", handleGetRun(runs))
	r.Get("/runs/{id}/failures", handleListFailures(runs))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListRuns(runs RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := model.RunFilter{
			Status: model.RunStatus(r.URL.Query().Get("status")),
			Limit:  parseIntParam(r, "limit", defaultLimit, maxLimit),
		}

		list, err := runs.ListRuns(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list runs: %v", err)
			return
		}
		if list == nil {
			list = []model.Run{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetRun(runs RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := runs.GetRun(r.Context(), id)
		if eris.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListFailures(runs RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := runs.GetRun(r.Context(), id); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "run %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "failed to get run: %v", err)
			return
		}

		entries, err := runs.ListFailures(r.Context(), resilience.FailureFilter{
			RunID:     id,
			ErrorType: r.URL.Query().Get("error_type"),
			Limit:     parseIntParam(r, "limit", 100, 1000),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list failures: %v", err)
			return
		}
		if entries == nil {
			entries = []resilience.FailureEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"status":  code,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
