package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/resolver"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Lookuper resolves ratings for a year, make and model prefix.
type Lookuper interface {
	Lookup(ctx context.Context, year int, mk, modelPrefix string) ([]resolver.Resolution, error)
}

// RatingResult is one row of a lookup response.
type RatingResult struct {
	rating.Record
	Tier resolver.Tier `json:"tier"`
}

// LookupResponse is the body of GET /ratings.
type LookupResponse struct {
	Status  string         `json:"status"`
	Results []RatingResult `json:"results"`
}

// Deps holds what the HTTP surface serves from.
type Deps struct {
	Ratings Lookuper
	Admin   Maintainer
	Token   string
	Logger  *slog.Logger
}

// NewHandler returns the service router: unauthenticated /health and
// /ratings, and the bearer-protected /admin routes.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", handleHealth)
	r.Get("/ratings", handleLookup(deps))
	r.Mount("/admin", newAdminHandler(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleLookup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		year, err := strconv.Atoi(q.Get("year"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "year must be an integer")
			return
		}
		mk := strings.TrimSpace(q.Get("make"))
		model := strings.TrimSpace(q.Get("model"))
		if mk == "" || model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "make and model are required")
			return
		}

		res, err := deps.Ratings.Lookup(r.Context(), year, mk, model)
		switch {
		case errors.Is(err, resolver.ErrInvalidKey):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, resolver.ErrNoRating):
			writeJSON(w, http.StatusNotFound, LookupResponse{Status: "no_rating", Results: []RatingResult{}})
			return
		case errors.Is(err, resolver.ErrUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, LookupResponse{Status: "unavailable", Results: []RatingResult{}})
			return
		case err != nil:
			deps.Logger.Error("rating lookup failed", "year", year, "make", mk, "model", model, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "lookup failed")
			return
		}

		out := LookupResponse{Status: "ok", Results: make([]RatingResult, 0, len(res))}
		for _, rr := range res {
			out.Results = append(out.Results, RatingResult{Record: *rr.Record, Tier: rr.Tier})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
