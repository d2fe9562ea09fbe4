package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vsr/internal/app"
	"github.com/kalambet/vsr/internal/health"
	"github.com/kalambet/vsr/internal/importer"
	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/reconcile"
	"github.com/kalambet/vsr/internal/resolver"
)

// Maintainer is the set of operator actions. *app.App satisfies it.
type Maintainer interface {
	SyncNow(ctx context.Context, force bool) (importer.Result, error)
	Reimport(ctx context.Context) (importer.Result, error)
	ClearCaches(ctx context.Context) (int64, error)
	ResetFailures(ctx context.Context) (int64, error)
	Status(ctx context.Context) (app.Status, error)
	Validate(ctx context.Context) (health.Validation, error)
	Discover(ctx context.Context) (reconcile.DiscoverResult, error)
	Batch(ctx context.Context) (reconcile.BatchResult, error)
	AddCatalogVehicle(ctx context.Context, key rating.Key) error
	SetManualRating(ctx context.Context, key rating.Key, f rating.Fields) (*rating.Record, error)
}

// VehicleRequest identifies a vehicle in admin request bodies.
type VehicleRequest struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
}

// ManualRatingRequest is the body of PUT /admin/ratings. Star values are
// strings or numbers; anything outside 1-5 is stored as absent.
type ManualRatingRequest struct {
	VehicleRequest
	Overall        any    `json:"overall_rating"`
	FrontCrash     any    `json:"front_crash"`
	SideCrash      any    `json:"side_crash"`
	Rollover       any    `json:"rollover"`
	VehiclePicture string `json:"vehicle_picture"`
}

func newAdminHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/sync", handleSync(deps))
	r.Post("/reimport", handleReimport(deps))
	r.Post("/cache/clear", handleClearCache(deps))
	r.Post("/failures/reset", handleResetFailures(deps))
	r.Get("/health", handleAdminHealth(deps))
	r.Post("/validate", handleValidate(deps))
	r.Post("/discover", handleDiscover(deps))
	r.Post("/batch", handleBatch(deps))
	r.Post("/catalog", handleAddCatalog(deps))
	r.Put("/ratings", handleManualRating(deps))

	return r
}

// Maintenance runs to completion once started; a disconnecting client must
// not leave an import half applied.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		res, err := deps.Admin.SyncNow(detach(r), force)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleReimport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reimport wipes every stored rating; repeat with confirm=true")
			return
		}
		res, err := deps.Admin.Reimport(detach(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reimport failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Admin.ClearCaches(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing caches: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "entries": n})
	}
}

func handleResetFailures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Admin.ResetFailures(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resetting failures: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "entries": n})
	}
}

func handleAdminHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Admin.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading health: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleValidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Admin.Validate(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "validation failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleDiscover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Admin.Discover(detach(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "discovery failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Admin.Batch(detach(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "batch failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleAddCatalog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VehicleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		key := rating.NewKey(req.Year, req.Make, req.Model)
		if err := deps.Admin.AddCatalogVehicle(r.Context(), key); err != nil {
			writeAdminError(w, "adding catalog vehicle", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "vehicle": key.String()})
	}
}

func handleManualRating(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ManualRatingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		f := rating.Fields{
			Overall:        rating.ParseStarsValue(req.Overall),
			FrontCrash:     rating.ParseStarsValue(req.FrontCrash),
			SideCrash:      rating.ParseStarsValue(req.SideCrash),
			Rollover:       rating.ParseStarsValue(req.Rollover),
			VehiclePicture: req.VehiclePicture,
		}
		rec, err := deps.Admin.SetManualRating(r.Context(), rating.NewKey(req.Year, req.Make, req.Model), f)
		if err != nil {
			writeAdminError(w, "storing manual rating", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeAdminError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, resolver.ErrInvalidKey) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "year, make and model are required")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
}
