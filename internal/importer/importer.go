package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

const (
	DefaultCSVURL = "https://static.nhtsa.gov/nhtsa/downloads/Safercar/Safercar_data.csv"

	// Durable option and transient keys.
	optLastImport   = "csv_last_import"
	optLastSuccess  = "csv_last_success"
	optLastError    = "csv_last_error"
	optCheckpoint   = "import_checkpoint"
	transientRemote = "csv_remote_modified"

	remoteProbeTTL = 24 * time.Hour
	datasetFile    = "nhtsa_ratings.csv"
)

// Sync outcome statuses.
const (
	StatusCurrent = "current"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ReasonCouldNotCheckRemote is reported when the dataset's modification time
// could not be determined.
const ReasonCouldNotCheckRemote = "could_not_check_remote"

// Store is the persistence the importer needs.
type Store interface {
	UpsertRating(ctx context.Context, key rating.Key, f rating.Fields, src rating.Source, ttl time.Duration) (bool, error)
	TruncateRatings(ctx context.Context) error
	GetOption(ctx context.Context, key string) (string, error)
	SetOption(ctx context.Context, key, value string) error
	DeleteOption(ctx context.Context, key string) error
	GetTransient(ctx context.Context, key string) (string, error)
	SetTransient(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteTransients(ctx context.Context, prefix string) (int64, error)
}

// Result is the outcome of a Sync.
type Result struct {
	Status   string `json:"status"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
	Reason   string `json:"reason,omitempty"`
}

// Status summarises the importer's persisted markers.
type Status struct {
	LastImport     *time.Time `json:"last_import,omitempty"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RemoteModified *time.Time `json:"remote_modified,omitempty"`
}

// Importer keeps the durable store in line with the published ratings CSV.
type Importer struct {
	store      Store
	csvURL     string
	dataDir    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Importer that downloads csvURL into dataDir.
func New(store Store, csvURL, dataDir string, timeout time.Duration, logger *slog.Logger) *Importer {
	if csvURL == "" {
		csvURL = DefaultCSVURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:      store,
		csvURL:     csvURL,
		dataDir:    dataDir,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CheckRemoteUpdated returns the dataset's Last-Modified time. The answer is
// cached for a day so the probe runs at most once per day. ok is false when
// the probe failed; the failure is logged, not returned.
func (im *Importer) CheckRemoteUpdated(ctx context.Context) (t time.Time, ok bool) {
	if raw, err := im.store.GetTransient(ctx, transientRemote); err == nil {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, im.csvURL, nil)
	if err != nil {
		im.logger.Warn("remote probe: building request", "url", im.csvURL, "error", err)
		return time.Time{}, false
	}
	resp, err := im.httpClient.Do(req)
	if err != nil {
		im.logger.Warn("remote probe failed", "url", im.csvURL, "error", err)
		return time.Time{}, false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		im.logger.Warn("remote probe: unexpected status", "url", im.csvURL, "status", resp.StatusCode)
		return time.Time{}, false
	}
	t, err = http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		im.logger.Warn("remote probe: no usable Last-Modified", "url", im.csvURL, "value", resp.Header.Get("Last-Modified"))
		return time.Time{}, false
	}
	t = t.UTC()

	if err := im.store.SetTransient(ctx, transientRemote, t.Format(time.RFC3339), remoteProbeTTL); err != nil {
		im.logger.Warn("remote probe: caching result", "error", err)
	}
	return t, true
}

// Sync downloads and imports the dataset when the remote copy is newer than
// the last import, or unconditionally when force is set.
//
// The last-import marker advances to the remote timestamp whether or not the
// import succeeds, so a file that cannot be parsed is not retried until the
// provider publishes a new one. The success marker is written, and any stored
// error cleared, only on success. A cancelled import leaves the marker alone
// and resumes from its checkpoint on the next run.
func (im *Importer) Sync(ctx context.Context, force bool) (Result, error) {
	remote, ok := im.CheckRemoteUpdated(ctx)
	if !ok {
		im.recordError(ctx, ReasonCouldNotCheckRemote)
		return Result{Status: StatusFailed, Reason: ReasonCouldNotCheckRemote}, nil
	}

	if !force {
		if last, err := im.optionTime(ctx, optLastImport); err != nil {
			return Result{}, err
		} else if last != nil && !remote.After(*last) {
			im.logger.Info("ratings dataset is current", "remote_modified", remote, "last_import", *last)
			return Result{Status: StatusCurrent}, nil
		}
	}

	path, err := im.download(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		im.logger.Error("ratings dataset download failed", "url", im.csvURL, "error", err)
		im.recordError(ctx, err.Error())
		return Result{Status: StatusFailed, Reason: err.Error()}, nil
	}

	stats, importErr := im.ImportFile(ctx, path)
	if importErr != nil && ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if err := im.store.SetOption(ctx, optLastImport, remote.Format(time.RFC3339)); err != nil {
		return Result{}, fmt.Errorf("recording last import: %w", err)
	}

	res := Result{Imported: stats.Imported, Skipped: stats.Skipped, Errors: stats.Errors}
	if importErr != nil {
		im.logger.Error("ratings import failed", "path", path, "error", importErr)
		im.recordError(ctx, importErr.Error())
		res.Status = StatusFailed
		res.Reason = importErr.Error()
		return res, nil
	}

	if err := im.store.SetOption(ctx, optLastSuccess, im.now().Format(time.RFC3339)); err != nil {
		return res, fmt.Errorf("recording import success: %w", err)
	}
	if err := im.store.DeleteOption(ctx, optLastError); err != nil {
		return res, fmt.Errorf("clearing import error: %w", err)
	}
	res.Status = StatusSuccess
	im.logger.Info("ratings import complete",
		"imported", stats.Imported, "skipped", stats.Skipped, "errors", stats.Errors, "protected", stats.Protected)
	return res, nil
}

// Reimport wipes every stored rating and the import markers, then runs a
// forced sync. Irreversible.
func (im *Importer) Reimport(ctx context.Context) (Result, error) {
	im.logger.Warn("reimport requested: truncating ratings")
	if err := im.store.TruncateRatings(ctx); err != nil {
		return Result{}, err
	}
	for _, key := range []string{optLastImport, optLastSuccess, optLastError, optCheckpoint} {
		if err := im.store.DeleteOption(ctx, key); err != nil {
			return Result{}, err
		}
	}
	if err := im.ForgetRemote(ctx); err != nil {
		return Result{}, err
	}
	return im.Sync(ctx, true)
}

// ForgetRemote drops the cached remote modification time so the next sync
// probes the dataset host again.
func (im *Importer) ForgetRemote(ctx context.Context) error {
	_, err := im.store.DeleteTransients(ctx, transientRemote)
	return err
}

// RemoteStatus reports the persisted import markers without probing the remote.
func (im *Importer) RemoteStatus(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.LastImport, err = im.optionTime(ctx, optLastImport); err != nil {
		return st, err
	}
	if st.LastSuccess, err = im.optionTime(ctx, optLastSuccess); err != nil {
		return st, err
	}
	if v, err := im.store.GetOption(ctx, optLastError); err == nil {
		st.LastError = v
	} else if !errors.Is(err, storage.ErrNotFound) {
		return st, err
	}
	if raw, err := im.store.GetTransient(ctx, transientRemote); err == nil {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			st.RemoteModified = &t
		}
	}
	return st, nil
}

// download fetches the dataset into the data directory and returns its path.
// The file is written beside its final name and renamed into place.
func (im *Importer) download(ctx context.Context) (string, error) {
	if err := os.MkdirAll(im.dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, im.csvURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := im.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading dataset: unexpected status %d", resp.StatusCode)
	}

	final := filepath.Join(im.dataDir, datasetFile)
	tmp, err := os.CreateTemp(im.dataDir, datasetFile+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("writing dataset: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("moving dataset into place: %w", err)
	}

	im.logger.Info("ratings dataset downloaded", "path", final, "bytes", n)
	return final, nil
}

func (im *Importer) recordError(ctx context.Context, msg string) {
	if err := im.store.SetOption(ctx, optLastError, msg); err != nil {
		im.logger.Warn("recording import error", "error", err)
	}
}

func (im *Importer) optionTime(ctx context.Context, key string) (*time.Time, error) {
	raw, err := im.store.GetOption(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing option %s: %w", key, err)
	}
	return &t, nil
}
