package nhtsa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/vsr/internal/rating"
)

const (
	DefaultBaseURL = "https://api.nhtsa.gov/SafetyRatings"
	DefaultTimeout = 15 * time.Second

	maxBodyBytes = 4 << 20
)

// ErrNetwork marks transport, DNS, TLS and timeout failures. These are
// retriable; every other outcome of a fetch is either data or "no data".
var ErrNetwork = errors.New("nhtsa: network error")

// Client queries the NHTSA safety ratings API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client targeting baseURL. A zero timeout uses DefaultTimeout.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// response mirrors the envelope every SafetyRatings endpoint returns.
type response struct {
	Count   int      `json:"Count"`
	Message string   `json:"Message"`
	Results []result `json:"Results"`
}

// result holds the provider fields we read. Rating values arrive as strings
// ("5", "Not Rated") on some endpoints and numbers on others.
type result struct {
	ModelYear               any    `json:"ModelYear"`
	Make                    string `json:"Make"`
	Model                   string `json:"Model"`
	VehicleID               int64  `json:"VehicleId"`
	VehicleDescription      string `json:"VehicleDescription"`
	VehiclePicture          string `json:"VehiclePicture"`
	OverallRating           any    `json:"OverallRating"`
	OverallFrontCrashRating any    `json:"OverallFrontCrashRating"`
	OverallSideCrashRating  any    `json:"OverallSideCrashRating"`
	RolloverRating          any    `json:"RolloverRating"`
}

func (r result) hasRatingFields() bool {
	return r.OverallRating != nil || r.OverallFrontCrashRating != nil ||
		r.OverallSideCrashRating != nil || r.RolloverRating != nil
}

// fields maps provider names onto the canonical rating fields.
func (r result) fields() rating.Fields {
	return rating.Fields{
		Overall:        rating.ParseStarsValue(r.OverallRating),
		FrontCrash:     rating.ParseStarsValue(r.OverallFrontCrashRating),
		SideCrash:      rating.ParseStarsValue(r.OverallSideCrashRating),
		Rollover:       rating.ParseStarsValue(r.RolloverRating),
		VehiclePicture: strings.TrimSpace(r.VehiclePicture),
	}
}

// FetchRating looks up the rating for key. It returns (nil, nil) when the API
// has no data for the vehicle: a non-200 status or an empty result set.
// Transport failures wrap ErrNetwork.
//
// The model-year endpoint usually lists only vehicle ids; when the first
// result carries no rating fields the vehicle-id endpoint is queried for it.
func (c *Client) FetchRating(ctx context.Context, key rating.Key) (*rating.Record, error) {
	path := fmt.Sprintf("/modelyear/%d/make/%s/model/%s",
		key.Year, url.PathEscape(key.Make), url.PathEscape(key.Model))

	res, err := c.first(ctx, path)
	if err != nil || res == nil {
		return nil, err
	}

	if !res.hasRatingFields() && res.VehicleID != 0 {
		detail, err := c.first(ctx, "/VehicleId/"+strconv.FormatInt(res.VehicleID, 10))
		if err != nil {
			return nil, err
		}
		if detail == nil {
			return nil, nil
		}
		res = detail
	}

	rec := &rating.Record{
		Year:   key.Year,
		Make:   key.Make,
		Model:  key.Model,
		Fields: res.fields(),
		Source: rating.SourceAPI,
	}
	c.logger.Debug("nhtsa rating fetched",
		"year", key.Year, "make", key.Make, "model", key.Model,
		"vehicle_id", res.VehicleID, "rated", rec.HasRating())
	return rec, nil
}

// ListModels returns the model names the API knows for year and make,
// deduplicated case-insensitively in response order.
func (c *Client) ListModels(ctx context.Context, year int, mk string) ([]string, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/modelyear/%d/make/%s", year, url.PathEscape(mk)))
	if err != nil || resp == nil {
		return nil, err
	}

	seen := make(map[string]bool, len(resp.Results))
	var models []string
	for _, r := range resp.Results {
		m := strings.TrimSpace(r.Model)
		if m == "" || seen[strings.ToLower(m)] {
			continue
		}
		seen[strings.ToLower(m)] = true
		models = append(models, m)
	}
	return models, nil
}

func (c *Client) first(ctx context.Context, path string) (*result, error) {
	resp, err := c.get(ctx, path)
	if err != nil || resp == nil || len(resp.Results) == 0 {
		return nil, err
	}
	return &resp.Results[0], nil
}

// get performs a GET against path. A nil response with nil error means the
// API answered with a non-200 status.
func (c *Client) get(ctx context.Context, path string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?format=json", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		c.logger.Debug("nhtsa non-200 treated as no data", "path", path, "status", resp.StatusCode)
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetwork, path, err)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &out, nil
}
