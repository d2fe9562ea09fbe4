package importer

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

// ErrMissingColumns is returned when the CSV header lacks a required column.
var ErrMissingColumns = errors.New("csv: missing required columns")

// Stats counts the rows of one import.
type Stats struct {
	Imported  int `json:"imported"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Protected int `json:"protected"` // rows refused by source precedence
	Resumed   int `json:"resumed"`   // rows skipped by resuming from a checkpoint
}

type column int

const (
	colYear column = iota
	colMake
	colModel
	colOverall
	colFront
	colSide
	colRollover
	numColumns
)

var columnNames = [numColumns]string{"year", "make", "model", "overall", "front_crash", "side_crash", "rollover"}

// headerRule matches a normalized header name. Patterns are tried in order
// and the first header containing one wins.
type headerRule struct {
	col      column
	patterns []string
	exclude  []string
}

// Rules run in this order so broad patterns cannot take a column a more
// specific rule owns ("model" must not claim MODEL_YR).
var headerRules = []headerRule{
	{colYear, []string{"modelyr", "modelyear", "year", "yr"}, nil},
	{colOverall, []string{"overallstars", "overallrating", "overall"}, []string{"frnt", "front", "side"}},
	{colFront, []string{"overallfrntstars", "overallfrontstars", "frontcrash", "overallfront", "frnt", "front"}, nil},
	{colSide, []string{"overallsidestars", "sidecrash", "overallside", "side"}, []string{"pole"}},
	{colRollover, []string{"rolloverstars", "rolloverrating", "rollover"}, []string{"possib"}},
	{colMake, []string{"make"}, nil},
	{colModel, []string{"model"}, []string{"yr", "year"}},
}

var requiredColumns = []column{colYear, colMake, colModel, colOverall}

// mapColumns assigns header indexes to canonical columns. Unmapped columns
// are -1.
func mapColumns(header []string) ([numColumns]int, error) {
	var idx [numColumns]int
	for i := range idx {
		idx[i] = -1
	}

	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = normalizeHeader(h)
	}
	used := make([]bool, len(header))

	for _, rule := range headerRules {
	patterns:
		for _, p := range rule.patterns {
			for i, h := range norm {
				if used[i] || !strings.Contains(h, p) || containsAny(h, rule.exclude) {
					continue
				}
				idx[rule.col] = i
				used[i] = true
				break patterns
			}
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if idx[c] < 0 {
			missing = append(missing, columnNames[c])
		}
	}
	if len(missing) > 0 {
		return idx, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return idx, nil
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ImportFile merges the CSV at path into the durable store as permanent csv
// records. Rows without a year, make or model are skipped; rows that fail to
// parse or store are counted as errors. Neither stops the import.
//
// Progress is checkpointed after every stored row. A later call on the same
// file resumes after the checkpoint; the checkpoint is cleared once the file
// is fully processed. Cancelling ctx stops the import between rows.
func (im *Importer) ImportFile(ctx context.Context, path string) (Stats, error) {
	var stats Stats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fp, err := fingerprint(f)
	if err != nil {
		return stats, err
	}
	resumeAfter, err := im.checkpoint(ctx, fp)
	if err != nil {
		return stats, err
	}
	if resumeAfter > 0 {
		im.logger.Info("resuming import from checkpoint", "path", path, "row", resumeAfter)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return stats, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return stats, fmt.Errorf("reading header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return stats, err
	}

	for row := 1; ; row++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if row <= resumeAfter {
			stats.Resumed++
			continue
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				im.logger.Warn("csv row unreadable", "row", row, "error", err)
				stats.Errors++
				continue
			}
			return stats, fmt.Errorf("reading row %d: %w", row, err)
		}

		key, fields, ok := parseRow(rec, cols)
		if !ok {
			stats.Skipped++
			continue
		}

		applied, err := im.store.UpsertRating(ctx, key, fields, rating.SourceCSV, 0)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			im.logger.Warn("csv row not stored", "row", row, "year", key.Year, "make", key.Make, "model", key.Model, "error", err)
			stats.Errors++
			continue
		}
		stats.Imported++
		if !applied {
			stats.Protected++
		}

		if err := im.store.SetOption(ctx, optCheckpoint, fmt.Sprintf("%s:%d", fp, row)); err != nil {
			im.logger.Warn("writing import checkpoint", "row", row, "error", err)
		}
	}

	if err := im.store.DeleteOption(ctx, optCheckpoint); err != nil {
		im.logger.Warn("clearing import checkpoint", "error", err)
	}
	return stats, nil
}

// parseRow extracts the key and rating fields from one CSV record. ok is
// false when year, make or model is missing or the year is not a number.
func parseRow(rec []string, cols [numColumns]int) (rating.Key, rating.Fields, bool) {
	get := func(c column) string {
		i := cols[c]
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	year, err := strconv.Atoi(get(colYear))
	if err != nil {
		return rating.Key{}, rating.Fields{}, false
	}
	key := rating.NewKey(year, get(colMake), get(colModel))
	if !key.Valid() {
		return rating.Key{}, rating.Fields{}, false
	}

	return key, rating.Fields{
		Overall:    rating.ParseStars(get(colOverall)),
		FrontCrash: rating.ParseStars(get(colFront)),
		SideCrash:  rating.ParseStars(get(colSide)),
		Rollover:   rating.ParseStars(get(colRollover)),
	}, true
}

// fingerprint identifies a file by content so a re-downloaded copy of the same
// dataset resumes from its checkpoint. f is rewound afterwards.
func fingerprint(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding %s: %w", f.Name(), err)
	}
	return hex.EncodeToString(h.Sum(nil)[:12]), nil
}

// checkpoint returns the last row stored from the file fingerprinted fp, or 0.
func (im *Importer) checkpoint(ctx context.Context, fp string) (int, error) {
	raw, err := im.store.GetOption(ctx, optCheckpoint)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading import checkpoint: %w", err)
	}
	i := strings.LastIndex(raw, ":")
	if i < 0 || raw[:i] != fp {
		return 0, nil
	}
	row, err := strconv.Atoi(raw[i+1:])
	if err != nil {
		return 0, nil
	}
	return row, nil
}
