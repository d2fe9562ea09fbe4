package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/vsr/internal/nhtsa"
	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

type mockFetcher struct {
	fn    func(key rating.Key) (*rating.Record, error)
	calls []rating.Key
}

func (m *mockFetcher) FetchLive(ctx context.Context, key rating.Key) (*rating.Record, error) {
	m.calls = append(m.calls, key)
	return m.fn(key)
}

type mockLister struct {
	models map[string][]string
	err    error
}

func (m *mockLister) ListModels(ctx context.Context, year int, mk string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.models[fmt.Sprintf("%d/%s", year, mk)], nil
}

func openTestStore(t *testing.T) (*storage.Store, *time.Time) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	return s, &now
}

var testCfg = Config{BatchSize: 10, MaxAttempts: 3, RetryBase: time.Minute}

func TestRunBatch_RecordsOutcomes(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, m := range []string{"Civic", "Prelude", "Accord"} {
		s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", m))
	}

	f := &mockFetcher{fn: func(key rating.Key) (*rating.Record, error) {
		switch key.Model {
		case "Civic":
			return &rating.Record{Fields: rating.Fields{Overall: rating.Stars(5)}}, nil
		case "Prelude":
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: connection reset", nhtsa.ErrNetwork)
		}
	}}
	w := NewWorker(s, f, &mockLister{}, testCfg, nil)

	res, err := w.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if res.Processed != 3 || res.Success != 1 || res.NoData != 1 || res.Failed != 1 {
		t.Errorf("res = %+v", res)
	}

	counts, _ := s.SyncCounts(ctx)
	if counts.Success != 1 || counts.NoData != 1 || counts.Failed != 1 || counts.Syncing != 0 {
		t.Errorf("counts = %+v", counts)
	}

	e, _ := s.GetSyncEntry(ctx, rating.NewKey(2024, "Honda", "Accord"))
	if e.ErrorMessage == "" || e.NextAttemptAt == nil {
		t.Errorf("failed entry = %+v, want error and retry time", e)
	}

	// Lock is released after the batch.
	if ok, _ := s.AcquireLock(ctx, batchLock, "other-session", time.Minute); !ok {
		t.Error("batch lock still held after RunBatch")
	}
}

func TestRunBatch_StopsAfterMaxAttempts(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2024, "Honda", "Civic")
	s.EnsureSyncEntry(ctx, key)

	f := &mockFetcher{fn: func(rating.Key) (*rating.Record, error) {
		return nil, fmt.Errorf("%w: timeout", nhtsa.ErrNetwork)
	}}
	w := NewWorker(s, f, &mockLister{}, testCfg, nil)

	for i := 0; i < 5; i++ {
		if _, err := w.RunBatch(ctx); err != nil {
			t.Fatalf("RunBatch %d: %v", i, err)
		}
		*now = now.Add(time.Hour)
	}

	if len(f.calls) != 3 {
		t.Errorf("fetch attempts = %d, want 3", len(f.calls))
	}
	e, _ := s.GetSyncEntry(ctx, key)
	if e.Status != storage.SyncFailed || e.NextAttemptAt != nil || e.AttemptCount != 3 {
		t.Errorf("entry = %+v, want terminal failure after 3 attempts", e)
	}

	n, err := w.ResetFailures(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetFailures = %d, %v", n, err)
	}
	w.RunBatch(ctx)
	if len(f.calls) != 4 {
		t.Errorf("fetch attempts after reset = %d, want 4", len(f.calls))
	}
}

func TestRunBatch_BusyWhenSessionHeld(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", "Civic"))
	s.AcquireLock(ctx, batchLock, "other-process", time.Minute)

	f := &mockFetcher{fn: func(rating.Key) (*rating.Record, error) { return nil, nil }}
	w := NewWorker(s, f, &mockLister{}, testCfg, nil)

	res, err := w.RunBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Busy || len(f.calls) != 0 {
		t.Errorf("res = %+v calls = %d, want busy with no fetches", res, len(f.calls))
	}
}

func TestRunBatch_RespectsBatchSize(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", fmt.Sprintf("Model %d", i)))
	}
	f := &mockFetcher{fn: func(rating.Key) (*rating.Record, error) { return nil, nil }}
	w := NewWorker(s, f, &mockLister{}, Config{}, nil)

	res, _ := w.RunBatch(ctx)
	if res.Processed != DefaultBatchSize {
		t.Errorf("Processed = %d, want %d", res.Processed, DefaultBatchSize)
	}
}

func TestRunBatch_CancelledMidFetchDoesNotCountAttempt(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	key := rating.NewKey(2024, "Honda", "Civic")
	s.EnsureSyncEntry(ctx, key)

	f := &mockFetcher{fn: func(rating.Key) (*rating.Record, error) {
		cancel()
		return nil, context.Canceled
	}}
	w := NewWorker(s, f, &mockLister{}, testCfg, nil)

	if _, err := w.RunBatch(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	e, _ := s.GetSyncEntry(context.Background(), key)
	if e.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", e.AttemptCount)
	}
}

func TestDiscoverVehicles(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for _, m := range []string{"Civic", "CRV", "Fit"} {
		s.AddCatalogVehicle(ctx, rating.NewKey(2024, "Honda", m))
	}
	s.AddCatalogVehicle(ctx, rating.NewKey(2024, "Toyota", "Camry"))

	lister := &mockLister{models: map[string][]string{
		"2024/Honda":  {"CIVIC", "CR-V", "ACCORD"},
		"2024/Toyota": {"CAMRY", "COROLLA"},
	}}
	w := NewWorker(s, &mockFetcher{}, lister, testCfg, nil)

	res, err := w.DiscoverVehicles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.YearMakes != 2 || res.Matched != 3 || res.Created != 3 || res.Unmatched != 1 {
		t.Errorf("res = %+v", res)
	}

	e, err := s.GetSyncEntry(ctx, rating.NewKey(2024, "Honda", "CR-V"))
	if err != nil {
		t.Fatalf("CR-V entry: %v", err)
	}
	if e.Model != "CR-V" || e.Status != storage.SyncPending {
		t.Errorf("entry = %+v, want pending CR-V under the api name", e)
	}

	again, _ := w.DiscoverVehicles(ctx)
	if again.Created != 0 {
		t.Errorf("second discovery created %d entries", again.Created)
	}
}

func TestDiscoverVehicles_ListErrorIsCounted(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	s.AddCatalogVehicle(ctx, rating.NewKey(2024, "Honda", "Civic"))

	w := NewWorker(s, &mockFetcher{}, &mockLister{err: errors.New("boom")}, testCfg, nil)
	res, err := w.DiscoverVehicles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != 1 || res.Created != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestMatchModel(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
		wantOK     bool
	}{
		{"Civic", []string{"CIVIC", "ACCORD"}, "CIVIC", true},
		{"CRV", []string{"CR-V", "HR-V"}, "CR-V", true},
		{"F 150", []string{"F-150", "F-250"}, "F-150", true},
		{"Camry Hybrid", []string{"CAMRY", "CAMRY HYBRID"}, "CAMRY HYBRID", true},
		{"Corola", []string{"COROLLA"}, "COROLLA", true},
		{"CRX", []string{"CR-Z", "CR-V"}, "CR-V", true}, // tie at distance 1
		{"Fit", []string{"CIVIC", "CR-V"}, "", false},
		{"", []string{"CIVIC"}, "", false},
		{"Civic", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchModel(tt.name, tt.candidates)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("MatchModel(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
