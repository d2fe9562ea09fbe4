package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/vsr/internal/rating"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock returns a settable clock for expiry tests.
func fixedClock(s *Store, start time.Time) *time.Time {
	now := start
	s.SetClock(func() time.Time { return now })
	return &now
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_ratings_source", "idx_sync_log_status_next", "idx_transients_expires"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("query index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestGetRating_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRating(context.Background(), rating.NewKey(2024, "Honda", "Civic"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertRating_RoundTripAndCaseInsensitiveIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := rating.Fields{Overall: rating.Stars(5), FrontCrash: rating.Stars(4), VehiclePicture: "https://img/civic.jpg"}
	if _, err := s.UpsertRating(ctx, rating.NewKey(2024, "HONDA", "Civic"), f, rating.SourceCSV, 0); err != nil {
		t.Fatalf("UpsertRating: %v", err)
	}

	got, err := s.GetRating(ctx, rating.NewKey(2024, "honda", "CIVIC"))
	if err != nil {
		t.Fatalf("GetRating: %v", err)
	}
	if got.Make != "HONDA" {
		t.Errorf("Make = %q, want case preserved HONDA", got.Make)
	}
	if got.Overall == nil || *got.Overall != 5 {
		t.Errorf("Overall = %v, want 5", got.Overall)
	}
	if got.SideCrash != nil {
		t.Errorf("SideCrash = %v, want absent", *got.SideCrash)
	}
	if got.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want permanent", got.ExpiresAt)
	}
	if got.VehiclePicture != "https://img/civic.jpg" {
		t.Errorf("VehiclePicture = %q", got.VehiclePicture)
	}

	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM ratings`).Scan(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestUpsertRating_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2024, "Honda", "Civic")
	f := rating.Fields{Overall: rating.Stars(5)}

	for i := 0; i < 2; i++ {
		if _, err := s.UpsertRating(ctx, key, f, rating.SourceCSV, 0); err != nil {
			t.Fatalf("UpsertRating %d: %v", i, err)
		}
	}

	st, err := s.RatingStats(ctx)
	if err != nil {
		t.Fatalf("RatingStats: %v", err)
	}
	if st.Total != 1 || st.Rated != 1 || st.CSV != 1 {
		t.Errorf("stats = %+v, want one rated csv row", st)
	}
}

func TestUpsertRating_CSVBlankDoesNotOverwriteAPI(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2023, "Toyota", "Camry")

	if _, err := s.UpsertRating(ctx, key, rating.Fields{}, rating.SourceCSV, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(5)}, rating.SourceAPI, 30*24*time.Hour); err != nil {
		t.Fatal(err)
	}

	applied, err := s.UpsertRating(ctx, key, rating.Fields{}, rating.SourceCSV, 0)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("blank csv write over api record reported applied")
	}

	got, err := s.GetRating(ctx, key)
	if err != nil {
		t.Fatalf("GetRating: %v", err)
	}
	if got.Source != rating.SourceAPI {
		t.Errorf("Source = %q, want api", got.Source)
	}
	if got.Overall == nil || *got.Overall != 5 {
		t.Errorf("Overall = %v, want 5", got.Overall)
	}
}

func TestUpsertRating_CSVBlankOverAPIBlankIsRefused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2023, "Toyota", "Camry")

	if _, err := s.UpsertRating(ctx, key, rating.Fields{FrontCrash: rating.Stars(4)}, rating.SourceAPI, time.Hour); err != nil {
		t.Fatal(err)
	}
	applied, err := s.UpsertRating(ctx, key, rating.Fields{}, rating.SourceCSV, 0)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("blank csv write over api record reported applied")
	}
}

func TestUpsertRating_APIBlankDoesNotDowngradeAPIRating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2022, "Ford", "F-150")

	if _, err := s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(4)}, rating.SourceAPI, time.Hour); err != nil {
		t.Fatal(err)
	}
	applied, err := s.UpsertRating(ctx, key, rating.Fields{}, rating.SourceAPI, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("blank api write over rated api record reported applied")
	}
	got, _ := s.GetRating(ctx, key)
	if got == nil || got.Overall == nil || *got.Overall != 4 {
		t.Errorf("rating downgraded: %+v", got)
	}
}

func TestUpsertRating_CSVWithRatingOverwritesAPI(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2022, "Ford", "Escape")

	s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(3)}, rating.SourceAPI, time.Hour)
	applied, err := s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(4)}, rating.SourceCSV, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("rated csv write was refused")
	}
	got, _ := s.GetRating(ctx, key)
	if got.Source != rating.SourceCSV || *got.Overall != 4 || got.ExpiresAt != nil {
		t.Errorf("got %+v, want permanent csv 4", got)
	}
}

func TestUpsertRating_CSVBlankOverwritesCSV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := rating.NewKey(2021, "Kia", "Soul")

	s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(4)}, rating.SourceCSV, 0)
	applied, _ := s.UpsertRating(ctx, key, rating.Fields{}, rating.SourceCSV, 0)
	if !applied {
		t.Fatal("csv write over csv record was refused")
	}
	got, _ := s.GetRating(ctx, key)
	if got.Overall != nil {
		t.Errorf("Overall = %v, want absent", *got.Overall)
	}
}

func TestUpsertRating_RejectsInvalidInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertRating(ctx, rating.NewKey(2024, "", "Civic"), rating.Fields{}, rating.SourceCSV, 0); err == nil {
		t.Error("expected error for blank make")
	}
	if _, err := s.UpsertRating(ctx, rating.NewKey(2024, "Honda", "Civic"), rating.Fields{}, rating.Source("feed"), 0); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestGetRating_ExpiredFallsBackToStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	key := rating.NewKey(2020, "Mazda", "CX-5")

	if _, err := s.UpsertRating(ctx, key, rating.Fields{Overall: rating.Stars(5)}, rating.SourceAPI, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRating(ctx, key); err != nil {
		t.Fatalf("fresh GetRating: %v", err)
	}

	*now = now.Add(2 * time.Hour)

	if _, err := s.GetRating(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired GetRating err = %v, want ErrNotFound", err)
	}
	stale, err := s.GetStaleRating(ctx, key)
	if err != nil {
		t.Fatalf("GetStaleRating: %v", err)
	}
	if stale.Overall == nil || *stale.Overall != 5 {
		t.Errorf("stale Overall = %v, want 5", stale.Overall)
	}

	st, _ := s.RatingStats(ctx)
	if st.Expired != 1 {
		t.Errorf("Expired = %d, want 1", st.Expired)
	}
}

func TestFindRatingKeys_PrefixVariants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, m := range []string{"Camry", "Camry Hybrid", "Corolla", "Camry_X"} {
		s.UpsertRating(ctx, rating.NewKey(2023, "Toyota", m), rating.Fields{}, rating.SourceCSV, 0)
	}

	keys, err := s.FindRatingKeys(ctx, 2023, "toyota", "camry")
	if err != nil {
		t.Fatalf("FindRatingKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("got %d keys, want 3: %+v", len(keys), keys)
	}
	if keys[0].Model != "Camry" || keys[1].Model != "Camry Hybrid" {
		t.Errorf("keys = %+v", keys)
	}

	keys, _ = s.FindRatingKeys(ctx, 2023, "Toyota", "Camry_")
	if len(keys) != 1 {
		t.Errorf("underscore should match literally, got %+v", keys)
	}
}

func TestTruncateRatings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertRating(ctx, rating.NewKey(2023, "Toyota", "Camry"), rating.Fields{}, rating.SourceCSV, 0)
	if err := s.TruncateRatings(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := s.RatingStats(ctx)
	if st.Total != 0 {
		t.Errorf("Total = %d after truncate", st.Total)
	}
}

// --- Sync log ---

func TestSyncLog_RetryBackoffAndTerminalFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	key := rating.NewKey(2024, "Honda", "Civic")

	created, err := s.EnsureSyncEntry(ctx, key)
	if err != nil || !created {
		t.Fatalf("EnsureSyncEntry = %v, %v", created, err)
	}
	if created, _ := s.EnsureSyncEntry(ctx, key); created {
		t.Error("second EnsureSyncEntry created a duplicate")
	}

	const base = time.Minute
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimSyncBatch(ctx, 10, "tok", time.Hour)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claim %d: got %d entries, want 1", attempt, len(claimed))
		}
		terminal, err := s.FailSync(ctx, claimed[0].ID, "tok", "timeout", 3, base)
		if err != nil {
			t.Fatalf("FailSync %d: %v", attempt, err)
		}

		e, _ := s.GetSyncEntry(ctx, key)
		if e.AttemptCount != attempt {
			t.Errorf("attempt %d: AttemptCount = %d", attempt, e.AttemptCount)
		}
		if attempt < 3 {
			if terminal || e.NextAttemptAt == nil {
				t.Fatalf("attempt %d: expected retriable failure, got %+v", attempt, e)
			}
			if want := now.Add(base * time.Duration(attempt)); !e.NextAttemptAt.Equal(want) {
				t.Errorf("attempt %d: NextAttemptAt = %v, want %v", attempt, e.NextAttemptAt, want)
			}
			// Not due yet.
			if c, _ := s.ClaimSyncBatch(ctx, 10, "tok", time.Hour); len(c) != 0 {
				t.Fatalf("attempt %d: claimed before backoff elapsed", attempt)
			}
			*now = e.NextAttemptAt.Add(time.Second)
		} else {
			if !terminal || e.Status != SyncFailed || e.NextAttemptAt != nil {
				t.Fatalf("after cap: terminal=%v entry=%+v", terminal, e)
			}
		}
	}

	*now = now.Add(24 * time.Hour)
	if c, _ := s.ClaimSyncBatch(ctx, 10, "tok", time.Hour); len(c) != 0 {
		t.Fatal("terminal entry was claimed for a 4th attempt")
	}

	n, err := s.ResetFailedSyncs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetFailedSyncs = %d, %v", n, err)
	}
	if c, _ := s.ClaimSyncBatch(ctx, 10, "tok", time.Hour); len(c) != 1 {
		t.Fatal("reset entry was not claimable")
	}
}

func TestSyncLog_LeasePreventsDoubleClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, m := range []string{"Civic", "Accord", "CR-V"} {
		s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", m))
	}

	a, err := s.ClaimSyncBatch(ctx, 2, "worker-a", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.ClaimSyncBatch(ctx, 10, "worker-b", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("claimed a=%d b=%d, want 2 and 1", len(a), len(b))
	}
	for _, ea := range a {
		if ea.ID == b[0].ID {
			t.Fatalf("entry %d leased twice", ea.ID)
		}
	}

	// A token that does not hold the lease cannot complete the entry.
	if err := s.CompleteSync(ctx, a[0].ID, "worker-b", SyncSuccess); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteSync with foreign token err = %v, want ErrNotFound", err)
	}
	if err := s.CompleteSync(ctx, a[0].ID, "worker-a", SyncSuccess); err != nil {
		t.Errorf("CompleteSync: %v", err)
	}
}

func TestSyncLog_StaleLeaseIsReclaimed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", "Civic"))

	if c, _ := s.ClaimSyncBatch(ctx, 1, "dead-worker", 10*time.Minute); len(c) != 1 {
		t.Fatal("initial claim failed")
	}
	if c, _ := s.ClaimSyncBatch(ctx, 1, "live-worker", 10*time.Minute); len(c) != 0 {
		t.Fatal("fresh lease was stolen")
	}
	*now = now.Add(11 * time.Minute)
	c, _ := s.ClaimSyncBatch(ctx, 1, "live-worker", 10*time.Minute)
	if len(c) != 1 || c[0].LeaseToken != "live-worker" {
		t.Fatalf("stale lease not reclaimed: %+v", c)
	}
}

func TestSyncLog_OrderingPrefersFewAttemptsThenNewestYear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	s.EnsureSyncEntry(ctx, rating.NewKey(2020, "Honda", "Fit"))
	s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", "Civic"))
	s.EnsureSyncEntry(ctx, rating.NewKey(2025, "Honda", "Pilot"))

	// Give the 2025 entry one failed attempt so it sorts last.
	c, _ := s.ClaimSyncBatch(ctx, 1, "t", time.Hour)
	if c[0].Year != 2025 {
		t.Fatalf("first claim year = %d, want 2025", c[0].Year)
	}
	s.FailSync(ctx, c[0].ID, "t", "boom", 3, time.Second)
	*now = now.Add(time.Minute)

	c, _ = s.ClaimSyncBatch(ctx, 3, "t2", time.Hour)
	if len(c) != 3 {
		t.Fatalf("claimed %d, want 3", len(c))
	}
	got := []int{c[0].Year, c[1].Year, c[2].Year}
	want := []int{2024, 2020, 2025}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSyncCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, m := range []string{"A", "B", "C"} {
		s.EnsureSyncEntry(ctx, rating.NewKey(2024, "Honda", m))
	}
	c, _ := s.ClaimSyncBatch(ctx, 2, "t", time.Hour)
	s.CompleteSync(ctx, c[0].ID, "t", SyncSuccess)
	s.CompleteSync(ctx, c[1].ID, "t", SyncNoData)

	counts, err := s.SyncCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 3 || counts.Success != 1 || counts.NoData != 1 || counts.Pending != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

// --- Options, transients, locks ---

func TestOptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOption(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	s.SetOption(ctx, "k", "v1")
	s.SetOption(ctx, "k", "v2")
	if v, _ := s.GetOption(ctx, "k"); v != "v2" {
		t.Errorf("GetOption = %q, want v2", v)
	}
	s.DeleteOption(ctx, "k")
	if _, err := s.GetOption(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("option survived delete")
	}
}

func TestTransients_ExpireAndPrefixDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	s.SetTransient(ctx, "rating:a", "1", time.Hour)
	s.SetTransient(ctx, "rating:b", "2", 3*time.Hour)
	s.SetTransient(ctx, "probe", "3", 3*time.Hour)

	if v, err := s.GetTransient(ctx, "rating:a"); err != nil || v != "1" {
		t.Fatalf("GetTransient = %q, %v", v, err)
	}
	*now = now.Add(2 * time.Hour)
	if _, err := s.GetTransient(ctx, "rating:a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired transient returned, err = %v", err)
	}
	if n, _ := s.PurgeExpiredTransients(ctx); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if n, _ := s.DeleteTransients(ctx, "rating:"); n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetTransient(ctx, "probe"); err != nil {
		t.Errorf("unrelated transient deleted: %v", err)
	}
	if err := s.SetTransient(ctx, "x", "y", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := fixedClock(s, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	ok, err := s.AcquireLock(ctx, "batch", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLock(ctx, "batch", "b", time.Minute); ok {
		t.Fatal("second holder acquired a held lock")
	}
	if ok, _ := s.AcquireLock(ctx, "batch", "a", time.Minute); !ok {
		t.Fatal("holder could not renew")
	}

	*now = now.Add(2 * time.Minute)
	if ok, _ := s.AcquireLock(ctx, "batch", "b", time.Minute); !ok {
		t.Fatal("expired lock not taken over")
	}

	s.ReleaseLock(ctx, "batch", "a") // not the holder; no effect
	if ok, _ := s.AcquireLock(ctx, "batch", "c", time.Minute); ok {
		t.Fatal("release by non-holder freed the lock")
	}
	s.ReleaseLock(ctx, "batch", "b")
	if ok, _ := s.AcquireLock(ctx, "batch", "c", time.Minute); !ok {
		t.Fatal("released lock not acquirable")
	}
}

func TestCatalog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []rating.Key{
		rating.NewKey(2024, "Honda", "Civic"),
		rating.NewKey(2024, "HONDA", "Accord"),
		rating.NewKey(2024, "Honda", "civic"),
		rating.NewKey(2023, "Toyota", "Camry"),
	} {
		if err := s.AddCatalogVehicle(ctx, k); err != nil {
			t.Fatalf("AddCatalogVehicle(%s): %v", k, err)
		}
	}

	yms, err := s.CatalogYearMakes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(yms) != 2 || yms[0].Year != 2024 || yms[1].Make != "Toyota" {
		t.Errorf("year/makes = %+v", yms)
	}

	models, _ := s.CatalogModels(ctx, 2024, "honda")
	if len(models) != 2 {
		t.Errorf("models = %v, want Accord and Civic", models)
	}
}
