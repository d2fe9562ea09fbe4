package nhtsa

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/vsr/internal/rating"
)

func newTestServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRating_FollowsVehicleID(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/modelyear/2024/make/Honda/model/Civic": `{"Count":2,"Results":[
			{"VehicleDescription":"2024 Honda Civic 4 DR FWD","VehicleId":19029},
			{"VehicleDescription":"2024 Honda Civic 5 HB FWD","VehicleId":19030}]}`,
		"/VehicleId/19029": `{"Count":1,"Results":[{
			"ModelYear":2024,"Make":"HONDA","Model":"CIVIC","VehicleId":19029,
			"OverallRating":"5","OverallFrontCrashRating":"4","OverallSideCrashRating":"5",
			"RolloverRating":"Not Rated","VehiclePicture":"https://static.nhtsa.gov/civic.jpg"}]}`,
	})

	c := New(srv.URL, time.Second, nil)
	rec, err := c.FetchRating(context.Background(), rating.NewKey(2024, "Honda", "Civic"))
	if err != nil {
		t.Fatalf("FetchRating: %v", err)
	}
	if rec == nil {
		t.Fatal("FetchRating returned nil record")
	}
	if rec.Make != "Honda" || rec.Model != "Civic" {
		t.Errorf("identity = %s %s, want case preserved as requested", rec.Make, rec.Model)
	}
	if rec.Source != rating.SourceAPI {
		t.Errorf("Source = %q, want api", rec.Source)
	}
	if rec.Overall == nil || *rec.Overall != 5 {
		t.Errorf("Overall = %v, want 5", rec.Overall)
	}
	if rec.FrontCrash == nil || *rec.FrontCrash != 4 {
		t.Errorf("FrontCrash = %v, want 4", rec.FrontCrash)
	}
	if rec.Rollover != nil {
		t.Errorf("Rollover = %v, want absent for Not Rated", *rec.Rollover)
	}
	if rec.VehiclePicture != "https://static.nhtsa.gov/civic.jpg" {
		t.Errorf("VehiclePicture = %q", rec.VehiclePicture)
	}
}

func TestFetchRating_InlineNumericFields(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/modelyear/2023/make/Toyota/model/Camry": `{"Results":[{"OverallRating":4,"OverallFrontCrashRating":"","OverallSideCrashRating":null,"RolloverRating":0}]}`,
	})

	c := New(srv.URL, time.Second, nil)
	rec, err := c.FetchRating(context.Background(), rating.NewKey(2023, "Toyota", "Camry"))
	if err != nil || rec == nil {
		t.Fatalf("FetchRating = %v, %v", rec, err)
	}
	if rec.Overall == nil || *rec.Overall != 4 {
		t.Errorf("Overall = %v, want 4", rec.Overall)
	}
	if rec.FrontCrash != nil || rec.SideCrash != nil || rec.Rollover != nil {
		t.Errorf("blank fields not absent: %+v", rec.Fields)
	}
}

func TestFetchRating_PathEscapesModel(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/modelyear/2023/make/Toyota/model/Camry Hybrid": `{"Results":[{"OverallRating":"5"}]}`,
	})

	c := New(srv.URL, time.Second, nil)
	rec, err := c.FetchRating(context.Background(), rating.NewKey(2023, "Toyota", "Camry Hybrid"))
	if err != nil || rec == nil {
		t.Fatalf("FetchRating = %v, %v", rec, err)
	}
}

func TestFetchRating_NoData(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/modelyear/2024/make/Honda/model/Civic": `{"Count":0,"Message":"No results found","Results":[]}`,
	})
	c := New(srv.URL, time.Second, nil)

	tests := []struct {
		name string
		key  rating.Key
	}{
		{"empty results", rating.NewKey(2024, "Honda", "Civic")},
		{"non-200", rating.NewKey(2024, "Honda", "Prelude")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := c.FetchRating(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if rec != nil {
				t.Errorf("rec = %+v, want nil", rec)
			}
		})
	}
}

func TestFetchRating_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, time.Second, nil)
	_, err := c.FetchRating(context.Background(), rating.NewKey(2024, "Honda", "Civic"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestFetchRating_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond, nil)
	_, err := c.FetchRating(context.Background(), rating.NewKey(2024, "Honda", "Civic"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"/modelyear/2024/make/Honda": `{"Results":[
			{"ModelYear":2024,"Make":"HONDA","Model":"CIVIC","VehicleId":1},
			{"ModelYear":2024,"Make":"HONDA","Model":"Civic","VehicleId":2},
			{"ModelYear":2024,"Make":"HONDA","Model":"CR-V","VehicleId":3},
			{"ModelYear":2024,"Make":"HONDA","Model":"","VehicleId":4}]}`,
	})

	c := New(srv.URL, time.Second, nil)
	models, err := c.ListModels(context.Background(), 2024, "Honda")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "CIVIC" || models[1] != "CR-V" {
		t.Errorf("models = %v, want [CIVIC CR-V]", models)
	}
}
