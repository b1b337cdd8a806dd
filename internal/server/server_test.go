package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/index"
	"github.com/factoryscout/factoryscout/internal/store"
	"github.com/factoryscout/factoryscout/internal/synth"
)

type fakeStorage struct {
	latest  *synth.Report
	between []*synth.Report
	run     store.RunRecord
	err     error
}

func (f *fakeStorage) LatestReport(context.Context) (*synth.Report, error) {
	return f.latest, f.err
}

func (f *fakeStorage) ReportsBetween(context.Context, time.Time, time.Time) ([]*synth.Report, error) {
	return f.between, f.err
}

func (f *fakeStorage) ReportByRun(context.Context, string) (*synth.Report, error) {
	return f.latest, f.err
}

func (f *fakeStorage) LoadRun(context.Context, string) (store.RunRecord, error) {
	return f.run, f.err
}

type fakeSearch struct{ hits []index.Hit }

func (f *fakeSearch) Search(string, int) ([]index.Hit, error) { return f.hits, nil }

func get(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{}, nil)
	rec := get(t, s, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestLatestReport(t *testing.T) {
	t.Parallel()
	want := &synth.Report{ID: "rep-1", Title: "July report"}
	s := New(config.ServerConfig{}, &fakeStorage{latest: want}, nil)

	rec := get(t, s, "/api/reports/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	var got synth.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("got %+v", got)
	}
}

func TestLatestReportNotFound(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{err: store.ErrNotFound}, nil)
	rec := get(t, s, "/api/reports/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestReportsBetweenValidation(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{}, nil)
	rec := get(t, s, "/api/reports?from=notadate", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	rec = get(t, s, "/api/reports?from=2026-01-01&to=2026-07-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRunByID(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{run: store.RunRecord{ID: "run-1", State: "COMPLETE"}}, nil)
	rec := get(t, s, "/api/runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got store.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "run-1" || got.State != "COMPLETE" {
		t.Fatalf("got %+v", got)
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{}, &fakeSearch{hits: []index.Hit{{ID: "n1", Score: 1.5}}})
	rec := get(t, s, "/api/search?q=edge+computing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	rec = get(t, s, "/api/search", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestSearchDisabled(t *testing.T) {
	t.Parallel()
	s := New(config.ServerConfig{}, &fakeStorage{}, nil)
	rec := get(t, s, "/api/search?q=x", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	t.Parallel()
	secret := "super-secret"
	s := New(config.ServerConfig{JWTSecret: secret}, &fakeStorage{latest: &synth.Report{ID: "rep-1"}}, nil)

	rec := get(t, s, "/api/reports/latest", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}

	token, err := SignToken("agent", []byte(secret), time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec = get(t, s, "/api/reports/latest", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}

	// health stays open
	rec = get(t, s, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}
