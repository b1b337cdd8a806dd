package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/factoryscout/factoryscout/internal/dedup"
	"github.com/factoryscout/factoryscout/internal/source"
	"github.com/factoryscout/factoryscout/internal/synth"
)

func testRun() RunRecord {
	started := time.Date(2026, 7, 1, 6, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Minute)
	return RunRecord{
		ID:        "run-1",
		Period:    time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		State:     "COMPLETE",
		StartedAt: started,
		FinishedAt: &finished,
	}
}

func testPayload() ([]source.RawRecord, []dedup.NormalizedRecord, *synth.Report) {
	raw := []source.RawRecord{{
		ID: "raw-1", Adapter: "search", Origin: "https://example.com/a",
		Text: "body", FetchedAt: time.Now().UTC(), Status: source.FetchOK,
	}}
	norm := []dedup.NormalizedRecord{{
		ID: "norm-1", Fingerprint: "norm-1", CanonicalURL: "https://example.com/a",
		Text: "body", Adapters: []string{"search"}, SourceIDs: []string{"raw-1"},
	}}
	report := &synth.Report{
		ID: "rep-1", RunID: "run-1", Title: "t", Summary: "s",
		Model: "m", PromptVersion: "v1", GeneratedAt: time.Now().UTC(),
	}
	return raw, norm, report
}

func TestSaveRunCommitsEverything(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)
	raw, norm, report := testPayload()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO normalized_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO normalized_provenance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO reports").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveRun(context.Background(), testRun(), raw, norm, report); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)
	raw, norm, report := testPayload()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO normalized_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.SaveRun(context.Background(), testRun(), raw, norm, report); err == nil {
		t.Fatalf("expected failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("rollback not issued: %v", err)
	}
}

func TestSaveRunDuplicatePeriod(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = s.SaveRun(context.Background(), testRun(), nil, nil, nil)
	if !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("err = %v, want ErrDuplicateRun", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunWithoutReport(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)
	run := testRun()
	run.State = "FAILED"
	run.Reason = "TotalCollectionFailure"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveRun(context.Background(), run, nil, nil, nil); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.LoadRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLatestReportRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)

	want := &synth.Report{ID: "rep-1", RunID: "run-1", Title: "July report", Summary: "s"}
	body, _ := json.Marshal(want)
	mock.ExpectQuery("SELECT body FROM reports ORDER BY generated_at").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.LatestReport(context.Background())
	if err != nil {
		t.Fatalf("LatestReport: %v", err)
	}
	if got.ID != want.ID || got.Title != want.Title {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLatestReportNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery("SELECT body FROM reports").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	if _, err := s.LatestReport(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
