package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/dedup"
	"github.com/factoryscout/factoryscout/internal/source"
	"github.com/factoryscout/factoryscout/internal/synth"
)

// ErrDuplicateRun is returned when a completed run already exists for the
// requested period.
var ErrDuplicateRun = errors.New("a completed run already exists for this period")

// ErrNotFound is returned when a run or report does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted view of one pipeline run.
type RunRecord struct {
	ID              string     `json:"id"`
	Period          time.Time  `json:"period"`
	State           string     `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	RawCount        int        `json:"raw_count"`
	NormalizedCount int        `json:"normalized_count"`
	AdapterErrors   []string   `json:"adapter_errors,omitempty"`
}

// Store persists runs, their records and reports in Postgres.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens a connection pool and verifies it.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun persists a run with its raw records, normalized records,
// provenance links and report in a single transaction. Either everything
// lands or nothing does.
func (s *Store) SaveRun(ctx context.Context, run RunRecord, raw []source.RawRecord, norm []dedup.NormalizedRecord, report *synth.Report) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, period, state, reason, started_at, finished_at, raw_count, normalized_count, adapter_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Period, run.State, run.Reason, run.StartedAt, run.FinishedAt,
		len(raw), len(norm), pq.Array(run.AdapterErrors))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRun
		}
		return fmt.Errorf("insert run: %w", err)
	}

	for _, r := range raw {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO raw_records (id, run_id, adapter, origin, title, body, fetched_at, status, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, run.ID, r.Adapter, r.Origin, r.Title, r.Text, r.FetchedAt, string(r.Status), r.Error)
		if err != nil {
			return fmt.Errorf("insert raw record %s: %w", r.ID, err)
		}
	}

	for _, n := range norm {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO normalized_records (id, run_id, fingerprint, canonical_url, title, body, adapters, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID, run.ID, n.Fingerprint, n.CanonicalURL, n.Title, n.Text, pq.Array(n.Adapters), n.FetchedAt)
		if err != nil {
			return fmt.Errorf("insert normalized record %s: %w", n.ID, err)
		}
		for _, src := range n.SourceIDs {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO normalized_provenance (run_id, normalized_id, raw_id)
				VALUES ($1, $2, $3)`,
				run.ID, n.ID, src)
			if err != nil {
				return fmt.Errorf("insert provenance %s -> %s: %w", n.ID, src, err)
			}
		}
	}

	if report != nil {
		body, merr := json.Marshal(report)
		if merr != nil {
			err = fmt.Errorf("marshal report: %w", merr)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reports (id, run_id, period, title, summary, body, model, prompt_version, degraded, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			report.ID, run.ID, run.Period, report.Title, report.Summary, body,
			report.Model, report.PromptVersion, report.Degraded, report.GeneratedAt)
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Printf("saved run %s (%d raw, %d normalized, report=%v)", run.ID, len(raw), len(norm), report != nil)
	return nil
}

// LoadRun returns one run by ID.
func (s *Store) LoadRun(ctx context.Context, id string) (RunRecord, error) {
	var run RunRecord
	var finished sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, period, state, reason, started_at, finished_at, raw_count, normalized_count, adapter_errors
		FROM runs WHERE id = $1`, id).
		Scan(&run.ID, &run.Period, &run.State, &reason, &run.StartedAt, &finished,
			&run.RawCount, &run.NormalizedCount, pq.Array(&run.AdapterErrors))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run: %w", err)
	}
	run.Reason = reason.String
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// LastRun returns the most recently started run, if any.
func (s *Store) LastRun(ctx context.Context) (RunRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("last run: %w", err)
	}
	return s.LoadRun(ctx, id)
}

// LatestReport returns the most recently generated report.
func (s *Store) LatestReport(ctx context.Context) (*synth.Report, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM reports ORDER BY generated_at DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	return decodeReport(body)
}

// ReportsBetween returns reports whose period falls inside [from, to],
// newest first.
func (s *Store) ReportsBetween(ctx context.Context, from, to time.Time) ([]*synth.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM reports WHERE period >= $1 AND period <= $2 ORDER BY generated_at DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("reports between: %w", err)
	}
	defer rows.Close()

	var reports []*synth.Report
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r, err := decodeReport(body)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ReportByRun returns the report of one run.
func (s *Store) ReportByRun(ctx context.Context, runID string) (*synth.Report, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report by run: %w", err)
	}
	return decodeReport(body)
}

// NormalizedRecords returns the normalized records of one run, used to
// rebuild the keyword index.
func (s *Store) NormalizedRecords(ctx context.Context, runID string) ([]dedup.NormalizedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, canonical_url, title, body, adapters, fetched_at
		FROM normalized_records WHERE run_id = $1 ORDER BY fingerprint, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("normalized records: %w", err)
	}
	defer rows.Close()

	var out []dedup.NormalizedRecord
	for rows.Next() {
		var n dedup.NormalizedRecord
		if err := rows.Scan(&n.ID, &n.Fingerprint, &n.CanonicalURL, &n.Title, &n.Text, pq.Array(&n.Adapters), &n.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan normalized record: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func decodeReport(body []byte) (*synth.Report, error) {
	var r synth.Report
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
