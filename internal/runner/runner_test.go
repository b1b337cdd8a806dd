package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/collector"
	"github.com/factoryscout/factoryscout/internal/dedup"
	"github.com/factoryscout/factoryscout/internal/source"
	"github.com/factoryscout/factoryscout/internal/store"
	"github.com/factoryscout/factoryscout/internal/synth"
	"github.com/factoryscout/factoryscout/internal/telemetry"
)

type fakeCollector struct{ res collector.Result }

func (f *fakeCollector) Collect(context.Context, source.QuerySpec) collector.Result { return f.res }

type fakeNormalizer struct{ out []dedup.NormalizedRecord }

func (f *fakeNormalizer) Normalize([]source.RawRecord) []dedup.NormalizedRecord { return f.out }

type fakeSynth struct {
	report *synth.Report
	err    error
}

func (f *fakeSynth) Synthesize(context.Context, string, []dedup.NormalizedRecord, time.Time) (*synth.Report, error) {
	return f.report, f.err
}

type fakeStore struct {
	saved  []store.RunRecord
	report *synth.Report
	err    error
}

func (f *fakeStore) SaveRun(_ context.Context, run store.RunRecord, _ []source.RawRecord, _ []dedup.NormalizedRecord, report *synth.Report) error {
	f.saved = append(f.saved, run)
	f.report = report
	return f.err
}

func okRecords() []source.RawRecord {
	return []source.RawRecord{{ID: "raw-1", Adapter: "search", Origin: "https://a", Text: "t", Status: source.FetchOK}}
}

func normRecords() []dedup.NormalizedRecord {
	return []dedup.NormalizedRecord{{ID: "n1", Fingerprint: "n1", Text: "t", SourceIDs: []string{"raw-1"}}}
}

func newRunner(c Collecting, d Normalizing, s Synthesizing, st Saving) *Runner {
	return New(c, d, s, st, nil, telemetry.New(config.TelemetryConfig{}))
}

func TestRunCompleteClean(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := newRunner(
		&fakeCollector{res: collector.Result{Records: okRecords()}},
		&fakeNormalizer{out: normRecords()},
		&fakeSynth{report: &synth.Report{ID: "rep-1"}},
		st,
	)
	out, err := r.Run(context.Background(), time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC), source.QuerySpec{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != ExitOK {
		t.Fatalf("exit = %d, want %d", out.ExitCode, ExitOK)
	}
	if out.Run.State != string(StateComplete) || out.Run.Reason != "" {
		t.Fatalf("run = %+v", out.Run)
	}
	// period snaps to the first of the month
	if !out.Run.Period.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("period = %v", out.Run.Period)
	}
	if len(st.saved) != 1 || st.report == nil {
		t.Fatalf("run not persisted with report")
	}
	if out.Run.FinishedAt == nil {
		t.Fatalf("missing finished timestamp")
	}
}

func TestRunPartialCollectionFailure(t *testing.T) {
	t.Parallel()
	res := collector.Result{
		Records: okRecords(),
		Errors:  []*source.AdapterError{source.NewAdapterError("social", source.AuthFailure, "expired", nil)},
	}
	st := &fakeStore{}
	r := newRunner(&fakeCollector{res: res}, &fakeNormalizer{out: normRecords()},
		&fakeSynth{report: &synth.Report{ID: "rep-1"}}, st)

	out, err := r.Run(context.Background(), time.Now(), source.QuerySpec{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != ExitPartial {
		t.Fatalf("exit = %d, want %d", out.ExitCode, ExitPartial)
	}
	if out.Run.State != string(StateComplete) || out.Run.Reason != ReasonPartialCollection {
		t.Fatalf("run = %+v", out.Run)
	}
	if len(out.Run.AdapterErrors) != 1 {
		t.Fatalf("adapter errors = %v", out.Run.AdapterErrors)
	}
}

func TestRunTotalCollectionFailure(t *testing.T) {
	t.Parallel()
	res := collector.Result{
		Errors: []*source.AdapterError{source.NewAdapterError("search", source.Timeout, "", nil)},
	}
	st := &fakeStore{}
	r := newRunner(&fakeCollector{res: res}, &fakeNormalizer{}, &fakeSynth{}, st)

	out, err := r.Run(context.Background(), time.Now(), source.QuerySpec{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.ExitCode != ExitFailed {
		t.Fatalf("exit = %d, want %d", out.ExitCode, ExitFailed)
	}
	if out.Run.State != string(StateFailed) || out.Run.Reason != ReasonTotalCollection {
		t.Fatalf("run = %+v", out.Run)
	}
	// failed run still persisted for the audit trail
	if len(st.saved) != 1 || st.saved[0].State != string(StateFailed) {
		t.Fatalf("failed run not persisted: %+v", st.saved)
	}
}

func TestRunSynthesisFailure(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := newRunner(&fakeCollector{res: collector.Result{Records: okRecords()}},
		&fakeNormalizer{out: normRecords()},
		&fakeSynth{err: synth.NewSynthesisError(synth.ModelUnavailable, "down", nil)}, st)

	out, err := r.Run(context.Background(), time.Now(), source.QuerySpec{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.Run.Reason != ReasonSynthesisFailure || out.ExitCode != ExitFailed {
		t.Fatalf("run = %+v exit = %d", out.Run, out.ExitCode)
	}
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &fakeStore{}
	r := newRunner(&fakeCollector{res: collector.Result{Records: okRecords()}},
		&fakeNormalizer{out: normRecords()},
		&fakeSynth{err: context.Canceled}, st)

	out, err := r.Run(ctx, time.Now(), source.QuerySpec{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.Run.Reason != ReasonCancelled {
		t.Fatalf("reason = %q, want %q", out.Run.Reason, ReasonCancelled)
	}
	if len(st.saved) != 1 {
		t.Fatalf("cancelled run not persisted")
	}
}

func TestRunDuplicateRejected(t *testing.T) {
	t.Parallel()
	st := &fakeStore{err: store.ErrDuplicateRun}
	r := newRunner(&fakeCollector{res: collector.Result{Records: okRecords()}},
		&fakeNormalizer{out: normRecords()},
		&fakeSynth{report: &synth.Report{ID: "rep-1"}}, st)

	out, err := r.Run(context.Background(), time.Now(), source.QuerySpec{})
	if !errors.Is(err, store.ErrDuplicateRun) {
		t.Fatalf("err = %v", err)
	}
	if out.Run.Reason != ReasonDuplicateRun || out.ExitCode != ExitFailed {
		t.Fatalf("run = %+v exit = %d", out.Run, out.ExitCode)
	}
}

func TestRunEmptyAfterNormalization(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := newRunner(&fakeCollector{res: collector.Result{Records: okRecords()}},
		&fakeNormalizer{out: nil}, &fakeSynth{}, st)

	out, err := r.Run(context.Background(), time.Now(), source.QuerySpec{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.Run.Reason != ReasonTotalCollection {
		t.Fatalf("reason = %q", out.Run.Reason)
	}
}
