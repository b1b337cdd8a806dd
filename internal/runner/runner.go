package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/factoryscout/factoryscout/internal/collector"
	"github.com/factoryscout/factoryscout/internal/dedup"
	"github.com/factoryscout/factoryscout/internal/source"
	"github.com/factoryscout/factoryscout/internal/store"
	"github.com/factoryscout/factoryscout/internal/synth"
	"github.com/factoryscout/factoryscout/internal/telemetry"
)

// State is the lifecycle position of a run.
type State string

const (
	StatePending      State = "PENDING"
	StateCollecting   State = "COLLECTING"
	StateSynthesizing State = "SYNTHESIZING"
	StateComplete     State = "COMPLETE"
	StateFailed       State = "FAILED"
)

// Failure reasons recorded on terminal runs.
const (
	ReasonPartialCollection = "PartialCollectionFailure"
	ReasonTotalCollection   = "TotalCollectionFailure"
	ReasonSynthesisFailure  = "SynthesisFailure"
	ReasonDuplicateRun      = "DuplicateRun"
	ReasonPersistence       = "PersistenceFailure"
	ReasonCancelled         = "Cancelled"
)

// Exit codes reported to the scheduler that triggered the run.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 3
)

// Collecting and synthesis capabilities, narrowed for injection in tests.
type (
	Collecting interface {
		Collect(ctx context.Context, spec source.QuerySpec) collector.Result
	}
	Normalizing interface {
		Normalize(raw []source.RawRecord) []dedup.NormalizedRecord
	}
	Synthesizing interface {
		Synthesize(ctx context.Context, runID string, records []dedup.NormalizedRecord, month time.Time) (*synth.Report, error)
	}
	Saving interface {
		SaveRun(ctx context.Context, run store.RunRecord, raw []source.RawRecord, norm []dedup.NormalizedRecord, report *synth.Report) error
	}
	Indexing interface {
		IndexRecords(runID string, records []dedup.NormalizedRecord) error
	}
)

// Outcome is the terminal result of one run.
type Outcome struct {
	Run      store.RunRecord
	Report   *synth.Report
	ExitCode int
}

// Runner coordinates one monthly pipeline run through its states and owns
// the audit log of transitions.
type Runner struct {
	collector Collecting
	dedup     Normalizing
	synth     Synthesizing
	store     Saving
	index     Indexing // optional
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func New(c Collecting, d Normalizing, s Synthesizing, st Saving, idx Indexing, tel *telemetry.Telemetry) *Runner {
	return &Runner{
		collector: c,
		dedup:     d,
		synth:     s,
		store:     st,
		index:     idx,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[RUNNER] ", log.LstdFlags),
	}
}

// Run executes the pipeline for the given period. It always attempts to
// persist the terminal run record, even on failure, so every triggered run
// leaves an audit trail.
func (r *Runner) Run(ctx context.Context, period time.Time, spec source.QuerySpec) (*Outcome, error) {
	period = time.Date(period.Year(), period.Month(), 1, 0, 0, 0, 0, time.UTC)
	run := store.RunRecord{
		ID:        uuid.NewString(),
		Period:    period,
		State:     string(StatePending),
		StartedAt: time.Now().UTC(),
	}
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.String("run.period", period.Format("2006-01")))
	defer span.End()

	r.transition(&run, StateCollecting, "")
	collectStart := time.Now()
	cctx, collectSpan := telemetry.Tracer().Start(ctx, "pipeline.collect")
	res := r.collector.Collect(cctx, spec)
	collectSpan.End()
	r.telemetry.RecordPhase("collect", time.Since(collectStart))

	perAdapter := make(map[string]int)
	for _, rec := range res.Records {
		perAdapter[rec.Adapter]++
	}
	for _, ae := range res.Errors {
		run.AdapterErrors = append(run.AdapterErrors, ae.Error())
		r.telemetry.RecordAdapter(ae.Adapter, perAdapter[ae.Adapter], ae)
		delete(perAdapter, ae.Adapter)
	}
	for name, n := range perAdapter {
		r.telemetry.RecordAdapter(name, n, nil)
	}

	if res.TotalFailure() {
		return r.fail(ctx, run, res.Records, nil, ReasonTotalCollection,
			fmt.Errorf("every adapter failed: %d errors", len(res.Errors)))
	}

	dedupStart := time.Now()
	_, dedupSpan := telemetry.Tracer().Start(ctx, "pipeline.dedup")
	norm := r.dedup.Normalize(res.Records)
	dedupSpan.End()
	r.telemetry.RecordPhase("dedup", time.Since(dedupStart))
	if len(norm) == 0 {
		return r.fail(ctx, run, res.Records, nil, ReasonTotalCollection,
			errors.New("no usable records after normalization"))
	}

	r.transition(&run, StateSynthesizing, "")
	synthStart := time.Now()
	sctx, synthSpan := telemetry.Tracer().Start(ctx, "pipeline.synthesize")
	report, err := r.synth.Synthesize(sctx, run.ID, norm, period)
	synthSpan.End()
	r.telemetry.RecordPhase("synthesize", time.Since(synthStart))
	r.telemetry.RecordLLM(err)
	if err != nil {
		reason := ReasonSynthesisFailure
		if ctx.Err() != nil {
			reason = ReasonCancelled
		}
		return r.fail(ctx, run, res.Records, norm, reason, err)
	}

	reason := ""
	if len(res.Errors) > 0 {
		reason = ReasonPartialCollection
	}
	r.transition(&run, StateComplete, reason)
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.RawCount = len(res.Records)
	run.NormalizedCount = len(norm)

	if err := r.store.SaveRun(ctx, run, res.Records, norm, report); err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			run.State = string(StateFailed)
			run.Reason = ReasonDuplicateRun
			r.logger.Printf("run %s rejected: %v", run.ID, err)
			r.telemetry.RecordRun("duplicate", time.Since(run.StartedAt))
			return &Outcome{Run: run, ExitCode: ExitFailed}, err
		}
		run.State = string(StateFailed)
		run.Reason = ReasonPersistence
		r.telemetry.RecordRun("failed", time.Since(run.StartedAt))
		return &Outcome{Run: run, ExitCode: ExitFailed}, fmt.Errorf("persist run: %w", err)
	}

	if r.index != nil {
		if err := r.index.IndexRecords(run.ID, norm); err != nil {
			r.logger.Printf("keyword index update failed: %v", err)
		}
	}

	exit := ExitOK
	outcome := "complete"
	if reason == ReasonPartialCollection {
		exit = ExitPartial
		outcome = "partial"
	}
	r.telemetry.RecordRun(outcome, time.Since(run.StartedAt))
	r.logger.Printf("run %s finished: state=%s reason=%q raw=%d normalized=%d",
		run.ID, run.State, run.Reason, run.RawCount, run.NormalizedCount)
	return &Outcome{Run: run, Report: report, ExitCode: exit}, nil
}

// fail records a terminal failure and best-effort persists the run so the
// audit trail survives.
func (r *Runner) fail(ctx context.Context, run store.RunRecord, raw []source.RawRecord, norm []dedup.NormalizedRecord, reason string, cause error) (*Outcome, error) {
	if ctx.Err() != nil && reason != ReasonCancelled {
		reason = ReasonCancelled
	}
	r.transition(&run, StateFailed, reason)
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.RawCount = len(raw)
	run.NormalizedCount = len(norm)

	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.store.SaveRun(saveCtx, run, raw, norm, nil); err != nil {
		r.logger.Printf("could not persist failed run %s: %v", run.ID, err)
	}
	r.telemetry.RecordRun("failed", time.Since(run.StartedAt))
	return &Outcome{Run: run, ExitCode: ExitFailed}, fmt.Errorf("%s: %w", reason, cause)
}

// transition moves the run to the next state and writes the audit line.
func (r *Runner) transition(run *store.RunRecord, next State, reason string) {
	r.logger.Printf("run %s: %s -> %s%s", run.ID, run.State, next, reasonSuffix(reason))
	run.State = string(next)
	run.Reason = reason
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}
