package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/dedup"
)

const systemPrompt = `You are a market intelligence analyst covering the manufacturing and industrial IoT sector.
You are given source material as numbered entries, each with a stable ID in square brackets.
Extract market trends, challenges manufacturers face, and solutions being adopted.

RULES:
1. Every trend, challenge and solution must cite the IDs of the entries supporting it.
2. Only cite IDs that appear in the source material.
3. Tag each trend with short lowercase topic tags (e.g. "predictive-maintenance", "edge-computing").
4. Respond ONLY with valid JSON in this format:
{
  "summary": "two or three sentence digest of this material",
  "trends": [{"name": "...", "tags": ["..."], "summary": "...", "citations": ["id"]}],
  "challenges": [{"statement": "...", "citations": ["id"]}],
  "solutions": [{"statement": "...", "citations": ["id"]}]
}
Do not include any other text or explanation.`

const strictRetryNote = `

Your previous answer was not parseable JSON. Respond with the JSON object only, no prose, no code fences.`

// Synthesizer turns normalized records into a monthly report through a
// chat completion provider. Records are packed into token-budgeted batches
// processed concurrently, then merged into one report.
type Synthesizer struct {
	provider      Provider
	tokenBudget   int
	maxConc       int
	promptVersion string
	logger        *log.Logger
}

func New(provider Provider, cfg config.SynthesisConfig, promptVersion string) *Synthesizer {
	budget := cfg.BatchTokenBudget
	if budget <= 0 {
		budget = 12000
	}
	conc := cfg.MaxConcurrency
	if conc <= 0 {
		conc = 2
	}
	return &Synthesizer{
		provider:      provider,
		tokenBudget:   budget,
		maxConc:       conc,
		promptVersion: promptVersion,
		logger:        log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

type batchResult struct {
	Summary    string    `json:"summary"`
	Trends     []Trend   `json:"trends"`
	Challenges []Finding `json:"challenges"`
	Solutions  []Finding `json:"solutions"`
}

// Synthesize produces the report for one run. Batches that stay malformed
// after a strict retry are skipped and the report is marked degraded; a
// provider outage fails the whole phase.
func (s *Synthesizer) Synthesize(ctx context.Context, runID string, records []dedup.NormalizedRecord, month time.Time) (*Report, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to synthesize")
	}

	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		known[r.ID] = struct{}{}
	}

	batches, truncated := s.batch(records)
	s.logger.Printf("synthesizing %d records in %d batches", len(records), len(batches))

	results := make([]*batchResult, len(batches))
	warnings := make([][]string, len(batches))
	degraded := make([]bool, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConc)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			res, warns, deg, err := s.synthesizeBatch(gctx, b, known)
			if err != nil {
				return err
			}
			results[i] = res
			warnings[i] = warns
			degraded[i] = deg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		ID:            uuid.NewString(),
		RunID:         runID,
		Title:         fmt.Sprintf("Manufacturing Market Intelligence Report - %s", month.Format("January 2006")),
		Model:         s.provider.Model(),
		PromptVersion: s.promptVersion,
		GeneratedAt:   time.Now().UTC(),
	}
	if len(truncated) > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("truncated %d oversized records to fit the batch budget", len(truncated)))
	}

	var summaries []string
	for i, res := range results {
		report.Warnings = append(report.Warnings, warnings[i]...)
		if degraded[i] {
			report.Degraded = true
		}
		if res == nil {
			continue
		}
		if res.Summary != "" {
			summaries = append(summaries, res.Summary)
		}
		report.Trends = mergeTrends(report.Trends, res.Trends)
		report.Challenges = appendFindings(report.Challenges, res.Challenges)
		report.Solutions = appendFindings(report.Solutions, res.Solutions)
	}

	if len(report.Trends) == 0 && len(report.Challenges) == 0 && len(report.Solutions) == 0 {
		return nil, NewSynthesisError(MalformedOutput, "no batch produced usable output", nil)
	}

	report.Summary = s.overallSummary(ctx, summaries, report)
	return report, nil
}

// batch packs records into prompt-sized groups. A single record larger
// than the budget is truncated rather than dropped.
func (s *Synthesizer) batch(records []dedup.NormalizedRecord) (batches [][]dedup.NormalizedRecord, truncated []string) {
	var current []dedup.NormalizedRecord
	used := 0
	for _, r := range records {
		cost := estimateTokens(r.Text) + 50
		if cost > s.tokenBudget {
			if cut := (s.tokenBudget - 50) * 4; cut > 0 && cut < len(r.Text) {
				for cut > 0 && !utf8.RuneStart(r.Text[cut]) {
					cut--
				}
				r.Text = r.Text[:cut]
			}
			cost = s.tokenBudget
			truncated = append(truncated, r.ID)
		}
		if used+cost > s.tokenBudget && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			used = 0
		}
		current = append(current, r)
		used += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, truncated
}

func (s *Synthesizer) synthesizeBatch(ctx context.Context, batch []dedup.NormalizedRecord, known map[string]struct{}) (*batchResult, []string, bool, error) {
	user := renderBatch(batch)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		prompt := systemPrompt
		if attempt > 0 {
			prompt += strictRetryNote
		}
		raw, err := s.provider.Complete(ctx, prompt, user)
		if err != nil {
			var se *SynthesisError
			if errors.As(err, &se) && se.Kind == ModelUnavailable {
				return nil, nil, false, err
			}
			lastErr = err
			continue
		}
		res, err := parseBatch(raw)
		if err != nil {
			lastErr = err
			s.logger.Printf("batch output unparseable (attempt %d): %v", attempt+1, err)
			continue
		}
		warns := validateCitations(res, known)
		return res, warns, false, nil
	}

	s.logger.Printf("batch skipped after strict retry: %v", lastErr)
	warn := fmt.Sprintf("a batch of %d records was skipped: %v", len(batch), lastErr)
	return nil, []string{warn}, true, nil
}

func renderBatch(batch []dedup.NormalizedRecord) string {
	var b strings.Builder
	for i, r := range batch {
		fmt.Fprintf(&b, "Entry %d [%s]\n", i+1, r.ID)
		if r.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", r.Title)
		}
		if r.CanonicalURL != "" {
			fmt.Fprintf(&b, "URL: %s\n", r.CanonicalURL)
		}
		fmt.Fprintf(&b, "%s\n\n", r.Text)
	}
	return b.String()
}

func parseBatch(raw string) (*batchResult, error) {
	jsonStr, err := ExtractJSON(raw)
	if err != nil {
		return nil, NewSynthesisError(MalformedOutput, "no JSON in model output", err)
	}
	var res batchResult
	if err := json.Unmarshal([]byte(jsonStr), &res); err != nil {
		return nil, NewSynthesisError(MalformedOutput, "decode model output", err)
	}
	return &res, nil
}

// validateCitations drops citations that do not resolve to a known record,
// then drops any trend or finding left without a single citation. Every
// kept section traces back to at least one normalized record.
func validateCitations(res *batchResult, known map[string]struct{}) []string {
	var warns []string
	clean := func(citations []string, where string) []string {
		kept := citations[:0]
		for _, c := range citations {
			if _, ok := known[c]; ok {
				kept = append(kept, c)
			} else {
				warns = append(warns, fmt.Sprintf("dropped dangling citation %q in %s", c, where))
			}
		}
		return kept
	}

	trends := res.Trends[:0]
	for _, t := range res.Trends {
		t.Citations = clean(t.Citations, "trend "+t.Name)
		if len(t.Citations) == 0 {
			warns = append(warns, fmt.Sprintf("dropped trend %q: no resolvable citations", t.Name))
			continue
		}
		trends = append(trends, t)
	}
	res.Trends = trends

	cleanFindings := func(findings []Finding, where string) []Finding {
		kept := findings[:0]
		for _, f := range findings {
			f.Citations = clean(f.Citations, where)
			if len(f.Citations) == 0 {
				warns = append(warns, fmt.Sprintf("dropped uncited %s entry %q", where, f.Statement))
				continue
			}
			kept = append(kept, f)
		}
		return kept
	}
	res.Challenges = cleanFindings(res.Challenges, "challenges")
	res.Solutions = cleanFindings(res.Solutions, "solutions")
	return warns
}

// mergeTrends folds new trends into the accumulated list. Trends sharing a
// tag are combined: citations and tags union, the longer summary wins.
func mergeTrends(acc, incoming []Trend) []Trend {
	for _, t := range incoming {
		t.Tags = normalizeTags(t.Tags)
		merged := false
		for i := range acc {
			if sharesTag(acc[i].Tags, t.Tags) {
				acc[i].Tags = unionStrings(acc[i].Tags, t.Tags)
				acc[i].Citations = unionStrings(acc[i].Citations, t.Citations)
				if len(t.Summary) > len(acc[i].Summary) {
					acc[i].Summary = t.Summary
					acc[i].Name = t.Name
				}
				merged = true
				break
			}
		}
		if !merged {
			acc = append(acc, t)
		}
	}
	return acc
}

func appendFindings(acc, incoming []Finding) []Finding {
	seen := make(map[string]struct{}, len(acc))
	for _, f := range acc {
		seen[strings.ToLower(strings.TrimSpace(f.Statement))] = struct{}{}
	}
	for _, f := range incoming {
		key := strings.ToLower(strings.TrimSpace(f.Statement))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		acc = append(acc, f)
	}
	return acc
}

// overallSummary asks the provider for an executive summary of the merged
// sections, falling back to the batch digests when that call fails.
func (s *Synthesizer) overallSummary(ctx context.Context, summaries []string, report *Report) string {
	fallback := strings.Join(summaries, " ")
	if fallback == "" {
		fallback = fmt.Sprintf("%d trends, %d challenges and %d solutions identified this period.",
			len(report.Trends), len(report.Challenges), len(report.Solutions))
	}

	var b strings.Builder
	b.WriteString("Write a three to five sentence executive summary of this month's manufacturing market intelligence. Respond with plain text only.\n\n")
	for _, t := range report.Trends {
		fmt.Fprintf(&b, "Trend: %s - %s\n", t.Name, t.Summary)
	}
	for _, c := range report.Challenges {
		fmt.Fprintf(&b, "Challenge: %s\n", c.Statement)
	}
	for _, sol := range report.Solutions {
		fmt.Fprintf(&b, "Solution: %s\n", sol.Statement)
	}

	out, err := s.provider.Complete(ctx, "You are a market intelligence analyst.", b.String())
	if err != nil || strings.TrimSpace(out) == "" {
		s.logger.Printf("executive summary fallback: %v", err)
		return fallback
	}
	return strings.TrimSpace(out)
}

// estimateTokens approximates the prompt cost of a text at four bytes per
// token, which is conservative for English prose.
func estimateTokens(s string) int {
	return len(s) / 4
}

func normalizeTags(tags []string) []string {
	out := tags[:0]
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func sharesTag(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
