package collector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/source"
)

type fakeAdapter struct {
	name    string
	records []source.RawRecord
	err     error
	delay   time.Duration
	calls   atomic.Int32
	failN   int32 // fail the first N calls, then succeed
	panics  bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Collect(ctx context.Context, _ source.QuerySpec) ([]source.RawRecord, error) {
	n := f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil && (f.failN == 0 || n <= f.failN) {
		return nil, f.err
	}
	return f.records, nil
}

func rec(adapter, origin string) source.RawRecord {
	return source.RawRecord{ID: origin, Adapter: adapter, Origin: origin, Text: "t", Status: source.FetchOK}
}

func TestCollectMergesAllAdapters(t *testing.T) {
	t.Parallel()
	c := New(config.CollectorConfig{MaxConcurrency: 2},
		&fakeAdapter{name: "search", records: []source.RawRecord{rec("search", "https://a"), rec("search", "https://b")}},
		&fakeAdapter{name: "scrape", records: []source.RawRecord{rec("scrape", "https://c")}},
	)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	if len(res.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(res.Records))
	}
	// deterministic order: adapter name then origin
	want := []string{"https://c", "https://a", "https://b"}
	for i, w := range want {
		if res.Records[i].Origin != w {
			t.Fatalf("records[%d].Origin = %s, want %s", i, res.Records[i].Origin, w)
		}
	}
}

func TestCollectIsolatesFailures(t *testing.T) {
	t.Parallel()
	c := New(config.CollectorConfig{MaxConcurrency: 3},
		&fakeAdapter{name: "search", records: []source.RawRecord{rec("search", "https://a")}},
		&fakeAdapter{name: "social", err: source.NewAdapterError("social", source.AuthFailure, "bad token", nil)},
	)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if len(res.Records) != 1 {
		t.Fatalf("healthy adapter records lost: %d", len(res.Records))
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != source.AuthFailure {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !res.Partial() {
		t.Fatalf("expected partial result")
	}
	if res.TotalFailure() {
		t.Fatalf("not a total failure")
	}
}

func TestCollectTimeoutDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	slow := &fakeAdapter{name: "scrape", delay: time.Second, records: []source.RawRecord{rec("scrape", "https://slow")}}
	fast := &fakeAdapter{name: "search", records: []source.RawRecord{rec("search", "https://fast")}}
	c := New(config.CollectorConfig{MaxConcurrency: 2, AdapterTimeout: 30 * time.Millisecond}, slow, fast)

	start := time.Now()
	res := c.Collect(context.Background(), source.QuerySpec{})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("collection took %v, timeout not applied", elapsed)
	}
	if len(res.Records) != 1 || res.Records[0].Origin != "https://fast" {
		t.Fatalf("records = %+v", res.Records)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != source.Timeout {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestCollectRetriesRetryableErrors(t *testing.T) {
	t.Parallel()
	flaky := &fakeAdapter{
		name:    "search",
		err:     source.NewAdapterError("search", source.RateLimited, "429", nil),
		failN:   2,
		records: []source.RawRecord{rec("search", "https://a")},
	}
	c := New(config.CollectorConfig{MaxConcurrency: 1, MaxAttempts: 3, BackoffBase: time.Millisecond}, flaky)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if len(res.Errors) != 0 {
		t.Fatalf("errors after retries: %v", res.Errors)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestCollectDoesNotRetryAuthFailure(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{name: "social", err: source.NewAdapterError("social", source.AuthFailure, "expired", nil)}
	c := New(config.CollectorConfig{MaxConcurrency: 1, MaxAttempts: 3, BackoffBase: time.Millisecond}, ad)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if got := ad.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth failure)", got)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestCollectContainsPanic(t *testing.T) {
	t.Parallel()
	c := New(config.CollectorConfig{MaxConcurrency: 2},
		&fakeAdapter{name: "scrape", panics: true},
		&fakeAdapter{name: "search", records: []source.RawRecord{rec("search", "https://a")}},
	)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if len(res.Records) != 1 {
		t.Fatalf("panicking adapter took down the run: %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Adapter != "scrape" {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestCollectTotalFailure(t *testing.T) {
	t.Parallel()
	c := New(config.CollectorConfig{MaxConcurrency: 2},
		&fakeAdapter{name: "search", err: source.NewAdapterError("search", source.ParseFailure, "bad", nil)},
	)
	res := c.Collect(context.Background(), source.QuerySpec{})
	if !res.TotalFailure() {
		t.Fatalf("expected total failure")
	}
}
