package collector

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/source"
)

// RetryPolicy bounds per-adapter attempts. Backoff doubles per attempt.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	return base * time.Duration(1<<attempt)
}

// Result is the outcome of one collection phase: every record that was
// gathered plus the terminal error of each adapter that failed. One failing
// adapter never discards another adapter's records.
type Result struct {
	Records []source.RawRecord
	Errors  []*source.AdapterError
}

// Partial reports whether some adapters failed while others produced data.
func (r Result) Partial() bool {
	return len(r.Errors) > 0 && len(r.Records) > 0
}

// TotalFailure reports whether no adapter produced any record.
func (r Result) TotalFailure() bool {
	return len(r.Records) == 0
}

// Collector fans a query out to all registered adapters concurrently,
// bounded by a semaphore, and merges their outputs deterministically.
type Collector struct {
	adapters []source.Adapter
	timeout  time.Duration
	maxConc  int
	retry    RetryPolicy
	logger   *log.Logger
}

func New(cfg config.CollectorConfig, adapters ...source.Adapter) *Collector {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = len(adapters)
	}
	return &Collector{
		adapters: adapters,
		timeout:  cfg.AdapterTimeout,
		maxConc:  maxConc,
		retry:    RetryPolicy{MaxAttempts: cfg.MaxAttempts, BackoffBase: cfg.BackoffBase},
		logger:   log.New(log.Writer(), "[COLLECTOR] ", log.LstdFlags),
	}
}

// Collect runs every adapter and returns the merged result. Records are
// ordered by adapter name then origin so repeated runs over identical
// inputs produce identical output.
func (c *Collector) Collect(ctx context.Context, spec source.QuerySpec) Result {
	type outcome struct {
		records []source.RawRecord
		err     *source.AdapterError
	}

	sem := make(chan struct{}, c.maxConc)
	outcomes := make([]outcome, len(c.adapters))
	var wg sync.WaitGroup

	for i, ad := range c.adapters {
		wg.Add(1)
		go func(i int, ad source.Adapter) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = outcome{err: source.NewAdapterError(ad.Name(), source.Timeout, "run cancelled", ctx.Err())}
				return
			}
			recs, err := c.collectOne(ctx, ad, spec)
			outcomes[i] = outcome{records: recs, err: err}
		}(i, ad)
	}
	wg.Wait()

	var res Result
	for _, o := range outcomes {
		res.Records = append(res.Records, o.records...)
		if o.err != nil {
			res.Errors = append(res.Errors, o.err)
		}
	}
	sort.Slice(res.Records, func(i, j int) bool {
		a, b := res.Records[i], res.Records[j]
		if a.Adapter != b.Adapter {
			return a.Adapter < b.Adapter
		}
		return a.Origin < b.Origin
	})
	sort.Slice(res.Errors, func(i, j int) bool {
		return res.Errors[i].Adapter < res.Errors[j].Adapter
	})
	c.logger.Printf("collected %d records, %d adapter failures", len(res.Records), len(res.Errors))
	return res
}

// collectOne applies the per-adapter timeout and retry policy. A panicking
// adapter is contained and reported as its own failure.
func (c *Collector) collectOne(ctx context.Context, ad source.Adapter, spec source.QuerySpec) (recs []source.RawRecord, aerr *source.AdapterError) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("adapter %s panicked: %v", ad.Name(), r)
			recs = nil
			aerr = source.NewAdapterError(ad.Name(), source.ParseFailure, "adapter panicked", nil)
		}
	}()

	attempts := c.retry.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		out, err := ad.Collect(runCtx, spec)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		aerr = source.AsAdapterError(ad.Name(), err)
		if !aerr.Retryable() || attempt == attempts-1 {
			return nil, aerr
		}
		c.logger.Printf("adapter %s attempt %d/%d failed (%s), retrying", ad.Name(), attempt+1, attempts, aerr.Kind)
		select {
		case <-time.After(c.retry.backoff(attempt)):
		case <-ctx.Done():
			return nil, source.NewAdapterError(ad.Name(), source.Timeout, "run cancelled", ctx.Err())
		}
	}
	return nil, aerr
}
