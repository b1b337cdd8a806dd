package source

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/factoryscout/factoryscout/config"
)

const (
	tavilyURL = "https://api.tavily.com/search"
	serperURL = "https://google.serper.dev/search"
)

// SearchAdapter queries a web search provider for recent industry coverage.
// Tavily is preferred, Serper is the fallback, and when neither key is
// configured it degrades to fetching the curated industry domains directly.
type SearchAdapter struct {
	cfg    config.SearchConfig
	http   *HTTPClient
	scrape *ScrapeAdapter // curated-domain fallback
	logger *log.Logger

	tavilyURL string
	serperURL string
}

func NewSearchAdapter(cfg config.SearchConfig, timeout time.Duration, scrape *ScrapeAdapter) *SearchAdapter {
	return &SearchAdapter{
		cfg:       cfg,
		http:      NewHTTPClient("search", timeout),
		scrape:    scrape,
		logger:    log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
		tavilyURL: tavilyURL,
		serperURL: serperURL,
	}
}

func (a *SearchAdapter) Name() string { return "search" }

func (a *SearchAdapter) Collect(ctx context.Context, spec QuerySpec) ([]RawRecord, error) {
	max := spec.MaxResults
	if max <= 0 || (a.cfg.MaxResults > 0 && max > a.cfg.MaxResults) {
		max = a.cfg.MaxResults
	}
	if max <= 0 {
		max = 10
	}

	var lastErr error
	if a.cfg.TavilyAPIKey != "" {
		recs, err := a.tavily(ctx, spec.QueryString(), max)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		a.logger.Printf("tavily failed: %v", err)
	}
	if a.cfg.SerperAPIKey != "" {
		recs, err := a.serper(ctx, spec.QueryString(), max)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		a.logger.Printf("serper failed: %v", err)
	}
	if a.scrape != nil && len(a.cfg.Domains) > 0 {
		a.logger.Printf("falling back to %d curated industry domains", len(a.cfg.Domains))
		recs, err := a.curated(ctx, max)
		if err == nil {
			return recs, nil
		}
		// keep the provider error when one exists so retryable kinds
		// (rate limits, timeouts) survive the fallback chain
		if lastErr == nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, AsAdapterError(a.Name(), lastErr)
	}
	return nil, NewAdapterError(a.Name(), AuthFailure, "no search provider configured", nil)
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (a *SearchAdapter) tavily(ctx context.Context, query string, max int) ([]RawRecord, error) {
	payload := map[string]any{
		"api_key":     a.cfg.TavilyAPIKey,
		"query":       query,
		"max_results": max,
		"topic":       "news",
	}
	var out tavilyResponse
	if err := a.http.DoJSON(ctx, http.MethodPost, a.tavilyURL, nil, payload, &out); err != nil {
		return nil, err
	}
	recs := make([]RawRecord, 0, len(out.Results))
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		recs = append(recs, RawRecord{
			ID:        uuid.NewString(),
			Adapter:   a.Name(),
			Origin:    r.URL,
			Title:     r.Title,
			Text:      r.Content,
			FetchedAt: time.Now().UTC(),
			Status:    FetchOK,
		})
	}
	if len(recs) == 0 {
		return nil, NewAdapterError(a.Name(), ParseFailure, "tavily returned no results", nil)
	}
	return recs, nil
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (a *SearchAdapter) serper(ctx context.Context, query string, max int) ([]RawRecord, error) {
	payload := map[string]any{"q": query, "num": max}
	headers := map[string]string{"X-API-KEY": a.cfg.SerperAPIKey}
	var out serperResponse
	if err := a.http.DoJSON(ctx, http.MethodPost, a.serperURL, headers, payload, &out); err != nil {
		return nil, err
	}
	recs := make([]RawRecord, 0, len(out.Organic))
	for _, r := range out.Organic {
		if r.Link == "" {
			continue
		}
		recs = append(recs, RawRecord{
			ID:        uuid.NewString(),
			Adapter:   a.Name(),
			Origin:    r.Link,
			Title:     r.Title,
			Text:      r.Snippet,
			FetchedAt: time.Now().UTC(),
			Status:    FetchOK,
		})
	}
	if len(recs) == 0 {
		return nil, NewAdapterError(a.Name(), ParseFailure, "serper returned no results", nil)
	}
	return recs, nil
}

func (a *SearchAdapter) curated(ctx context.Context, max int) ([]RawRecord, error) {
	var recs []RawRecord
	for _, domain := range a.cfg.Domains {
		if len(recs) >= max {
			break
		}
		rec, err := a.scrape.fetchOne(ctx, "https://"+domain)
		if err != nil {
			a.logger.Printf("curated fetch %s: %v", domain, err)
			continue
		}
		rec.Adapter = a.Name()
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, NewAdapterError(a.Name(), ParseFailure, "all curated domains failed", nil)
	}
	return recs, nil
}

var _ Adapter = (*SearchAdapter)(nil)
