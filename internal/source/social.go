package source

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/factoryscout/factoryscout/config"
)

// SocialAdapter pulls recent posts from the configured social endpoint.
// Without an access token it degrades to scraping the public company pages
// of the major industrial automation vendors.
type SocialAdapter struct {
	cfg    config.SocialConfig
	http   *HTTPClient
	scrape *ScrapeAdapter
	logger *log.Logger
}

func NewSocialAdapter(cfg config.SocialConfig, timeout time.Duration, scrape *ScrapeAdapter) *SocialAdapter {
	return &SocialAdapter{
		cfg:    cfg,
		http:   NewHTTPClient("social", timeout),
		scrape: scrape,
		logger: log.New(log.Writer(), "[SOCIAL] ", log.LstdFlags),
	}
}

func (a *SocialAdapter) Name() string { return "social" }

func (a *SocialAdapter) Collect(ctx context.Context, spec QuerySpec) ([]RawRecord, error) {
	max := spec.MaxResults
	if max <= 0 || (a.cfg.MaxPosts > 0 && max > a.cfg.MaxPosts) {
		max = a.cfg.MaxPosts
	}
	if max <= 0 {
		max = 20
	}

	if a.cfg.AccessToken != "" && a.cfg.Endpoint != "" {
		recs, err := a.api(ctx, max)
		if err == nil {
			return recs, nil
		}
		a.logger.Printf("social api failed, trying public pages: %v", err)
	}
	return a.publicPages(ctx, max)
}

type socialFeed struct {
	Elements []struct {
		ID     string `json:"id"`
		Author string `json:"author"`
		Text   struct {
			Text string `json:"text"`
		} `json:"text"`
		PermalinkURL string `json:"permalinkUrl"`
	} `json:"elements"`
}

func (a *SocialAdapter) api(ctx context.Context, max int) ([]RawRecord, error) {
	headers := map[string]string{
		"Authorization":             "Bearer " + a.cfg.AccessToken,
		"X-Restli-Protocol-Version": "2.0.0",
	}
	var out socialFeed
	if err := a.http.DoJSON(ctx, http.MethodGet, a.cfg.Endpoint, headers, nil, &out); err != nil {
		return nil, err
	}
	recs := make([]RawRecord, 0, len(out.Elements))
	for _, e := range out.Elements {
		if len(recs) >= max {
			break
		}
		if e.Text.Text == "" {
			continue
		}
		origin := e.PermalinkURL
		if origin == "" {
			origin = e.ID
		}
		recs = append(recs, RawRecord{
			ID:        uuid.NewString(),
			Adapter:   a.Name(),
			Origin:    origin,
			Text:      e.Text.Text,
			FetchedAt: time.Now().UTC(),
			Status:    FetchOK,
		})
	}
	if len(recs) == 0 {
		return nil, NewAdapterError(a.Name(), ParseFailure, "feed returned no posts", nil)
	}
	return recs, nil
}

func (a *SocialAdapter) publicPages(ctx context.Context, max int) ([]RawRecord, error) {
	if a.scrape == nil || len(a.cfg.CompanyPages) == 0 {
		return nil, NewAdapterError(a.Name(), AuthFailure, "no access token and no company pages configured", nil)
	}
	var recs []RawRecord
	for _, page := range a.cfg.CompanyPages {
		if len(recs) >= max {
			break
		}
		rec, err := a.scrape.fetchOne(ctx, page)
		if err != nil {
			a.logger.Printf("public page %s: %v", page, err)
			continue
		}
		rec.Adapter = a.Name()
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, NewAdapterError(a.Name(), ParseFailure, "all public pages failed", nil)
	}
	return recs, nil
}

var _ Adapter = (*SocialAdapter)(nil)
