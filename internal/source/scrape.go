package source

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"github.com/factoryscout/factoryscout/config"
)

// ScrapeAdapter fetches the configured seed sites and extracts their main
// article text. Extraction prefers readability and falls back to a plain
// goquery text pass; pages that need JavaScript can be rendered headlessly
// when render_js is on.
type ScrapeAdapter struct {
	cfg      config.ScrapeConfig
	http     *HTTPClient
	cache    *FetchCache
	renderer *Renderer
	logger   *log.Logger
}

func NewScrapeAdapter(cfg config.ScrapeConfig, timeout time.Duration, cache *FetchCache) *ScrapeAdapter {
	a := &ScrapeAdapter{
		cfg:    cfg,
		http:   NewHTTPClient("scrape", timeout),
		cache:  cache,
		logger: log.New(log.Writer(), "[SCRAPE] ", log.LstdFlags),
	}
	if cfg.RenderJS {
		a.renderer = NewRenderer(timeout)
	}
	return a
}

func (a *ScrapeAdapter) Name() string { return "scrape" }

func (a *ScrapeAdapter) Collect(ctx context.Context, spec QuerySpec) ([]RawRecord, error) {
	max := a.cfg.MaxSites
	if max <= 0 {
		max = len(a.cfg.SeedURLs)
	}

	var recs []RawRecord
	var lastErr error
	for _, seed := range a.cfg.SeedURLs {
		if len(recs) >= max {
			break
		}
		rec, err := a.fetchOne(ctx, seed)
		if err != nil {
			lastErr = err
			a.logger.Printf("fetch %s: %v", seed, err)
			recs = append(recs, RawRecord{
				ID:        uuid.NewString(),
				Adapter:   a.Name(),
				Origin:    seed,
				FetchedAt: time.Now().UTC(),
				Status:    FetchError,
				Error:     err.Error(),
			})
			continue
		}
		recs = append(recs, rec)
	}

	if !hasOK(recs) {
		if lastErr != nil {
			return recs, AsAdapterError(a.Name(), lastErr)
		}
		return recs, NewAdapterError(a.Name(), ParseFailure, "no seed URLs configured", nil)
	}
	return recs, nil
}

// fetchOne retrieves one page through the cache and extracts its text.
func (a *ScrapeAdapter) fetchOne(ctx context.Context, pageURL string) (RawRecord, error) {
	body, hit := a.cache.Get(ctx, pageURL)
	if !hit {
		headers := map[string]string{"User-Agent": a.cfg.UserAgent}
		raw, err := a.http.Get(ctx, pageURL, headers, a.maxBody())
		if err != nil && a.renderer != nil {
			rendered, rerr := a.renderer.HTML(ctx, pageURL)
			if rerr != nil {
				return RawRecord{}, err
			}
			raw = []byte(rendered)
		} else if err != nil {
			return RawRecord{}, err
		}
		body = string(raw)
		a.cache.Set(ctx, pageURL, body)
	}

	title, text, err := extract(body, pageURL)
	if err != nil {
		return RawRecord{}, NewAdapterError(a.Name(), ParseFailure, pageURL, err)
	}
	return RawRecord{
		ID:        uuid.NewString(),
		Adapter:   a.Name(),
		Origin:    pageURL,
		Title:     title,
		Text:      text,
		FetchedAt: time.Now().UTC(),
		Status:    FetchOK,
	}, nil
}

func (a *ScrapeAdapter) maxBody() int64 {
	if a.cfg.MaxBodyBytes > 0 {
		return a.cfg.MaxBodyBytes
	}
	return 2 << 20
}

// extract pulls the main article text out of an HTML document, preferring
// readability and falling back to stripping tags with goquery.
func extract(html, pageURL string) (title, text string, err error) {
	u, _ := url.Parse(pageURL)
	article, rerr := readability.FromReader(strings.NewReader(html), u)
	if rerr == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, strings.TrimSpace(article.TextContent), nil
	}

	doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html))
	if derr != nil {
		return "", "", derr
	}
	doc.Find("script, style, nav, footer, header").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())
	var parts []string
	doc.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	text = strings.Join(parts, "\n")
	if text == "" {
		return "", "", NewAdapterError("scrape", ParseFailure, "no extractable text", nil)
	}
	return title, text, nil
}

func hasOK(recs []RawRecord) bool {
	for _, r := range recs {
		if r.Status == FetchOK {
			return true
		}
	}
	return false
}

var _ Adapter = (*ScrapeAdapter)(nil)
