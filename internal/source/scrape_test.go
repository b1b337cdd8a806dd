package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/factoryscout/factoryscout/config"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Edge computing on the plant floor</title></head>
<body><article>
<h1>Edge computing on the plant floor</h1>
<p>Manufacturers are moving analytics closer to machines to reduce latency and keep line data on premises. Vendors report double digit adoption growth across automotive and food processing plants this year.</p>
<p>The shift pairs well with predictive maintenance programs that need sub-second scoring of vibration data from critical assets.</p>
</article></body></html>`

func TestScrapeCollectExtractsText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	a := NewScrapeAdapter(config.ScrapeConfig{SeedURLs: []string{srv.URL}, MaxSites: 5}, time.Second, nil)
	recs, err := a.Collect(context.Background(), QuerySpec{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Status != FetchOK {
		t.Fatalf("status = %s, want ok", recs[0].Status)
	}
	if !strings.Contains(recs[0].Text, "predictive maintenance") {
		t.Fatalf("extracted text missing article body: %q", recs[0].Text)
	}
}

func TestScrapeMarksFailedSeeds(t *testing.T) {
	t.Parallel()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	a := NewScrapeAdapter(config.ScrapeConfig{SeedURLs: []string{bad.URL, ok.URL}, MaxSites: 5}, time.Second, nil)
	recs, err := a.Collect(context.Background(), QuerySpec{})
	if err != nil {
		t.Fatalf("Collect should tolerate partial seed failure: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	var okCount, errCount int
	for _, r := range recs {
		switch r.Status {
		case FetchOK:
			okCount++
		case FetchError:
			errCount++
			if r.Error == "" {
				t.Fatalf("failed record missing error detail")
			}
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Fatalf("ok=%d err=%d, want 1/1", okCount, errCount)
	}
}

func TestScrapeAllSeedsFail(t *testing.T) {
	t.Parallel()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	a := NewScrapeAdapter(config.ScrapeConfig{SeedURLs: []string{bad.URL}}, time.Second, nil)
	_, err := a.Collect(context.Background(), QuerySpec{})
	if err == nil {
		t.Fatalf("expected error when every seed fails")
	}
	ae := AsAdapterError("scrape", err)
	if ae.Kind != AuthFailure {
		t.Fatalf("kind = %s, want auth_failure", ae.Kind)
	}
}

func TestExtractGoqueryFallback(t *testing.T) {
	t.Parallel()
	// too little structure for readability, still has paragraph text
	html := `<html><head><title>Brief</title><script>var x=1;</script></head><body><p>Robot cell retrofit notes.</p></body></html>`
	title, text, err := extract(html, "https://example.com/brief")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if title == "" {
		t.Fatalf("expected a title")
	}
	if !strings.Contains(text, "Robot cell retrofit") {
		t.Fatalf("text = %q", text)
	}
	if strings.Contains(text, "var x=1") {
		t.Fatalf("script content leaked into text")
	}
}

func TestExtractNoText(t *testing.T) {
	t.Parallel()
	if _, _, err := extract("<html><body></body></html>", "https://example.com/empty"); err == nil {
		t.Fatalf("expected error for empty document")
	}
}
