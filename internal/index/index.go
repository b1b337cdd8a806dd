package index

import (
	"fmt"
	"log"
	"os"

	"github.com/blevesearch/bleve"

	"github.com/factoryscout/factoryscout/internal/dedup"
)

// Index is a BM25 keyword index over normalized records, used by the
// search command and downstream agents that want to drill into the
// material behind a report.
type Index struct {
	idx    bleve.Index
	logger *log.Logger
}

type document struct {
	RunID string `json:"run_id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Open opens the index at path, creating it on first use. An empty path
// returns a memory-only index.
func Open(path string) (*Index, error) {
	logger := log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("bleve: %w", err)
		}
		return &Index{idx: idx, logger: logger}, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		idx, err = bleve.New(path, bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index %s: %w", path, err)
		}
	}
	return &Index{idx: idx, logger: logger}, nil
}

func (i *Index) Close() error { return i.idx.Close() }

// IndexRecords adds one run's normalized records in a single batch.
func (i *Index) IndexRecords(runID string, records []dedup.NormalizedRecord) error {
	batch := i.idx.NewBatch()
	for _, r := range records {
		doc := document{RunID: runID, URL: r.CanonicalURL, Title: r.Title, Body: r.Text}
		if err := batch.Index(r.ID, doc); err != nil {
			return fmt.Errorf("index record %s: %w", r.ID, err)
		}
	}
	if err := i.idx.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	i.logger.Printf("indexed %d records for run %s", len(records), runID)
	return nil
}

// Hit is one search result.
type Hit struct {
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
}

// Search runs a query-string query and returns the top hits with
// highlighted fragments.
func (i *Index) Search(q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Highlight = bleve.NewHighlight()

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		for _, frags := range h.Fragments {
			hit.Fragments = append(hit.Fragments, frags...)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
