package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"time"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/source"
)

// NormalizedRecord is one deduplicated piece of content. SourceIDs carries
// the full provenance: the raw record IDs this entry was merged from.
type NormalizedRecord struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Text         string    `json:"text"`
	Adapters     []string  `json:"adapters"`
	SourceIDs    []string  `json:"source_ids"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Deduplicator canonicalizes raw records and merges exact and near
// duplicates. Output is deterministic for a given input set regardless of
// input order, and a record set with no duplicates passes through with
// stable identities.
type Deduplicator struct {
	threshold float64
	shingle   int
	sigSize   int
	logger    *log.Logger
}

func New(cfg config.DedupConfig) *Deduplicator {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Deduplicator{
		threshold: threshold,
		shingle:   cfg.ShingleSize,
		sigSize:   cfg.Signature,
		logger:    log.New(log.Writer(), "[DEDUP] ", log.LstdFlags),
	}
}

type candidate struct {
	rec          source.RawRecord
	canonicalURL string
	sig          Signature
}

// Normalize drops failed fetches and empty bodies, merges duplicates and
// returns records sorted by fingerprint then ID.
func (d *Deduplicator) Normalize(raw []source.RawRecord) []NormalizedRecord {
	var cands []candidate
	for _, r := range raw {
		if r.Status != source.FetchOK || NormalizeText(r.Text) == "" {
			continue
		}
		c := candidate{rec: r}
		if cu, err := CanonicalURL(r.Origin); err == nil {
			c.canonicalURL = cu
		}
		c.sig = NewSignature(r.Text, d.shingle, d.sigSize)
		cands = append(cands, c)
	}
	// sort candidates first so cluster merging is order independent
	sort.Slice(cands, func(i, j int) bool { return cands[i].rec.ID < cands[j].rec.ID })

	uf := newUnionFind(len(cands))
	byURL := make(map[string]int)
	for i, c := range cands {
		if c.canonicalURL != "" {
			if j, seen := byURL[c.canonicalURL]; seen {
				uf.union(i, j)
			} else {
				byURL[c.canonicalURL] = i
			}
		}
		for j := 0; j < i; j++ {
			if c.sig.Similarity(cands[j].sig) >= d.threshold {
				uf.union(i, j)
			}
		}
	}

	clusters := make(map[int][]int)
	for i := range cands {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	out := make([]NormalizedRecord, 0, len(clusters))
	for _, members := range clusters {
		out = append(out, d.merge(cands, members))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fingerprint != out[j].Fingerprint {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].ID < out[j].ID
	})
	d.logger.Printf("normalized %d raw records into %d entries", len(raw), len(out))
	return out
}

// merge picks the member with the longest text as representative (smallest
// ID on ties) and unions the provenance of the rest.
func (d *Deduplicator) merge(cands []candidate, members []int) NormalizedRecord {
	rep := members[0]
	for _, m := range members[1:] {
		a, b := cands[m].rec, cands[rep].rec
		if len(a.Text) > len(b.Text) || (len(a.Text) == len(b.Text) && a.ID < b.ID) {
			rep = m
		}
	}

	r := cands[rep].rec
	adapters := map[string]struct{}{}
	var sourceIDs []string
	earliest := r.FetchedAt
	for _, m := range members {
		mr := cands[m].rec
		adapters[mr.Adapter] = struct{}{}
		sourceIDs = append(sourceIDs, mr.ID)
		if !mr.FetchedAt.IsZero() && (earliest.IsZero() || mr.FetchedAt.Before(earliest)) {
			earliest = mr.FetchedAt
		}
	}
	sort.Strings(sourceIDs)
	adapterList := make([]string, 0, len(adapters))
	for a := range adapters {
		adapterList = append(adapterList, a)
	}
	sort.Strings(adapterList)

	return NormalizedRecord{
		ID:           fingerprintOf(cands[rep]),
		Fingerprint:  fingerprintOf(cands[rep]),
		CanonicalURL: cands[rep].canonicalURL,
		Title:        r.Title,
		Text:         r.Text,
		Adapters:     adapterList,
		SourceIDs:    sourceIDs,
		FetchedAt:    earliest,
	}
}

// fingerprintOf keys a record by canonical URL when one exists, otherwise
// by its normalised text. Identity survives re-normalization.
func fingerprintOf(c candidate) string {
	basis := c.canonicalURL
	if basis == "" {
		basis = NormalizeText(c.rec.Text)
	}
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri == rj {
		return
	}
	// attach the larger root under the smaller for deterministic roots
	if ri < rj {
		u.parent[rj] = ri
	} else {
		u.parent[ri] = rj
	}
}
