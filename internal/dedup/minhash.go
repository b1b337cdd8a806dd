package dedup

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Signature is a min-hash sketch of a document's word shingles. Two
// documents' estimated Jaccard similarity is the fraction of matching
// sketch positions.
type Signature []uint64

// NewSignature sketches the normalised text with `size` hash slots over
// `shingle`-word shingles. Documents shorter than one shingle fall back to
// hashing the whole text.
func NewSignature(text string, shingle, size int) Signature {
	if shingle <= 0 {
		shingle = 4
	}
	if size <= 0 {
		size = 128
	}
	words := strings.Fields(NormalizeText(text))

	sig := make(Signature, size)
	for i := range sig {
		sig[i] = ^uint64(0)
	}

	emit := func(s string) {
		h := xxhash.Sum64String(s)
		for i := range sig {
			// cheap per-slot permutation of the base hash
			hv := h ^ (uint64(i+1) * 0x9e3779b97f4a7c15)
			hv ^= hv >> 33
			hv *= 0xff51afd7ed558ccd
			hv ^= hv >> 33
			if hv < sig[i] {
				sig[i] = hv
			}
		}
	}

	if len(words) < shingle {
		emit(strings.Join(words, " "))
		return sig
	}
	for i := 0; i+shingle <= len(words); i++ {
		emit(strings.Join(words[i:i+shingle], " "))
	}
	return sig
}

// Similarity estimates Jaccard similarity between two sketches of equal
// length. Mismatched lengths compare as dissimilar.
func (s Signature) Similarity(other Signature) float64 {
	if len(s) == 0 || len(s) != len(other) {
		return 0
	}
	match := 0
	for i := range s {
		if s[i] == other[i] {
			match++
		}
	}
	return float64(match) / float64(len(s))
}
