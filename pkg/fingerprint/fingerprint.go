// Package fingerprint computes content-addressed identities for fetched
// documents. It is pure: no I/O, deterministic output for identical input.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint is the (contentHash, titleSignature) pair used to classify
// incoming documents.
type Fingerprint struct {
	ContentHash    string
	TitleSignature string
}

// DefaultSimilarityThreshold is the minimum title-signature similarity for
// two documents to be considered versions of the same family when their
// signatures are not byte-equal. Republished documents keep "the same" but
// not always byte-identical titles, so exact matching is too strict.
const DefaultSimilarityThreshold = 0.85

// Articles and conjunctions dropped from title signatures. Content-bearing
// words like "circular" or "notice" are kept; they distinguish documents.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {},
	"and": {}, "or": {}, "of": {}, "for": {}, "to": {}, "in": {}, "on": {},
	"by": {}, "with": {}, "at": {},
}

// Compute returns the fingerprint for a document's raw bytes and declared
// title. Byte-identical normalized input always yields the same output.
func Compute(content []byte, title string) Fingerprint {
	return Fingerprint{
		ContentHash:    ContentHash(content),
		TitleSignature: TitleSignature(title),
	}
}

// ContentHash is the SHA-256 hex digest of the normalized content, so that
// trivial re-encoding (BOM, whitespace, NFC/NFD) does not create a false
// "new" document.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(NormalizeContent(content))
	return hex.EncodeToString(sum[:])
}

// NormalizeContent strips a UTF-8 BOM, applies NFC normalization, and
// collapses all whitespace runs to single spaces.
func NormalizeContent(content []byte) []byte {
	content = stripBOM(content)
	normalized := norm.NFC.Bytes(content)
	return collapseWhitespace(normalized)
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func collapseWhitespace(b []byte) []byte {
	var out []byte
	inSpace := false
	for _, r := range string(b) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && len(out) > 0 {
			out = append(out, ' ')
		}
		inSpace = false
		out = append(out, []byte(string(r))...)
	}
	return out
}

// TitleSignature normalizes a title for family matching: NFC, lowercased,
// punctuation stripped, articles and conjunctions dropped, whitespace
// collapsed.
func TitleSignature(title string) string {
	lowered := strings.ToLower(norm.NFC.String(title))

	var b strings.Builder
	for _, r := range lowered {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if _, skip := stopWords[w]; skip {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Similarity returns the normalized Levenshtein similarity of two title
// signatures in [0, 1]. Identical signatures score 1; two empty signatures
// score 0 so that untitled documents never match each other by title.
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	dist := levenshtein(ra, rb)
	return 1 - float64(dist)/float64(maxLen)
}

// Similar reports whether two signatures meet the threshold.
func Similar(a, b string, threshold float64) bool {
	return Similarity(a, b) >= threshold
}

// levenshtein computes edit distance with a two-row DP.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
