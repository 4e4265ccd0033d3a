// Package textmatch normalizes part names and scores how alike two names are.
package textmatch

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// abbreviations expands shorthand common in parts masters.
var abbreviations = map[string]string{
	"hd":    "heavy duty",
	"h/d":   "heavy duty",
	"md":    "medium duty",
	"ld":    "light duty",
	"frt":   "front",
	"fr":    "front",
	"rr":    "rear",
	"lh":    "left",
	"rh":    "right",
	"assy":  "assembly",
	"asm":   "assembly",
	"brk":   "brake",
	"w/":    "with",
	"susp":  "suspension",
	"strg":  "steering",
	"lube":  "lubrication",
	"whl":   "wheel",
	"cal":   "caliper",
	"xfer":  "transfer",
	"cyl":   "cylinder",
	"adj":   "adjuster",
	"compr": "compressor",
}

var (
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}/\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	folder       = cases.Fold()
)

// Normalize standardizes a part name for matching by:
//  1. Stripping diacritics
//  2. Case folding
//  3. Replacing punctuation with spaces
//  4. Expanding common abbreviations
//  5. Collapsing whitespace
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}
	s = folder.String(s)
	s = strings.ReplaceAll(s, "-", " ")
	s = punctRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	for i, w := range words {
		if exp, ok := abbreviations[w]; ok {
			words[i] = exp
		}
	}
	s = strings.Join(words, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Tokens returns the normalized words of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// ContainsPhrase reports whether phrase occurs in s as a run of whole words.
func ContainsPhrase(s, phrase string) bool {
	hay := " " + Normalize(s) + " "
	needle := Normalize(phrase)
	if needle == "" {
		return false
	}
	return strings.Contains(hay, " "+needle+" ")
}

// Similarity returns a score in [0, 1] for two names. It takes the better of
// the edit-distance similarity on the normalized strings and on their sorted
// word lists, so word order does not penalize a match.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	direct := levenshtein.Similarity(na, nb, nil)
	sorted := levenshtein.Similarity(sortedWords(na), sortedWords(nb), nil)
	if sorted > direct {
		return sorted
	}
	return direct
}

// Jaccard computes the word-set overlap of two names.
func Jaccard(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func sortedWords(s string) string {
	words := strings.Fields(s)
	sort.Strings(words)
	return strings.Join(words, " ")
}

func wordSet(s string) map[string]bool {
	words := Tokens(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
