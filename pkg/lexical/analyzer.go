// Package lexical is the keyword analyzer used by the in-process store. It
// mirrors the Postgres text search configuration closely enough for ranking:
// lowercase word tokens, per-language stopwords and light plural folding.
package lexical

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/xhad/ctxrag/internal/models"
)

var stopwords = map[string][]string{
	"english": {
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this", "or",
	},
	"portuguese": {
		"a", "o", "as", "os", "de", "da", "do", "das", "dos", "e", "em",
		"no", "na", "nos", "nas", "um", "uma", "para", "por", "com", "que", "se",
	},
	"spanish": {
		"el", "la", "los", "las", "de", "del", "y", "en", "un", "una",
		"para", "por", "con", "que", "se", "al", "es",
	},
}

var supported = []string{"simple", "english", "portuguese", "spanish", "french", "german", "italian"}

// SupportedLanguages lists the analyzer languages accepted for
// search_language. Each one is also a built-in Postgres text search config.
func SupportedLanguages() []string {
	return append([]string(nil), supported...)
}

func IsSupported(language string) bool {
	for _, l := range supported {
		if l == language {
			return true
		}
	}
	return false
}

type Analyzer struct {
	language  string
	stopwords map[string]struct{}
}

func New(language string) (*Analyzer, error) {
	if !IsSupported(language) {
		return nil, fmt.Errorf("%w: unsupported search language %q (supported: %s)",
			models.ErrValidation, language, strings.Join(supported, ", "))
	}
	a := &Analyzer{
		language:  language,
		stopwords: make(map[string]struct{}),
	}
	for _, w := range stopwords[language] {
		a.stopwords[w] = struct{}{}
	}
	return a, nil
}

func (a *Analyzer) Language() string {
	return a.language
}

// Terms splits text into normalized index terms in document order.
func (a *Analyzer) Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := a.stopwords[w]; stop {
			continue
		}
		terms = append(terms, a.fold(w))
	}
	return terms
}

// fold strips a plural "s" for the non-simple configurations.
func (a *Analyzer) fold(w string) string {
	if a.language == "simple" {
		return w
	}
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// Document is the derived lexical representation of a chunk.
type Document struct {
	TF     map[string]int
	Length int
}

func (a *Analyzer) Index(text string) Document {
	terms := a.Terms(text)
	doc := Document{TF: make(map[string]int, len(terms)), Length: len(terms)}
	for _, t := range terms {
		doc.TF[t]++
	}
	return doc
}

// Query returns the distinct terms of a query, sorted.
func (a *Analyzer) Query(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range a.Terms(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Rank scores a document against query terms. A document matches when any
// query term occurs in it; the rank averages a saturated term frequency
// over the query terms and stays within [0, 1).
func Rank(queryTerms []string, doc Document) (float64, bool) {
	if len(queryTerms) == 0 || doc.Length == 0 {
		return 0, false
	}

	var sum float64
	matched := false
	for _, q := range queryTerms {
		tf := doc.TF[q]
		if tf == 0 {
			continue
		}
		matched = true
		sum += float64(tf) / (float64(tf) + 1)
	}
	if !matched {
		return 0, false
	}
	return sum / float64(len(queryTerms)), true
}
