package jd

import (
	"sort"
	"strings"
	"unicode"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// MaxKeywords caps the keywords derived for a JobContext.
const MaxKeywords = 25

//nolint:gochecknoglobals // Stopword table
var stopwords = map[string]bool{
	"a": true, "about": true, "all": true, "also": true, "an": true, "and": true, "any": true,
	"are": true, "as": true, "at": true, "be": true, "been": true, "but": true, "by": true,
	"can": true, "do": true, "for": true, "from": true, "has": true, "have": true, "how": true,
	"if": true, "in": true, "into": true, "is": true, "it": true, "its": true, "job": true,
	"may": true, "more": true, "must": true, "new": true, "not": true, "of": true, "on": true,
	"or": true, "our": true, "role": true, "so": true, "such": true, "that": true, "the": true,
	"their": true, "them": true, "they": true, "this": true, "to": true, "us": true, "we": true,
	"what": true, "who": true, "will": true, "with": true, "work": true, "you": true,
	"your": true, "years": true, "experience": true, "team": true, "strong": true,
	"ability": true, "including": true, "across": true, "within": true, "well": true,
}

// NewJobContext builds the immutable job context for a session.
func NewJobContext(description string) (job session.JobContext) {
	job = session.JobContext{
		Description: strings.TrimSpace(description),
		Keywords:    Keywords(description, MaxKeywords),
	}
	return job
}

// Keywords returns up to limit non-stopword terms ordered by frequency, ties
// by first appearance.
func Keywords(text string, limit int) (keywords []string) {
	counts := make(map[string]int)
	first := make(map[string]int)

	for i, tok := range Tokenize(text) {
		if stopwords[tok] || len(tok) < 2 {
			continue
		}
		if _, seen := first[tok]; !seen {
			first[tok] = i
		}
		counts[tok]++
	}

	keywords = make([]string, 0, len(counts))
	for tok := range counts {
		keywords = append(keywords, tok)
	}

	sort.Slice(keywords, func(i, j int) bool {
		a, b := keywords[i], keywords[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return first[a] < first[b]
	})

	if limit > 0 && len(keywords) > limit {
		keywords = keywords[:limit]
	}

	return keywords
}

// Tokenize lowercases text and splits it into terms. Characters common in
// technology names (+, #, ., -) stay inside a term.
func Tokenize(text string) (tokens []string) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#' && r != '.' && r != '-'
	})

	for _, f := range fields {
		f = strings.Trim(f, ".-")
		if f != "" {
			tokens = append(tokens, f)
		}
	}

	return tokens
}

// IsStopword reports whether tok carries no signal for matching.
func IsStopword(tok string) (ok bool) {
	ok = stopwords[tok]
	return ok
}
