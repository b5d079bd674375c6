// Package matcher scores catalog titles against a noisy announce title.
package matcher

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/cases"
)

// Candidate is a catalog title paired with its similarity to the noisy title.
type Candidate struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Scorer returns a similarity in [0,1] for two titles.
type Scorer func(a, b string) float64

// Ratio is the Ratcliff/Obershelp similarity (2*M/T) of the case-folded
// inputs, computed rune by rune.
func Ratio(a, b string) float64 {
	// A Caser keeps state between calls, so each call gets its own.
	fold := cases.Fold()
	a, b = fold.String(a), fold.String(b)
	if a == b {
		return 1.0
	}
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// Matcher picks the best candidate for a noisy title.
type Matcher struct {
	score Scorer
}

// New returns a Matcher using score, or Ratio when score is nil.
func New(score Scorer) *Matcher {
	if score == nil {
		score = Ratio
	}
	return &Matcher{score: score}
}

// Best returns the highest scoring candidate. Ties keep the first candidate
// encountered, so callers control precedence through candidate order.
func (m *Matcher) Best(noisy string, candidates []string) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := Candidate{Title: candidates[0], Score: m.score(noisy, candidates[0])}
	for _, title := range candidates[1:] {
		if s := m.score(noisy, title); s > best.Score {
			best = Candidate{Title: title, Score: s}
		}
	}
	return best, true
}

// Rank scores every candidate and returns up to limit of them ordered by
// descending score, ties in candidate order. A limit <= 0 returns all.
func (m *Matcher) Rank(noisy string, candidates []string, limit int) []Candidate {
	ranked := make([]Candidate, len(candidates))
	for i, title := range candidates {
		ranked[i] = Candidate{Title: title, Score: m.score(noisy, title)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
