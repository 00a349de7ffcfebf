package resolver

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"todobot/internal/model"
)

// Score bands. Below scoreMinimum the resolver falls back to substring
// containment; between the two thresholds a match is reported with low
// confidence so the caller can disclose it.
const (
	scoreConfident = 85.0
	scoreMinimum   = 60.0
	tieDelta       = 2.0
)

// Confidence tells the caller whether the selected match needs disclosure.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

var (
	// ErrEmptyQuery means the caller passed no text to resolve.
	ErrEmptyQuery = errors.New("empty task reference")
	// ErrNoMatch means neither scoring nor substring fallback found a task.
	ErrNoMatch = errors.New("no matching task")
)

// Match is the outcome of a successful resolution.
type Match struct {
	Task          model.Task
	Score         float64
	Confidence    Confidence
	Disambiguated bool
}

// Resolve selects the candidate best matching query. Candidates within
// tieDelta of the top score count as tied and are ordered by due date:
// overdue (earliest first), then due today, then upcoming (nearest first),
// then no due date. The result is deterministic regardless of input order.
// now must carry the user's local timezone; day boundaries are local midnight.
func Resolve(query string, candidates []model.Task, now time.Time) (Match, error) {
	if strings.TrimSpace(query) == "" {
		return Match{}, ErrEmptyQuery
	}
	if len(candidates) == 0 {
		return Match{}, ErrNoMatch
	}

	scores := make([]float64, len(candidates))
	top := 0.0
	for i, c := range candidates {
		scores[i] = Score(query, c.Description)
		if scores[i] > top {
			top = scores[i]
		}
	}

	if top < scoreMinimum {
		return resolveSubstring(query, candidates, scores, now)
	}

	var tied []int
	for i, s := range scores {
		if s >= top-tieDelta {
			tied = append(tied, i)
		}
	}
	pick := tieBreak(tied, candidates, now)

	m := Match{
		Task:          candidates[pick],
		Score:         scores[pick],
		Confidence:    ConfidenceHigh,
		Disambiguated: len(tied) > 1,
	}
	if m.Score < scoreConfident {
		m.Confidence = ConfidenceLow
	}
	return m, nil
}

// resolveSubstring is the fallback pass: plain case-folded containment of the
// query in the candidate description. Always low confidence.
func resolveSubstring(query string, candidates []model.Task, scores []float64, now time.Time) (Match, error) {
	folded := strings.ToLower(strings.TrimSpace(query))
	var hits []int
	for i, c := range candidates {
		if strings.Contains(strings.ToLower(c.Description), folded) {
			hits = append(hits, i)
		}
	}
	if len(hits) == 0 {
		return Match{}, ErrNoMatch
	}
	pick := tieBreak(hits, candidates, now)
	return Match{
		Task:          candidates[pick],
		Score:         scores[pick],
		Confidence:    ConfidenceLow,
		Disambiguated: len(hits) > 1,
	}, nil
}

// tieBreak orders the tied indices by due-date priority and returns the
// winner. Task ID is the final key so the ordering is total.
func tieBreak(tied []int, candidates []model.Task, now time.Time) int {
	ordered := make([]int, len(tied))
	copy(ordered, tied)
	sort.SliceStable(ordered, func(a, b int) bool {
		ta, tb := candidates[ordered[a]], candidates[ordered[b]]
		ca, cb := ClassifyDue(ta.DueAt, now), ClassifyDue(tb.DueAt, now)
		if ca != cb {
			return ca < cb
		}
		if ta.DueAt != nil && tb.DueAt != nil && !ta.DueAt.Equal(*tb.DueAt) {
			return ta.DueAt.Before(*tb.DueAt)
		}
		return ta.ID < tb.ID
	})
	return ordered[0]
}

// DueClass buckets a due date relative to now for tie-breaking and summaries.
type DueClass int

const (
	ClassOverdue DueClass = iota
	ClassDueToday
	ClassUpcoming
	ClassNoDue
)

// ClassifyDue buckets due against local midnight boundaries in now's location.
func ClassifyDue(due *time.Time, now time.Time) DueClass {
	if due == nil {
		return ClassNoDue
	}
	loc := now.Location()
	year, month, day := now.In(loc).Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	d := due.In(loc)
	switch {
	case d.Before(start):
		return ClassOverdue
	case d.Before(end):
		return ClassDueToday
	default:
		return ClassUpcoming
	}
}

// Score computes an order-independent token similarity between query and text
// on a 0-100 scale. Each token is matched against its closest counterpart by
// normalized edit distance, so transpositions and dropped letters inside a
// token degrade the score gradually instead of zeroing it.
func Score(query, text string) float64 {
	qt := tokens(query)
	tt := tokens(text)
	if len(qt) == 0 || len(tt) == 0 {
		return 0
	}
	total := directional(qt, tt) + directional(tt, qt)
	return 100 * total / float64(len(qt)+len(tt))
}

func directional(from, to []string) float64 {
	var sum float64
	for _, a := range from {
		best := 0.0
		for _, b := range to {
			if s := tokenSimilarity(a, b); s > best {
				best = s
			}
			if best == 1 {
				break
			}
		}
		sum += best
	}
	return sum
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	if dist >= maxLen {
		return 0
	}
	return 1 - float64(dist)/float64(maxLen)
}

func tokens(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
