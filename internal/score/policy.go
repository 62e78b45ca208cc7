package score

import (
	"sort"

	"github.com/victornm/baseera/internal/domain"
)

// EQ level thresholds, inclusive.
const (
	HighThreshold = 4
	LowThreshold  = -4
)

// PreferFirstLetterOnPositive picks the first letter of an MBTI pair when the
// dimension score is strictly positive, otherwise the second. A zero score
// yields the second letter (I, N, F or P).
func PreferFirstLetterOnPositive(score int, pair string) byte {
	if score > 0 {
		return pair[0]
	}
	return pair[1]
}

// RankAlphabetical orders dimensions by descending score, ties by ascending name.
func RankAlphabetical(scores map[string]int) []domain.DimensionScore {
	out := flatten(scores)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Dimension < out[j].Dimension
	})
	return out
}

// RankCanonical orders dimensions by descending score, ties by their position
// in order. Dimensions absent from order sort after it by name.
func RankCanonical(scores map[string]int, order []string) []domain.DimensionScore {
	pos := make(map[string]int, len(order))
	for i, d := range order {
		pos[d] = i
	}

	rank := func(d string) int {
		if p, ok := pos[d]; ok {
			return p
		}
		return len(order)
	}

	out := flatten(scores)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := rank(a.Dimension), rank(b.Dimension); ra != rb {
			return ra < rb
		}
		return a.Dimension < b.Dimension
	})
	return out
}

// LevelFor bands an EQ dimension score.
func LevelFor(score int) domain.Level {
	switch {
	case score >= HighThreshold:
		return domain.LevelHigh
	case score <= LowThreshold:
		return domain.LevelLow
	default:
		return domain.LevelMedium
	}
}

// TopN returns the first n dimensions of a result's ranking. Results without a
// ranking (MBTI, EQ) are ranked canonically on the fly.
func TopN(r domain.Result, n int) []string {
	ranking := r.Ranking
	if len(ranking) == 0 {
		ranking = RankCanonical(r.Scores, Dimensions(r.ToolID))
	}
	return names(ranking, n)
}

func flatten(scores map[string]int) []domain.DimensionScore {
	out := make([]domain.DimensionScore, 0, len(scores))
	for d, s := range scores {
		out = append(out, domain.DimensionScore{Dimension: d, Score: s})
	}
	return out
}

func names(ranking []domain.DimensionScore, n int) []string {
	if n > len(ranking) {
		n = len(ranking)
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, n)
	for i := range out {
		out[i] = ranking[i].Dimension
	}
	return out
}
