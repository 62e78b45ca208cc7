// Package score reduces Likert answers into per-dimension scores and labels.
// Scoring is pure: no I/O, deterministic, and tolerant of answers that do not
// belong to the requested tool.
package score

import (
	"strings"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
)

// Bank resolves question ids.
type Bank interface {
	Lookup(id string) (domain.Question, bool)
}

type tool struct {
	dimensions []string
	derive     func(r *domain.Result, dimensions []string)
}

var mbtiPairs = []string{"EI", "SN", "TF", "JP"}

var tools = map[domain.ToolID]tool{
	domain.ToolMBTI: {
		dimensions: mbtiPairs,
		derive: func(r *domain.Result, _ []string) {
			var b strings.Builder
			for _, pair := range mbtiPairs {
				b.WriteByte(PreferFirstLetterOnPositive(r.Scores[pair], pair))
			}
			r.Label = b.String()
		},
	},
	domain.ToolHolland: {
		dimensions: []string{"R", "I", "A", "S", "E", "C"},
		derive: func(r *domain.Result, _ []string) {
			r.Ranking = RankAlphabetical(r.Scores)
			r.Top = names(r.Ranking, 3)
			r.Label = strings.Join(r.Top, "")
		},
	},
	domain.ToolBigFive: {
		dimensions: []string{"O", "C", "E", "A", "N"},
		derive:     ranked(0, false),
	},
	domain.ToolWorkValues: {
		dimensions: []string{"ACHIEVEMENT", "INDEPENDENCE", "RECOGNITION", "RELATIONSHIPS", "SUPPORT", "WORKING_CONDITIONS"},
		derive:     ranked(3, false),
	},
	domain.ToolAttachment: {
		dimensions: []string{"SECURE", "ANXIOUS", "AVOIDANT", "FEARFUL"},
		derive:     ranked(1, true),
	},
	domain.ToolConflictStyles: {
		dimensions: []string{"COMPETING", "COLLABORATING", "COMPROMISING", "AVOIDING", "ACCOMMODATING"},
		derive:     ranked(1, true),
	},
	domain.ToolLoveLanguages: {
		dimensions: []string{"WORDS", "TIME", "GIFTS", "ACTS", "TOUCH"},
		derive:     ranked(1, true),
	},
	domain.ToolStrengths: {
		dimensions: []string{
			"ACHIEVER", "DISCIPLINE", "FOCUS", "RESPONSIBILITY",
			"COMMUNICATION", "COMMAND",
			"EMPATHY", "HARMONY",
			"ANALYTICAL", "STRATEGIC",
		},
		derive: ranked(5, false),
	},
	domain.ToolEQ: {
		dimensions: []string{"SELF_AWARENESS", "SELF_REGULATION", "MOTIVATION", "EMPATHY", "SOCIAL_SKILLS"},
		derive: func(r *domain.Result, _ []string) {
			r.Levels = make(map[string]domain.Level, len(r.Scores))
			for d, s := range r.Scores {
				r.Total += s
				r.Levels[d] = LevelFor(s)
			}
		},
	},
}

// ranked derives a canonical ranking, keeps the top n and optionally labels
// the result with the leading dimension.
func ranked(top int, label bool) func(*domain.Result, []string) {
	return func(r *domain.Result, dimensions []string) {
		r.Ranking = RankCanonical(r.Scores, dimensions)
		r.Top = names(r.Ranking, top)
		if label && len(r.Ranking) > 0 {
			r.Label = r.Ranking[0].Dimension
		}
	}
}

// Tools lists every supported tool.
func Tools() []domain.ToolID {
	return []domain.ToolID{
		domain.ToolMBTI, domain.ToolHolland, domain.ToolBigFive,
		domain.ToolWorkValues, domain.ToolAttachment, domain.ToolLoveLanguages,
		domain.ToolStrengths, domain.ToolEQ, domain.ToolConflictStyles,
	}
}

// Dimensions returns the canonical dimension order of a tool.
func Dimensions(id domain.ToolID) []string {
	t, ok := tools[id]
	if !ok {
		return nil
	}
	out := make([]string, len(t.dimensions))
	copy(out, t.dimensions)
	return out
}

type Engine struct {
	bank Bank
}

func NewEngine(b Bank) *Engine {
	return &Engine{bank: b}
}

// Score reduces answers for one tool. Answers referencing unknown questions or
// questions of another tool are skipped. Values are accumulated as given;
// range validation belongs to the caller.
func (e *Engine) Score(id domain.ToolID, answers []domain.Answer) (domain.Result, error) {
	t, ok := tools[id]
	if !ok {
		return domain.Result{}, errors.InvalidArgument("unknown tool: %s", id)
	}

	scores := make(map[string]int, len(t.dimensions))
	for _, d := range t.dimensions {
		scores[d] = 0
	}

	for _, a := range answers {
		q, ok := e.bank.Lookup(a.QuestionID)
		if !ok || q.ToolID != id {
			continue
		}

		v := a.Value
		if q.ReverseScored {
			v = -v
		}
		scores[q.Dimension] += v
	}

	r := domain.Result{
		ToolID: id,
		Scores: scores,
	}
	t.derive(&r, t.dimensions)

	return r, nil
}
