package score_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/question"
	"github.com/victornm/baseera/internal/score"
)

func TestEngine_Score(t *testing.T) {
	tests := map[string]struct {
		tool      domain.ToolID
		questions []domain.Question
		answers   []domain.Answer
		assert    func(t *testing.T, r domain.Result)
	}{
		"mbti picks the first letter on strictly positive scores": {
			tool: domain.ToolMBTI,
			questions: []domain.Question{
				{ID: "m1", ToolID: domain.ToolMBTI, Dimension: "EI"},
				{ID: "m2", ToolID: domain.ToolMBTI, Dimension: "SN"},
				{ID: "m3", ToolID: domain.ToolMBTI, Dimension: "TF"},
				{ID: "m4", ToolID: domain.ToolMBTI, Dimension: "JP", ReverseScored: true},
			},
			answers: answers("m1", 2, "m2", 1, "m3", -1, "m4", -2),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "ESFJ", r.Label)
				assert.Equal(t, map[string]int{"EI": 2, "SN": 1, "TF": -1, "JP": 2}, r.Scores)
			},
		},
		"mbti with net zero on every dimension yields INFP": {
			tool: domain.ToolMBTI,
			questions: []domain.Question{
				{ID: "m1", ToolID: domain.ToolMBTI, Dimension: "EI"},
				{ID: "m2", ToolID: domain.ToolMBTI, Dimension: "EI"},
				{ID: "m3", ToolID: domain.ToolMBTI, Dimension: "SN"},
				{ID: "m4", ToolID: domain.ToolMBTI, Dimension: "SN", ReverseScored: true},
			},
			answers: answers("m1", 2, "m2", -2, "m3", 1, "m4", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "INFP", r.Label)
			},
		},
		"holland ties are broken alphabetically": {
			tool: domain.ToolHolland,
			questions: []domain.Question{
				{ID: "r1", ToolID: domain.ToolHolland, Dimension: "R"},
				{ID: "r2", ToolID: domain.ToolHolland, Dimension: "R"},
				{ID: "r3", ToolID: domain.ToolHolland, Dimension: "R"},
				{ID: "i1", ToolID: domain.ToolHolland, Dimension: "I"},
				{ID: "i2", ToolID: domain.ToolHolland, Dimension: "I"},
				{ID: "i3", ToolID: domain.ToolHolland, Dimension: "I"},
				{ID: "a1", ToolID: domain.ToolHolland, Dimension: "A"},
				{ID: "a2", ToolID: domain.ToolHolland, Dimension: "A"},
			},
			answers: answers("r1", 2, "r2", 2, "r3", 1, "i1", 2, "i2", 2, "i3", 1, "a1", 2, "a2", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, 5, r.Scores["R"])
				assert.Equal(t, 5, r.Scores["I"])
				assert.Equal(t, 3, r.Scores["A"])
				assert.Equal(t, "IRA", r.Label)
				assert.Equal(t, []string{"I", "R", "A"}, r.Top)
				assert.Len(t, r.Ranking, 6)
				// zero scores follow alphabetically: C, E, S
				assert.Equal(t, "C", r.Ranking[3].Dimension)
			},
		},
		"attachment label is the highest style": {
			tool: domain.ToolAttachment,
			questions: []domain.Question{
				{ID: "a1", ToolID: domain.ToolAttachment, Dimension: "SECURE"},
				{ID: "a2", ToolID: domain.ToolAttachment, Dimension: "AVOIDANT"},
			},
			answers: answers("a1", 1, "a2", 2),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "AVOIDANT", r.Label)
			},
		},
		"attachment ties resolve to the earliest canonical style": {
			tool: domain.ToolAttachment,
			questions: []domain.Question{
				{ID: "a1", ToolID: domain.ToolAttachment, Dimension: "FEARFUL"},
				{ID: "a2", ToolID: domain.ToolAttachment, Dimension: "ANXIOUS"},
			},
			answers: answers("a1", 2, "a2", 2),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "ANXIOUS", r.Label)
			},
		},
		"conflict style with no answers resolves to the first canonical style": {
			tool: domain.ToolConflictStyles,
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "COMPETING", r.Label)
				assert.Len(t, r.Scores, 5)
			},
		},
		"big five has no label and a full ranking": {
			tool: domain.ToolBigFive,
			questions: []domain.Question{
				{ID: "b1", ToolID: domain.ToolBigFive, Dimension: "N", ReverseScored: true},
				{ID: "b2", ToolID: domain.ToolBigFive, Dimension: "A"},
			},
			answers: answers("b1", -2, "b2", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Empty(t, r.Label)
				assert.Equal(t, 2, r.Scores["N"])
				assert.Equal(t, []string{"N", "A"}, score.TopN(r, 2))
			},
		},
		"work values keep the top three": {
			tool: domain.ToolWorkValues,
			questions: []domain.Question{
				{ID: "w1", ToolID: domain.ToolWorkValues, Dimension: "SUPPORT"},
				{ID: "w2", ToolID: domain.ToolWorkValues, Dimension: "RECOGNITION"},
			},
			answers: answers("w1", 2, "w2", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, []string{"SUPPORT", "RECOGNITION", "ACHIEVEMENT"}, r.Top)
			},
		},
		"strengths keep the top five in canonical order on ties": {
			tool: domain.ToolStrengths,
			questions: []domain.Question{
				{ID: "s1", ToolID: domain.ToolStrengths, Dimension: "STRATEGIC"},
			},
			answers: answers("s1", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, []string{"STRATEGIC", "ACHIEVER", "DISCIPLINE", "FOCUS", "RESPONSIBILITY"}, r.Top)
				assert.Empty(t, r.Label)
			},
		},
		"love language label is the primary language": {
			tool: domain.ToolLoveLanguages,
			questions: []domain.Question{
				{ID: "l1", ToolID: domain.ToolLoveLanguages, Dimension: "TOUCH"},
			},
			answers: answers("l1", 2),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, "TOUCH", r.Label)
				assert.Equal(t, []string{"TOUCH"}, r.Top)
			},
		},
		"eq reports total and levels": {
			tool: domain.ToolEQ,
			questions: []domain.Question{
				{ID: "e1", ToolID: domain.ToolEQ, Dimension: "EMPATHY"},
				{ID: "e2", ToolID: domain.ToolEQ, Dimension: "EMPATHY"},
				{ID: "e3", ToolID: domain.ToolEQ, Dimension: "MOTIVATION"},
				{ID: "e4", ToolID: domain.ToolEQ, Dimension: "MOTIVATION"},
				{ID: "e5", ToolID: domain.ToolEQ, Dimension: "SOCIAL_SKILLS"},
			},
			answers: answers("e1", 2, "e2", 2, "e3", -2, "e4", -2, "e5", 1),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, 1, r.Total)
				assert.Equal(t, domain.LevelHigh, r.Levels["EMPATHY"])
				assert.Equal(t, domain.LevelLow, r.Levels["MOTIVATION"])
				assert.Equal(t, domain.LevelMedium, r.Levels["SOCIAL_SKILLS"])
				assert.Equal(t, domain.LevelMedium, r.Levels["SELF_AWARENESS"])
			},
		},
		"unknown questions and other tools are skipped": {
			tool: domain.ToolHolland,
			questions: []domain.Question{
				{ID: "h1", ToolID: domain.ToolHolland, Dimension: "S"},
				{ID: "m1", ToolID: domain.ToolMBTI, Dimension: "EI"},
			},
			answers: answers("h1", 1, "m1", 2, "missing", 2),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, 1, r.Scores["S"])
				assert.NotContains(t, r.Scores, "EI")
				assert.Equal(t, "SAC", r.Label)
			},
		},
		"out of range values are accepted as is": {
			tool: domain.ToolEQ,
			questions: []domain.Question{
				{ID: "e1", ToolID: domain.ToolEQ, Dimension: "EMPATHY"},
			},
			answers: answers("e1", 7),
			assert: func(t *testing.T, r domain.Result) {
				assert.Equal(t, 7, r.Scores["EMPATHY"])
				assert.Equal(t, 7, r.Total)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := makeEngine(t, tt.questions...)

			r, err := e.Score(tt.tool, tt.answers)
			require.NoError(t, err)
			require.Equal(t, tt.tool, r.ToolID)

			tt.assert(t, r)
		})
	}
}

func TestEngine_ReverseScoring(t *testing.T) {
	for _, tool := range score.Tools() {
		dim := score.Dimensions(tool)[0]
		e := makeEngine(t,
			domain.Question{ID: "plain", ToolID: tool, Dimension: dim},
			domain.Question{ID: "reversed", ToolID: tool, Dimension: dim, ReverseScored: true},
		)

		for v := domain.MinAnswerValue; v <= domain.MaxAnswerValue; v++ {
			plain, err := e.Score(tool, answers("plain", v))
			require.NoError(t, err)
			reversed, err := e.Score(tool, answers("reversed", -v))
			require.NoError(t, err)

			assert.Equal(t, plain, reversed, "tool=%s value=%d", tool, v)
		}
	}
}

func TestEngine_ScoreUnknownTool(t *testing.T) {
	e := makeEngine(t)

	_, err := e.Score("astrology", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
}

func TestEngine_ScoreCatalog(t *testing.T) {
	b, err := question.Load()
	require.NoError(t, err)
	e := score.NewEngine(b)

	// The catalog balances every MBTI dimension between plain and reversed
	// items, so agreeing with everything nets zero.
	var all []domain.Answer
	for _, q := range b.ByTool(domain.ToolMBTI) {
		all = append(all, domain.Answer{QuestionID: q.ID, Value: 2})
	}

	r, err := e.Score(domain.ToolMBTI, all)
	require.NoError(t, err)
	assert.Equal(t, "INFP", r.Label)
	assert.Equal(t, map[string]int{"EI": 0, "SN": 0, "TF": 0, "JP": 0}, r.Scores)
}

func makeEngine(t *testing.T, qs ...domain.Question) *score.Engine {
	b, err := question.NewBank(qs)
	require.NoError(t, err)
	return score.NewEngine(b)
}

// answers builds answers from alternating question id / value pairs.
func answers(pairs ...any) []domain.Answer {
	out := make([]domain.Answer, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.Answer{
			QuestionID: pairs[i].(string),
			Value:      pairs[i+1].(int),
		})
	}
	return out
}
