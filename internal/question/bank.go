// Package question holds the immutable question catalog.
package question

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/victornm/baseera/internal/domain"
)

//go:embed questions.json
var catalog []byte

// source describes how one assessment block of the catalog document is read.
// Each block names its scoring dimension with a different field.
type source struct {
	Tool           domain.ToolID
	DimensionField string
}

var sources = map[string]source{
	"mbti":                   {Tool: domain.ToolMBTI, DimensionField: "dimension"},
	"holland":                {Tool: domain.ToolHolland, DimensionField: "type"},
	"big_five":               {Tool: domain.ToolBigFive, DimensionField: "trait"},
	"work_values":            {Tool: domain.ToolWorkValues, DimensionField: "value"},
	"attachment_style":       {Tool: domain.ToolAttachment, DimensionField: "style"},
	"love_languages":         {Tool: domain.ToolLoveLanguages, DimensionField: "language"},
	"strengths":              {Tool: domain.ToolStrengths, DimensionField: "strength"},
	"emotional_intelligence": {Tool: domain.ToolEQ, DimensionField: "dimension"},
	"conflict_styles":        {Tool: domain.ToolConflictStyles, DimensionField: "style"},
}

type document struct {
	Version     int `json:"version"`
	Assessments map[string]struct {
		Questions []map[string]json.RawMessage `json:"questions"`
	} `json:"assessments"`
}

// Bank is a read-only index of questions keyed by id.
type Bank struct {
	byID   map[string]domain.Question
	byTool map[domain.ToolID][]domain.Question
}

// Load builds the bank from the embedded catalog.
func Load() (*Bank, error) {
	return Parse(catalog)
}

// Parse builds a bank from a catalog document.
func Parse(b []byte) (*Bank, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("question: decode catalog: %w", err)
	}

	// Iterate keys in order so the catalog order of each tool is stable.
	keys := make([]string, 0, len(doc.Assessments))
	for k := range doc.Assessments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var qs []domain.Question
	for _, k := range keys {
		src, ok := sources[k]
		if !ok {
			slog.Warn("question: unknown assessment in catalog", "assessment", k)
			continue
		}

		for i, raw := range doc.Assessments[k].Questions {
			q, err := normalize(src, raw)
			if err != nil {
				return nil, fmt.Errorf("question: %s[%d]: %w", k, i, err)
			}
			qs = append(qs, q)
		}
	}

	return NewBank(qs)
}

func normalize(src source, raw map[string]json.RawMessage) (domain.Question, error) {
	q := domain.Question{ToolID: src.Tool}

	if err := json.Unmarshal(raw["id"], &q.ID); err != nil || q.ID == "" {
		return q, fmt.Errorf("missing id")
	}

	d, ok := raw[src.DimensionField]
	if !ok {
		return q, fmt.Errorf("%s: missing %q", q.ID, src.DimensionField)
	}
	if err := json.Unmarshal(d, &q.Dimension); err != nil || q.Dimension == "" {
		return q, fmt.Errorf("%s: invalid %q", q.ID, src.DimensionField)
	}

	if r, ok := raw["reverse_scored"]; ok {
		if err := json.Unmarshal(r, &q.ReverseScored); err != nil {
			return q, fmt.Errorf("%s: invalid reverse_scored: %w", q.ID, err)
		}
	}

	return q, nil
}

// NewBank indexes qs. Question ids must be unique.
func NewBank(qs []domain.Question) (*Bank, error) {
	b := &Bank{
		byID:   make(map[string]domain.Question, len(qs)),
		byTool: make(map[domain.ToolID][]domain.Question),
	}

	for _, q := range qs {
		if _, dup := b.byID[q.ID]; dup {
			return nil, fmt.Errorf("question: duplicate id %q", q.ID)
		}
		b.byID[q.ID] = q
		b.byTool[q.ToolID] = append(b.byTool[q.ToolID], q)
	}

	return b, nil
}

// Lookup returns the question with the given id.
func (b *Bank) Lookup(id string) (domain.Question, bool) {
	q, ok := b.byID[id]
	return q, ok
}

// ByTool returns the questions of a tool in catalog order.
func (b *Bank) ByTool(tool domain.ToolID) []domain.Question {
	qs := b.byTool[tool]
	out := make([]domain.Question, len(qs))
	copy(out, qs)
	return out
}

func (b *Bank) Len() int {
	return len(b.byID)
}
