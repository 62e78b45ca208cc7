package domain

import "github.com/shopspring/decimal"

type UseCaseID string

const (
	UseCaseMajorSelection UseCaseID = "major_selection"
	UseCaseCareerChange   UseCaseID = "career_change"
	UseCaseCouples        UseCaseID = "couples"
	UseCaseTeams          UseCaseID = "teams"
	UseCaseBigFiveDemo    UseCaseID = "big_five_demo"
)

// Currency of every price in the catalog.
const Currency = "SAR"

// UseCase groups the tools a participant answers and the price of the report.
type UseCase struct {
	ID    UseCaseID
	Tools []ToolID
	Price decimal.Decimal
}

// Free reports whether the report is unlocked without a transaction.
func (u UseCase) Free() bool {
	return u.Price.IsZero()
}

var useCases = map[UseCaseID]UseCase{
	UseCaseMajorSelection: {
		ID:    UseCaseMajorSelection,
		Tools: []ToolID{ToolMBTI, ToolHolland},
		Price: decimal.NewFromInt(10),
	},
	UseCaseCareerChange: {
		ID:    UseCaseCareerChange,
		Tools: []ToolID{ToolBigFive, ToolWorkValues},
		Price: decimal.NewFromInt(10),
	},
	UseCaseCouples: {
		ID:    UseCaseCouples,
		Tools: []ToolID{ToolAttachment, ToolLoveLanguages},
		Price: decimal.NewFromInt(20),
	},
	UseCaseTeams: {
		ID:    UseCaseTeams,
		Tools: []ToolID{ToolStrengths, ToolEQ, ToolConflictStyles},
		Price: decimal.NewFromInt(50),
	},
	UseCaseBigFiveDemo: {
		ID:    UseCaseBigFiveDemo,
		Tools: []ToolID{ToolBigFive},
		Price: decimal.Zero,
	},
}

// LookupUseCase returns the catalog entry for id.
func LookupUseCase(id UseCaseID) (UseCase, bool) {
	u, ok := useCases[id]
	return u, ok
}
