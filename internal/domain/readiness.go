package domain

// CoupleReadiness describes whether a couple report can be paid for.
type CoupleReadiness struct {
	IsCouple          bool
	IsReadyForPayment bool
	ShareCode         string
}

// TeamReadiness is the computed roster of a team.
type TeamReadiness struct {
	IsTeam             bool
	Team               TeamSession
	Leader             AssessmentSession
	Members            []AssessmentSession
	CompletedMembers   int
	IsReadyForAnalysis bool
}
