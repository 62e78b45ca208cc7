package domain

const (
	EventNameSessionCompleted = "session.completed"
	EventNamePaymentConfirmed = "payment.confirmed"
	EventNameCoupleReady      = "couple.ready"
	EventNameTeamProgress     = "team.progress"
)

type EventSessionCompleted struct {
	Session AssessmentSession
}

func (EventSessionCompleted) Name() string { return EventNameSessionCompleted }

type EventPaymentConfirmed struct {
	Payment Payment
	Session AssessmentSession
	// LinkedSessionIDs are the partner or members unlocked by the payment.
	LinkedSessionIDs []string
}

func (EventPaymentConfirmed) Name() string { return EventNamePaymentConfirmed }

// EventCoupleReady is published once both parties of a couple have completed.
type EventCoupleReady struct {
	Couple CoupleSession
}

func (EventCoupleReady) Name() string { return EventNameCoupleReady }

// EventTeamProgress is published when a team member completes.
type EventTeamProgress struct {
	Team      TeamSession
	Member    AssessmentSession
	Readiness TeamReadiness
}

func (EventTeamProgress) Name() string { return EventNameTeamProgress }
