package api

import (
	"time"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/session"
)

type UseCaseView struct {
	ID       domain.UseCaseID `json:"id"`
	Tools    []domain.ToolID  `json:"tools"`
	Price    string           `json:"price"`
	Currency string           `json:"currency"`
}

func newUseCaseView(uc domain.UseCase) UseCaseView {
	return UseCaseView{
		ID:       uc.ID,
		Tools:    uc.Tools,
		Price:    uc.Price.StringFixed(2),
		Currency: domain.Currency,
	}
}

type SessionView struct {
	ID              string                          `json:"id"`
	UseCase         domain.UseCaseID                `json:"use_case"`
	ParticipantRole domain.ParticipantRole          `json:"participant_role"`
	ParticipantName string                          `json:"participant_name,omitempty"`
	Status          domain.SessionStatus            `json:"status"`
	PaymentStatus   domain.PaymentStatus            `json:"payment_status"`
	ShareCode       string                          `json:"share_code,omitempty"`
	ParentSessionID string                          `json:"parent_session_id,omitempty"`
	Claimed         bool                            `json:"claimed"`
	CreatedAt       time.Time                       `json:"created_at"`
	CompletedAt     *time.Time                      `json:"completed_at,omitempty"`
	ResultsLocked   bool                            `json:"results_locked"`
	Results         map[domain.ToolID]domain.Result `json:"results,omitempty"`
}

// newSessionView hides results until the report is unlocked.
func newSessionView(ss *domain.AssessmentSession) SessionView {
	v := SessionView{
		ID:              ss.ID,
		UseCase:         ss.UseCase,
		ParticipantRole: ss.ParticipantRole,
		ParticipantName: ss.ParticipantName,
		Status:          ss.Status,
		PaymentStatus:   ss.PaymentStatus,
		ShareCode:       ss.ShareCode,
		ParentSessionID: ss.ParentSessionID,
		Claimed:         ss.UserID != "",
		CreatedAt:       ss.CreatedAt,
	}

	if !ss.CompletedAt.IsZero() {
		at := ss.CompletedAt
		v.CompletedAt = &at
	}

	if ss.PaymentStatus.Unlocked() {
		v.Results = ss.Results
	} else {
		v.ResultsLocked = len(ss.Results) > 0
	}

	return v
}

type CoupleReadinessView struct {
	IsCouple          bool   `json:"is_couple"`
	IsReadyForPayment bool   `json:"is_ready_for_payment"`
	ShareCode         string `json:"share_code,omitempty"`
}

type ParticipantView struct {
	SessionID string               `json:"session_id"`
	Name      string               `json:"name"`
	Status    domain.SessionStatus `json:"status"`
}

func newParticipantView(ss domain.AssessmentSession) ParticipantView {
	return ParticipantView{SessionID: ss.ID, Name: ss.ParticipantName, Status: ss.Status}
}

type CoupleView struct {
	ShareCode     string              `json:"share_code"`
	Status        domain.CoupleStatus `json:"status"`
	ExpiresAt     time.Time           `json:"expires_at"`
	Initiator     ParticipantView     `json:"initiator"`
	Partner       *ParticipantView    `json:"partner,omitempty"`
	BothCompleted bool                `json:"both_completed"`
}

func newCoupleView(v *session.CoupleView) CoupleView {
	out := CoupleView{
		ShareCode:     v.Couple.ShareCode,
		Status:        v.Couple.Status,
		ExpiresAt:     v.Couple.ExpiresAt,
		Initiator:     newParticipantView(v.Initiator),
		BothCompleted: v.BothCompleted(),
	}
	if v.Partner != nil {
		p := newParticipantView(*v.Partner)
		out.Partner = &p
	}
	return out
}

type TeamView struct {
	ShareCode          string            `json:"share_code"`
	TeamName           string            `json:"team_name"`
	Status             domain.TeamStatus `json:"status"`
	ExpiresAt          time.Time         `json:"expires_at"`
	Leader             ParticipantView   `json:"leader"`
	Members            []ParticipantView `json:"members"`
	CompletedMembers   int               `json:"completed_members"`
	IsReadyForAnalysis bool              `json:"is_ready_for_analysis"`
}

func newTeamView(r domain.TeamReadiness) TeamView {
	v := TeamView{
		ShareCode:          r.Team.ShareCode,
		TeamName:           r.Team.TeamName,
		Status:             r.Team.Status,
		ExpiresAt:          r.Team.ExpiresAt,
		Leader:             newParticipantView(r.Leader),
		Members:            make([]ParticipantView, 0, len(r.Members)),
		CompletedMembers:   r.CompletedMembers,
		IsReadyForAnalysis: r.IsReadyForAnalysis,
	}
	for _, m := range r.Members {
		v.Members = append(v.Members, newParticipantView(m))
	}
	return v
}
