// Package store defines persistence for sessions, couples, teams and payments.
//
// Every transition that must happen at most once is a conditional update: the
// store applies it only when the guarded field still holds its expected value
// and reports whether a row was affected. A false result means the caller lost
// the race.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/victornm/baseera/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique key (id, share code) is already taken.
	ErrConflict = errors.New("store: conflict")
	// ErrShareCodeSet is returned when a session already takes part in a couple or team.
	ErrShareCodeSet = errors.New("store: session already has a share code")
)

type Store interface {
	SessionStore
	CoupleStore
	TeamStore
	PaymentStore
}

type SessionStore interface {
	InsertSession(ctx context.Context, s *domain.AssessmentSession) error
	GetSession(ctx context.Context, id string) (*domain.AssessmentSession, error)
	// ListSessionsByParent returns team members of a leader ordered by creation time.
	ListSessionsByParent(ctx context.Context, parentID string) ([]domain.AssessmentSession, error)

	// ClaimSession sets user_id where user_id is null.
	ClaimSession(ctx context.Context, id, userID string) (bool, error)
	// CompleteSession stores results and completes the session where status is in_progress.
	CompleteSession(ctx context.Context, id string, results map[domain.ToolID]domain.Result, at time.Time) (bool, error)
	// SetSessionPaymentStatus moves payment_status away from pending.
	SetSessionPaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (bool, error)
}

type CoupleStore interface {
	// InsertCouple reserves the share code, inserts the couple and stamps the
	// initiator session with code, role and name where its share_code is null,
	// all or nothing. ErrShareCodeSet if the session already has a code,
	// ErrConflict if the code is taken.
	InsertCouple(ctx context.Context, c *domain.CoupleSession, initiatorName string) error
	GetCoupleByCode(ctx context.Context, code string) (*domain.CoupleSession, error)
	// GetCoupleBySession finds the couple where the session is initiator or partner.
	GetCoupleBySession(ctx context.Context, sessionID string) (*domain.CoupleSession, error)
	// SetCouplePartner sets partner_session_id where it is null.
	SetCouplePartner(ctx context.Context, id, partnerSessionID string) (bool, error)
	UpdateCoupleStatus(ctx context.Context, id string, from, to domain.CoupleStatus) (bool, error)
}

type TeamStore interface {
	// InsertTeam is InsertCouple for a team and its leader session.
	InsertTeam(ctx context.Context, t *domain.TeamSession, leaderName string) error
	GetTeamByCode(ctx context.Context, code string) (*domain.TeamSession, error)
	GetTeamByLeader(ctx context.Context, leaderSessionID string) (*domain.TeamSession, error)
	UpdateTeamStatus(ctx context.Context, id string, from, to domain.TeamStatus) (bool, error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p *domain.Payment) error
	GetPaymentByReference(ctx context.Context, ref string) (*domain.Payment, error)
	// GetPendingPayment returns the latest pending payment of a session.
	GetPendingPayment(ctx context.Context, sessionID string) (*domain.Payment, error)
	// ConfirmPayment marks the payment paid where it is pending and, in the same
	// atomic step, its session paid where the session is pending.
	ConfirmPayment(ctx context.Context, paymentID string, paidAt time.Time) (bool, error)
}
