package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/store"
)

func (s *Service) onSessionCompleted(ctx context.Context, e domain.EventSessionCompleted) error {
	switch role := e.Session.ParticipantRole; {
	case role.IsCouple():
		return s.advanceCouple(ctx, e.Session.ID)
	case role.IsTeam():
		return s.reportTeamProgress(ctx, e.Session)
	default:
		return nil
	}
}

// advanceCouple moves the couple to waiting_payment once both parties have
// completed. The conditional update publishes EventCoupleReady at most once.
func (s *Service) advanceCouple(ctx context.Context, sessionID string) error {
	c, err := s.store.GetCoupleBySession(ctx, sessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		// Orphaned partner session.
		return nil
	}
	if err != nil {
		return fmt.Errorf("get couple: %w", err)
	}

	r, err := s.CoupleReadiness(ctx, sessionID)
	if err != nil {
		return err
	}
	if !r.IsReadyForPayment {
		return nil
	}

	ok, err := s.store.UpdateCoupleStatus(ctx, c.ID, domain.CoupleWaitingPartner, domain.CoupleWaitingPayment)
	if err != nil {
		return fmt.Errorf("update couple status: %w", err)
	}
	if !ok {
		return nil
	}

	c.Status = domain.CoupleWaitingPayment
	slog.InfoContext(ctx, "session: couple ready for payment", "couple_id", c.ID)
	s.eb.Publish(ctx, domain.EventCoupleReady{Couple: *c})

	return nil
}

func (s *Service) reportTeamProgress(ctx context.Context, member domain.AssessmentSession) error {
	leaderID := member.ParentSessionID
	if member.ParticipantRole == domain.RoleLeader {
		leaderID = member.ID
	}

	t, err := s.store.GetTeamByLeader(ctx, leaderID)
	if err != nil {
		return fmt.Errorf("get team: %w", err)
	}

	r, err := s.teamReadiness(ctx, t)
	if err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventTeamProgress{Team: *t, Member: member, Readiness: r})
	return nil
}

// PropagatePayment gives every session that shares a paid report the paid
// status: both parties of a couple once either of them paid, and every member
// of a team once the leader paid. It returns those linked sessions, or nil
// when the report is not paid. Only conditional updates are applied, so it
// can be repeated after a partial failure.
func (s *Service) PropagatePayment(ctx context.Context, sessionID string) ([]string, error) {
	ss, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch role := ss.ParticipantRole; {
	case role.IsCouple():
		return s.unlockCouple(ctx, ss.ID)
	case role == domain.RoleLeader:
		return s.unlockTeam(ctx, ss.ID)
	case role == domain.RoleMember:
		return s.unlockTeam(ctx, ss.ParentSessionID)
	default:
		return nil, nil
	}
}

func (s *Service) unlockCouple(ctx context.Context, sessionID string) ([]string, error) {
	c, err := s.store.GetCoupleBySession(ctx, sessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get couple: %w", err)
	}
	if c.PartnerSessionID == "" {
		return nil, nil
	}

	parties := []string{c.InitiatorSessionID, c.PartnerSessionID}

	paid := false
	for _, id := range parties {
		ss, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if ss.PaymentStatus == domain.PaymentPaid {
			paid = true
			break
		}
	}
	if !paid {
		return nil, nil
	}

	for _, id := range parties {
		if err := s.unlockSession(ctx, id); err != nil {
			return nil, err
		}
	}

	for _, from := range []domain.CoupleStatus{domain.CoupleWaitingPayment, domain.CoupleWaitingPartner} {
		ok, err := s.store.UpdateCoupleStatus(ctx, c.ID, from, domain.CoupleCompleted)
		if err != nil {
			return nil, fmt.Errorf("update couple status: %w", err)
		}
		if ok {
			slog.InfoContext(ctx, "session: couple unlocked", "couple_id", c.ID)
			break
		}
	}

	return []string{c.OtherSessionID(sessionID)}, nil
}

func (s *Service) unlockTeam(ctx context.Context, leaderID string) ([]string, error) {
	t, err := s.store.GetTeamByLeader(ctx, leaderID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}

	leader, err := s.GetSession(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	if leader.PaymentStatus != domain.PaymentPaid {
		return nil, nil
	}

	members, err := s.store.ListSessionsByParent(ctx, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		if err := s.unlockSession(ctx, m.ID); err != nil {
			return nil, err
		}
		ids = append(ids, m.ID)
	}

	ok, err := s.store.UpdateTeamStatus(ctx, t.ID, domain.TeamCollecting, domain.TeamCompleted)
	if err != nil {
		return nil, fmt.Errorf("update team status: %w", err)
	}
	if ok {
		slog.InfoContext(ctx, "session: team unlocked", "team_id", t.ID, "members", len(members))
	}

	return ids, nil
}

func (s *Service) unlockSession(ctx context.Context, id string) error {
	if _, err := s.store.SetSessionPaymentStatus(ctx, id, domain.PaymentPaid); err != nil {
		return fmt.Errorf("unlock session %s: %w", id, err)
	}
	return nil
}
