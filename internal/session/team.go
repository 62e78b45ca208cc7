package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/telemetry"
)

type CreateTeamRequest struct {
	LeaderSessionID string
	TeamName        string
	LeaderName      string
}

// CreateTeam makes the session a team leader and returns the team code.
// Calling it again returns the same code.
func (s *Service) CreateTeam(ctx context.Context, req CreateTeamRequest) (string, error) {
	name := strings.TrimSpace(req.TeamName)
	if name == "" {
		return "", errors.InvalidArgument("team name is required")
	}

	ss, err := s.GetSession(ctx, req.LeaderSessionID)
	if err != nil {
		return "", err
	}

	if ss.ShareCode != "" {
		return existingCode(ss, domain.ParticipantRole.IsTeam)
	}

	for range maxCodeAttempts {
		code, err := s.newShareCode()
		if err != nil {
			return "", err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate team ID: %w", err)
		}

		now := s.now()
		err = s.store.InsertTeam(ctx, &domain.TeamSession{
			ID:              id.String(),
			ShareCode:       code,
			LeaderSessionID: ss.ID,
			TeamName:        name,
			Status:          domain.TeamCollecting,
			ExpiresAt:       now.Add(s.codeTTL),
			CreatedAt:       now,
		}, nameOr(req.LeaderName, defaultName(domain.RoleLeader)))
		switch {
		case err == nil:
			return code, nil
		case stderrors.Is(err, store.ErrShareCodeSet):
			return s.currentCode(ctx, ss.ID, domain.ParticipantRole.IsTeam)
		case stderrors.Is(err, store.ErrConflict):
			continue
		default:
			return "", fmt.Errorf("insert team: %w", err)
		}
	}

	return "", errors.New(errors.CodeUnavailable, errors.WithMessagef("could not allocate a share code, try again"))
}

// JoinTeam creates a member session under the team's leader.
func (s *Service) JoinTeam(ctx context.Context, req JoinRequest) (*domain.AssessmentSession, error) {
	code := NormalizeShareCode(req.ShareCode)

	t, err := s.store.GetTeamByCode(ctx, code)
	if stderrors.Is(err, store.ErrNotFound) {
		telemetry.SessionJoins.WithLabelValues("team", "invalid_code").Inc()
		return nil, errors.NewReason(errors.ReasonInvalidCode, "invalid team code")
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}

	if t.Expired(s.now()) {
		telemetry.SessionJoins.WithLabelValues("team", "expired").Inc()
		return nil, errors.NewReason(errors.ReasonExpired, "team code has expired")
	}

	leader, err := s.GetSession(ctx, t.LeaderSessionID)
	if err != nil {
		return nil, err
	}

	member, err := s.createSession(ctx, &domain.AssessmentSession{
		UserID:          req.UserID,
		UseCase:         leader.UseCase,
		ParticipantRole: domain.RoleMember,
		ParticipantName: nameOr(req.Name, defaultName(domain.RoleMember)),
		ShareCode:       code,
		ParentSessionID: leader.ID,
	})
	if err != nil {
		return nil, err
	}

	// The leader is read again after the member exists, so a payment confirmed
	// in between is either seen here or lists this member when it propagates.
	if err := s.shareTeamReport(ctx, leader.ID, member); err != nil {
		slog.WarnContext(ctx, "session: unlock late member failed",
			"team_id", t.ID,
			"session_id", member.ID,
			"error", err,
		)
	}

	telemetry.SessionJoins.WithLabelValues("team", "joined").Inc()
	slog.InfoContext(ctx, "session: member joined", "team_id", t.ID, "session_id", member.ID)

	return member, nil
}

// shareTeamReport unlocks a member who joins after the leader paid.
func (s *Service) shareTeamReport(ctx context.Context, leaderID string, member *domain.AssessmentSession) error {
	leader, err := s.GetSession(ctx, leaderID)
	if err != nil {
		return err
	}
	if leader.PaymentStatus != domain.PaymentPaid {
		return nil
	}

	ok, err := s.store.SetSessionPaymentStatus(ctx, member.ID, domain.PaymentPaid)
	if err != nil {
		return fmt.Errorf("unlock member session: %w", err)
	}
	if ok {
		member.PaymentStatus = domain.PaymentPaid
	}
	return nil
}

// TeamReadiness computes the roster behind a team code. An unknown code
// yields IsTeam false.
//
// Only the earliest MaxTeamSize-1 members take part in the analysis. The
// leader is assumed to complete and counts as one participant.
func (s *Service) TeamReadiness(ctx context.Context, shareCode string) (domain.TeamReadiness, error) {
	t, err := s.store.GetTeamByCode(ctx, NormalizeShareCode(shareCode))
	if stderrors.Is(err, store.ErrNotFound) {
		return domain.TeamReadiness{}, nil
	}
	if err != nil {
		return domain.TeamReadiness{}, fmt.Errorf("get team: %w", err)
	}

	return s.teamReadiness(ctx, t)
}

func (s *Service) teamReadiness(ctx context.Context, t *domain.TeamSession) (domain.TeamReadiness, error) {
	r := domain.TeamReadiness{IsTeam: true, Team: *t}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		leader, err := s.GetSession(gctx, t.LeaderSessionID)
		if err != nil {
			return err
		}
		r.Leader = *leader
		return nil
	})
	g.Go(func() error {
		members, err := s.store.ListSessionsByParent(gctx, t.LeaderSessionID)
		if err != nil {
			return fmt.Errorf("list team members: %w", err)
		}
		r.Members = members
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.TeamReadiness{}, err
	}

	counted := r.Members
	if n := s.maxTeamSize - 1; len(counted) > n {
		counted = counted[:n]
	}
	for i := range counted {
		if counted[i].Completed() {
			r.CompletedMembers++
		}
	}
	r.IsReadyForAnalysis = r.CompletedMembers+1 >= MinTeamSize

	return r, nil
}
