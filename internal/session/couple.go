package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/telemetry"
)

type UpgradeToCoupleRequest struct {
	SessionID string
	Name      string
}

// UpgradeToCouple turns a session into the initiator of a couple and returns
// the invitation code. Calling it again returns the same code.
func (s *Service) UpgradeToCouple(ctx context.Context, req UpgradeToCoupleRequest) (string, error) {
	ss, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}

	if ss.ShareCode != "" {
		return existingCode(ss, domain.ParticipantRole.IsCouple)
	}

	for range maxCodeAttempts {
		code, err := s.newShareCode()
		if err != nil {
			return "", err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate couple ID: %w", err)
		}

		now := s.now()
		err = s.store.InsertCouple(ctx, &domain.CoupleSession{
			ID:                 id.String(),
			ShareCode:          code,
			InitiatorSessionID: ss.ID,
			Status:             domain.CoupleWaitingPartner,
			ExpiresAt:          now.Add(s.codeTTL),
			CreatedAt:          now,
		}, nameOr(req.Name, defaultName(domain.RoleInitiator)))
		switch {
		case err == nil:
			return code, nil
		case stderrors.Is(err, store.ErrShareCodeSet):
			// A concurrent upgrade or team creation stamped the session first.
			return s.currentCode(ctx, ss.ID, domain.ParticipantRole.IsCouple)
		case stderrors.Is(err, store.ErrConflict):
			continue
		default:
			return "", fmt.Errorf("insert couple: %w", err)
		}
	}

	return "", errors.New(errors.CodeUnavailable, errors.WithMessagef("could not allocate a share code, try again"))
}

// currentCode re-reads the code a session carries.
func (s *Service) currentCode(ctx context.Context, id string, sameFlow func(domain.ParticipantRole) bool) (string, error) {
	ss, err := s.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return existingCode(ss, sameFlow)
}

func existingCode(ss *domain.AssessmentSession, sameFlow func(domain.ParticipantRole) bool) (string, error) {
	if !sameFlow(ss.ParticipantRole) {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session already takes part in a %s flow", ss.ParticipantRole))
	}
	return ss.ShareCode, nil
}

func defaultName(role domain.ParticipantRole) string {
	switch role {
	case domain.RoleInitiator:
		return "Initiator"
	case domain.RolePartner:
		return "Partner"
	case domain.RoleLeader:
		return "Leader"
	default:
		return "Member"
	}
}

type JoinRequest struct {
	ShareCode string
	Name      string
	UserID    string
}

// JoinCouple creates the partner session for an invitation code. Of concurrent
// joins on one code exactly one succeeds.
func (s *Service) JoinCouple(ctx context.Context, req JoinRequest) (*domain.AssessmentSession, error) {
	code := NormalizeShareCode(req.ShareCode)

	c, err := s.store.GetCoupleByCode(ctx, code)
	if stderrors.Is(err, store.ErrNotFound) {
		telemetry.SessionJoins.WithLabelValues("couple", "invalid_code").Inc()
		return nil, errors.NewReason(errors.ReasonInvalidCode, "invalid share code")
	}
	if err != nil {
		return nil, fmt.Errorf("get couple: %w", err)
	}

	if c.Expired(s.now()) {
		telemetry.SessionJoins.WithLabelValues("couple", "expired").Inc()
		return nil, errors.NewReason(errors.ReasonExpired, "share code has expired")
	}
	if c.PartnerSessionID != "" {
		telemetry.SessionJoins.WithLabelValues("couple", "already_joined").Inc()
		return nil, errors.NewReason(errors.ReasonAlreadyJoined, "this invitation has already been used")
	}

	initiator, err := s.GetSession(ctx, c.InitiatorSessionID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID == initiator.UserID {
		return nil, errors.InvalidArgument("cannot join your own invitation")
	}

	partner, err := s.createSession(ctx, &domain.AssessmentSession{
		UserID:          req.UserID,
		UseCase:         initiator.UseCase,
		ParticipantRole: domain.RolePartner,
		ParticipantName: nameOr(req.Name, defaultName(domain.RolePartner)),
		ShareCode:       code,
	})
	if err != nil {
		return nil, err
	}

	ok, err := s.store.SetCouplePartner(ctx, c.ID, partner.ID)
	if err != nil {
		return nil, fmt.Errorf("set couple partner: %w", err)
	}
	if !ok {
		telemetry.SessionJoins.WithLabelValues("couple", "already_joined").Inc()
		telemetry.OrphanedSessions.Inc()
		slog.WarnContext(ctx, "session: partner slot taken, session orphaned",
			"couple_id", c.ID,
			"session_id", partner.ID,
		)
		return nil, errors.NewReason(errors.ReasonAlreadyJoined, "this invitation has already been used")
	}

	telemetry.SessionJoins.WithLabelValues("couple", "joined").Inc()
	slog.InfoContext(ctx, "session: partner joined", "couple_id", c.ID, "session_id", partner.ID)

	return partner, nil
}

// CoupleReadiness reports whether the counterpart of sessionID has completed.
// A session outside any couple yields IsCouple false.
func (s *Service) CoupleReadiness(ctx context.Context, sessionID string) (domain.CoupleReadiness, error) {
	c, err := s.store.GetCoupleBySession(ctx, sessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return domain.CoupleReadiness{}, nil
	}
	if err != nil {
		return domain.CoupleReadiness{}, fmt.Errorf("get couple: %w", err)
	}

	r := domain.CoupleReadiness{IsCouple: true, ShareCode: c.ShareCode}

	other := c.OtherSessionID(sessionID)
	if other == "" {
		return r, nil
	}

	ss, err := s.GetSession(ctx, other)
	if err != nil {
		return domain.CoupleReadiness{}, err
	}
	r.IsReadyForPayment = ss.Completed()

	return r, nil
}

// CoupleView is a couple with both of its sessions.
type CoupleView struct {
	Couple    domain.CoupleSession
	Initiator domain.AssessmentSession
	Partner   *domain.AssessmentSession
}

// BothCompleted reports whether both parties have finished their tools.
func (v *CoupleView) BothCompleted() bool {
	return v.Partner != nil && v.Initiator.Completed() && v.Partner.Completed()
}

// CoupleStatus returns the couple behind an invitation code.
func (s *Service) CoupleStatus(ctx context.Context, shareCode string) (*CoupleView, error) {
	c, err := s.store.GetCoupleByCode(ctx, NormalizeShareCode(shareCode))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NewReason(errors.ReasonInvalidCode, "invalid share code")
	}
	if err != nil {
		return nil, fmt.Errorf("get couple: %w", err)
	}

	v := &CoupleView{Couple: *c}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ss, err := s.GetSession(gctx, c.InitiatorSessionID)
		if err != nil {
			return err
		}
		v.Initiator = *ss
		return nil
	})
	if c.PartnerSessionID != "" {
		g.Go(func() error {
			ss, err := s.GetSession(gctx, c.PartnerSessionID)
			if err != nil {
				return err
			}
			v.Partner = ss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return v, nil
}
