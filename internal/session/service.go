package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/event"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/telemetry"
)

const (
	defaultCodeTTL     = 7 * 24 * time.Hour
	defaultMaxTeamSize = 10
	// MinTeamSize is the number of completed participants, leader included,
	// a team analysis needs.
	MinTeamSize = 3

	maxCodeAttempts = 5
)

// Scorer turns the answers of one tool into a result.
type Scorer interface {
	Score(tool domain.ToolID, answers []domain.Answer) (domain.Result, error)
}

type Config struct {
	Store    store.Store
	Scorer   Scorer
	EventBus *event.Bus

	// CodeTTL is how long couple and team invitations stay valid.
	CodeTTL time.Duration
	// MaxTeamSize caps the participants, leader included, counted by team readiness.
	MaxTeamSize int

	Now          func() time.Time
	NewShareCode func() (string, error)
}

type Service struct {
	store  store.Store
	scorer Scorer
	eb     *event.Bus

	codeTTL     time.Duration
	maxTeamSize int

	now          func() time.Time
	newShareCode func() (string, error)
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		scorer:       c.Scorer,
		eb:           c.EventBus,
		codeTTL:      c.CodeTTL,
		maxTeamSize:  c.MaxTeamSize,
		now:          c.Now,
		newShareCode: c.NewShareCode,
	}

	if s.codeTTL <= 0 {
		s.codeTTL = defaultCodeTTL
	}
	if s.maxTeamSize < MinTeamSize {
		s.maxTeamSize = defaultMaxTeamSize
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newShareCode == nil {
		s.newShareCode = NewShareCode
	}

	event.On(s.eb, s.onSessionCompleted)

	return s
}

type StartSoloRequest struct {
	UseCase domain.UseCaseID
	// UserID is empty for guests; the session can be claimed later.
	UserID string
}

// StartSolo creates an in-progress session for a single participant.
func (s *Service) StartSolo(ctx context.Context, req StartSoloRequest) (*domain.AssessmentSession, error) {
	if _, ok := domain.LookupUseCase(req.UseCase); !ok {
		return nil, errors.InvalidArgument("unknown use case: %s", req.UseCase)
	}

	return s.createSession(ctx, &domain.AssessmentSession{
		UserID:          req.UserID,
		UseCase:         req.UseCase,
		ParticipantRole: domain.RoleSolo,
	})
}

func (s *Service) createSession(ctx context.Context, ss *domain.AssessmentSession) (*domain.AssessmentSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss.ID = id.String()
	ss.Status = domain.SessionInProgress
	ss.PaymentStatus = domain.PaymentPending
	ss.CreatedAt = s.now()

	if err := s.store.InsertSession(ctx, ss); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return ss, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.AssessmentSession, error) {
	ss, err := s.store.GetSession(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return ss, nil
}

type CompleteSessionRequest struct {
	SessionID string
	Answers   map[domain.ToolID][]domain.Answer
}

// CompleteSession scores every tool of the session's use case and stores the
// results together with the completed status. It succeeds once per session.
func (s *Service) CompleteSession(ctx context.Context, req CompleteSessionRequest) (*domain.AssessmentSession, error) {
	ss, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.Completed() {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("session already completed"))
	}

	uc, ok := domain.LookupUseCase(ss.UseCase)
	if !ok {
		return nil, errors.Internal(fmt.Errorf("session %s has unknown use case %q", ss.ID, ss.UseCase))
	}

	results, err := s.scoreUseCase(uc, req.Answers)
	if err != nil {
		return nil, err
	}

	at := s.now()
	ok, err = s.store.CompleteSession(ctx, ss.ID, results, at)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	if !ok {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("session already completed"))
	}

	ss.Status = domain.SessionCompleted
	ss.Results = results
	ss.CompletedAt = at

	telemetry.SessionsCompleted.WithLabelValues(string(ss.UseCase)).Inc()
	s.eb.Publish(ctx, domain.EventSessionCompleted{Session: *ss})

	return ss, nil
}

func (s *Service) scoreUseCase(uc domain.UseCase, answers map[domain.ToolID][]domain.Answer) (map[domain.ToolID]domain.Result, error) {
	tools := make(map[domain.ToolID]bool, len(uc.Tools))
	for _, t := range uc.Tools {
		tools[t] = true
	}

	for t := range answers {
		if !tools[t] {
			return nil, errors.InvalidArgument("tool %s is not part of use case %s", t, uc.ID)
		}
	}

	results := make(map[domain.ToolID]domain.Result, len(uc.Tools))
	for _, t := range uc.Tools {
		as := answers[t]
		if len(as) == 0 {
			return nil, errors.InvalidArgument("missing answers for %s", t)
		}

		for _, a := range as {
			if a.Value < domain.MinAnswerValue || a.Value > domain.MaxAnswerValue {
				return nil, errors.InvalidArgument("answer %s: value %d out of range [%d, %d]",
					a.QuestionID, a.Value, domain.MinAnswerValue, domain.MaxAnswerValue)
			}
		}

		r, err := s.scorer.Score(t, as)
		if err != nil {
			return nil, err
		}
		results[t] = r
	}

	return results, nil
}

// ClaimSession attaches a guest session to identity. Claiming a session the
// identity already owns is a no-op.
func (s *Service) ClaimSession(ctx context.Context, sessionID, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.InvalidArgument("identity is required")
	}

	ss, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if ss.UserID == "" {
		ok, err := s.store.ClaimSession(ctx, sessionID, identity)
		if err != nil {
			return fmt.Errorf("claim session: %w", err)
		}
		if ok {
			slog.InfoContext(ctx, "session: claimed", "session_id", sessionID)
			return nil
		}

		// Someone claimed it in between.
		if ss, err = s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}

	if ss.UserID != identity {
		return errors.NewReason(errors.ReasonOwnershipConflict, "session belongs to another user")
	}

	return nil
}

func nameOr(name, fallback string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fallback
}
