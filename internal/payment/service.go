package payment

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/event"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/telemetry"
)

const defaultProviderTimeout = 10 * time.Second

// Trigger names what asked for a transition.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerVerify   Trigger = "verify"
	TriggerCallback Trigger = "callback"
)

// Sessions is the part of the session lifecycle checkout depends on.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*domain.AssessmentSession, error)
	ClaimSession(ctx context.Context, sessionID, identity string) error
	CoupleReadiness(ctx context.Context, sessionID string) (domain.CoupleReadiness, error)
	TeamReadiness(ctx context.Context, shareCode string) (domain.TeamReadiness, error)
	PropagatePayment(ctx context.Context, sessionID string) ([]string, error)
}

type Config struct {
	Store    store.Store
	Sessions Sessions
	Provider Provider
	EventBus *event.Bus

	// ProviderTimeout bounds every call to the provider.
	ProviderTimeout time.Duration
	// WebhookSecret, when set, must match the secret token of webhook notifications.
	WebhookSecret string

	Now func() time.Time
}

type Service struct {
	store    store.Store
	sessions Sessions
	provider Provider
	eb       *event.Bus

	timeout       time.Duration
	webhookSecret string
	now           func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:         c.Store,
		sessions:      c.Sessions,
		provider:      c.Provider,
		eb:            c.EventBus,
		timeout:       c.ProviderTimeout,
		webhookSecret: c.WebhookSecret,
		now:           c.Now,
	}

	if s.timeout <= 0 {
		s.timeout = defaultProviderTimeout
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	return s
}

type CheckoutRequest struct {
	SessionID   string
	Identity    string
	CallbackURL string
}

type CheckoutResponse struct {
	PaymentStatus domain.PaymentStatus
	// PaymentURL is empty when no transaction was needed.
	PaymentURL string
	Payment    *domain.Payment
}

// Checkout claims the session for identity, checks it may be paid for and
// opens a provider invoice. Free use cases are unlocked as unpaid_demo.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	if req.Identity == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("sign in to continue to payment"))
	}

	if err := s.sessions.ClaimSession(ctx, req.SessionID, req.Identity); err != nil {
		return nil, err
	}

	ss, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if linked := ss.ParticipantRole.IsCouple() || ss.ParticipantRole.IsTeam(); linked && !ss.PaymentStatus.Unlocked() {
		// The partner or the leader may have paid for the shared report already.
		if err := s.propagate(ctx, ss.ID); err != nil {
			return nil, err
		}
		if ss, err = s.sessions.GetSession(ctx, req.SessionID); err != nil {
			return nil, err
		}
	}

	if ss.PaymentStatus.Unlocked() {
		return nil, errors.NewReason(errors.ReasonAlreadyPaid, "this report is already unlocked")
	}

	if err := s.checkReady(ctx, ss); err != nil {
		return nil, err
	}

	uc, ok := domain.LookupUseCase(ss.UseCase)
	if !ok {
		return nil, errors.Internal(fmt.Errorf("session %s has unknown use case %q", ss.ID, ss.UseCase))
	}

	if uc.Free() {
		return s.unlockDemo(ctx, ss)
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.provider.CreateInvoice(pctx, Invoice{
		Amount:      uc.Price,
		Currency:    domain.Currency,
		Description: fmt.Sprintf("Baseera %s report", uc.ID),
		CallbackURL: req.CallbackURL,
		Metadata: map[string]string{
			"session_id": ss.ID,
			"use_case":   string(uc.ID),
		},
	})
	if err != nil {
		return nil, errors.NewReason(errors.ReasonTransientProviderFailure,
			"payment provider is unavailable, please try again", errors.WithCause(err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate payment ID: %w", err)
	}

	p := &domain.Payment{
		ID:                  id.String(),
		SessionID:           ss.ID,
		Amount:              uc.Price,
		Currency:            domain.Currency,
		Status:              domain.PaymentRecordPending,
		ProviderReferenceID: tx.ID,
		CreatedAt:           s.now(),
	}
	if err := s.store.InsertPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	slog.InfoContext(ctx, "payment: checkout opened",
		"session_id", ss.ID,
		"payment_id", p.ID,
		"amount", p.Amount.String(),
	)

	return &CheckoutResponse{
		PaymentStatus: domain.PaymentPending,
		PaymentURL:    tx.URL,
		Payment:       p,
	}, nil
}

func (s *Service) checkReady(ctx context.Context, ss *domain.AssessmentSession) error {
	if !ss.Completed() {
		return errors.NewReason(errors.ReasonNotReady, "complete the assessment before paying")
	}

	switch ss.ParticipantRole {
	case domain.RoleInitiator, domain.RolePartner:
		r, err := s.sessions.CoupleReadiness(ctx, ss.ID)
		if err != nil {
			return err
		}
		if r.IsCouple && !r.IsReadyForPayment {
			return errors.NewReason(errors.ReasonNotReady, "waiting for your partner to finish")
		}

	case domain.RoleMember:
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the team leader can pay for the team report"))

	case domain.RoleLeader:
		r, err := s.sessions.TeamReadiness(ctx, ss.ShareCode)
		if err != nil {
			return err
		}
		if r.IsTeam && !r.IsReadyForAnalysis {
			return errors.NewReason(errors.ReasonNotReady, "the team needs more completed members")
		}
	}

	return nil
}

func (s *Service) unlockDemo(ctx context.Context, ss *domain.AssessmentSession) (*CheckoutResponse, error) {
	ok, err := s.store.SetSessionPaymentStatus(ctx, ss.ID, domain.PaymentUnpaidDemo)
	if err != nil {
		return nil, fmt.Errorf("set payment status: %w", err)
	}
	if !ok {
		return nil, errors.NewReason(errors.ReasonAlreadyPaid, "this report is already unlocked")
	}

	slog.InfoContext(ctx, "payment: demo unlocked", "session_id", ss.ID)
	return &CheckoutResponse{PaymentStatus: domain.PaymentUnpaidDemo}, nil
}

type TransitionRequest struct {
	// SessionID, when set, must own the payment.
	SessionID           string
	ProviderReferenceID string
	Trigger             Trigger
}

type TransitionResult struct {
	Payment domain.Payment
	// AlreadyPaid is set when the payment had been confirmed before this call.
	AlreadyPaid bool
}

// Transition moves a pending payment to paid once the provider reports it
// paid. It is idempotent: a paid payment is reported as such without side
// effects, and of concurrent transitions only one confirms.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerCallback
	}

	res, err := s.transition(ctx, req)

	outcome := "paid"
	switch {
	case err != nil:
		outcome = string(errors.Convert(err).Reason)
		if outcome == "" {
			outcome = "error"
		}
	case res.AlreadyPaid:
		outcome = "already_paid"
	}
	telemetry.PaymentTransitions.WithLabelValues(string(req.Trigger), outcome).Inc()

	return res, err
}

func (s *Service) transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	p, err := s.store.GetPaymentByReference(ctx, req.ProviderReferenceID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}

	if req.SessionID != "" && p.SessionID != req.SessionID {
		return nil, errors.NotFound("payment not found")
	}

	if p.Status == domain.PaymentRecordPaid {
		if err := s.propagate(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return &TransitionResult{Payment: *p, AlreadyPaid: true}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.provider.FetchTransactionStatus(pctx, p.ProviderReferenceID)
	if err != nil {
		return nil, errors.NewReason(errors.ReasonTransientProviderFailure,
			"could not reach the payment provider, please try again", errors.WithCause(err))
	}

	if tx.Status != TransactionPaid {
		return nil, errors.NewReason(errors.ReasonNotPaid, fmt.Sprintf("payment is %s", tx.Status))
	}

	if !tx.Amount.Equal(p.Amount) {
		slog.ErrorContext(ctx, "payment: amount mismatch",
			"payment_id", p.ID,
			"expected", p.Amount.String(),
			"paid", tx.Amount.String(),
		)
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("paid amount %s does not match %s", tx.Amount, p.Amount))
	}

	paidAt := s.now()
	ok, err := s.store.ConfirmPayment(ctx, p.ID, paidAt)
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	if !ok {
		// A concurrent transition confirmed it first.
		cur, err := s.store.GetPaymentByReference(ctx, p.ProviderReferenceID)
		if err != nil {
			return nil, fmt.Errorf("get payment: %w", err)
		}
		if err := s.propagate(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return &TransitionResult{Payment: *cur, AlreadyPaid: true}, nil
	}

	p.Status = domain.PaymentRecordPaid
	p.PaidAt = paidAt

	slog.InfoContext(ctx, "payment: confirmed",
		"session_id", p.SessionID,
		"payment_id", p.ID,
		"trigger", req.Trigger,
	)

	// The payment is committed. A failed unlock of the linked sessions is
	// returned so the caller retries, and the retry takes the paid path above.
	linked, perr := s.sessions.PropagatePayment(ctx, p.SessionID)

	ss, err := s.sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	s.eb.Publish(ctx, domain.EventPaymentConfirmed{Payment: *p, Session: *ss, LinkedSessionIDs: linked})

	if perr != nil {
		slog.ErrorContext(ctx, "payment: unlock linked sessions failed",
			"session_id", p.SessionID,
			"payment_id", p.ID,
			"error", perr,
		)
		return nil, fmt.Errorf("propagate payment: %w", perr)
	}

	return &TransitionResult{Payment: *p}, nil
}

// propagate re-applies the unlock of the sessions sharing the report of sessionID.
func (s *Service) propagate(ctx context.Context, sessionID string) error {
	if _, err := s.sessions.PropagatePayment(ctx, sessionID); err != nil {
		return fmt.Errorf("propagate payment: %w", err)
	}
	return nil
}

const (
	NotificationInvoicePaid = "invoice.paid"
	NotificationPaymentPaid = "payment.paid"
)

// Notification is a provider webhook delivery.
type Notification struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	SecretToken string `json:"secret_token"`
	Data        struct {
		ID        string `json:"id"`
		InvoiceID string `json:"invoice_id"`
	} `json:"data"`
}

// HandleWebhook confirms the payment a notification refers to. Notifications
// other than paid ones are ignored and reported as not handled.
func (s *Service) HandleWebhook(ctx context.Context, n Notification) (bool, error) {
	if s.webhookSecret != "" && subtle.ConstantTimeCompare([]byte(n.SecretToken), []byte(s.webhookSecret)) != 1 {
		return false, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid webhook secret"))
	}

	if n.Type != NotificationInvoicePaid && n.Type != NotificationPaymentPaid {
		slog.DebugContext(ctx, "payment: webhook ignored", "type", n.Type, "id", n.ID)
		return false, nil
	}

	ref := n.Data.ID
	if n.Type == NotificationPaymentPaid && n.Data.InvoiceID != "" {
		// Payments are tracked by the invoice they settle.
		ref = n.Data.InvoiceID
	}
	if ref == "" {
		return false, errors.InvalidArgument("notification has no object id")
	}

	if _, err := s.Transition(ctx, TransitionRequest{ProviderReferenceID: ref, Trigger: TriggerWebhook}); err != nil {
		return false, err
	}

	return true, nil
}

type VerifyRequest struct {
	SessionID string
	// ProviderReferenceID is optional; the latest pending payment of the
	// session is checked when empty.
	ProviderReferenceID string
}

// Verify re-checks a payment with the provider, typically after the
// participant is redirected back from the payment page.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*TransitionResult, error) {
	ref := req.ProviderReferenceID
	if ref == "" {
		p, err := s.store.GetPendingPayment(ctx, req.SessionID)
		if stderrors.Is(err, store.ErrNotFound) {
			// A partner or member has no payment of their own.
			if err := s.propagate(ctx, req.SessionID); err != nil {
				return nil, err
			}
			ss, err := s.sessions.GetSession(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			if ss.PaymentStatus == domain.PaymentPaid {
				return &TransitionResult{AlreadyPaid: true}, nil
			}
			return nil, errors.NotFound("no pending payment for session %s", req.SessionID)
		}
		if err != nil {
			return nil, fmt.Errorf("get pending payment: %w", err)
		}
		ref = p.ProviderReferenceID
	}

	return s.Transition(ctx, TransitionRequest{
		SessionID:           req.SessionID,
		ProviderReferenceID: ref,
		Trigger:             TriggerVerify,
	})
}

type StatusResponse struct {
	SessionID     string               `json:"session_id"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	Unlocked      bool                 `json:"unlocked"`
}

// Status reports whether the session's report is unlocked.
func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	ss, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		SessionID:     ss.ID,
		PaymentStatus: ss.PaymentStatus,
		Unlocked:      ss.PaymentStatus.Unlocked(),
	}, nil
}
