package payment_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/event"
	"github.com/victornm/baseera/internal/payment"
	"github.com/victornm/baseera/internal/question"
	"github.com/victornm/baseera/internal/score"
	"github.com/victornm/baseera/internal/session"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/store/memstore"
)

type fakeProvider struct {
	mu       sync.Mutex
	seq      int
	txs      map[string]payment.Transaction
	invoices []payment.Invoice

	createErr error
	fetchErr  error
	delay     time.Duration
	fetches   atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{txs: make(map[string]payment.Transaction)}
}

func (p *fakeProvider) CreateInvoice(_ context.Context, inv payment.Invoice) (payment.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.createErr != nil {
		return payment.Transaction{}, p.createErr
	}

	p.seq++
	tx := payment.Transaction{
		ID:       fmt.Sprintf("inv_%d", p.seq),
		Status:   payment.TransactionInitiated,
		Amount:   inv.Amount,
		Currency: inv.Currency,
		URL:      fmt.Sprintf("https://pay.example/inv_%d", p.seq),
	}
	p.txs[tx.ID] = tx
	p.invoices = append(p.invoices, inv)
	return tx, nil
}

func (p *fakeProvider) FetchTransactionStatus(ctx context.Context, ref string) (payment.Transaction, error) {
	p.fetches.Add(1)

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return payment.Transaction{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fetchErr != nil {
		return payment.Transaction{}, p.fetchErr
	}
	tx, ok := p.txs[ref]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("transaction %s not found", ref)
	}
	return tx, nil
}

// settle marks a transaction as paid by the participant.
func (p *fakeProvider) settle(ref string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx := p.txs[ref]
	tx.Status = payment.TransactionPaid
	tx.Amount = amount
	p.txs[ref] = tx
}

// flakyStore fails the first payment status update of one session.
type flakyStore struct {
	store.Store
	failID string
	failed atomic.Bool
}

func (s *flakyStore) SetSessionPaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (bool, error) {
	if id == s.failID && s.failed.CompareAndSwap(false, true) {
		return false, fmt.Errorf("connection reset by peer")
	}
	return s.Store.SetSessionPaymentStatus(ctx, id, status)
}

type fixture struct {
	store    *memstore.Store
	bus      *event.Bus
	bank     *question.Bank
	provider *fakeProvider
	sessions *session.Service
	payments *payment.Service
	now      time.Time
}

func makeFixture(t *testing.T, opts ...func(*payment.Config)) *fixture {
	t.Helper()

	bank, err := question.Load()
	require.NoError(t, err)

	f := &fixture{
		store:    memstore.New(),
		bus:      event.NewBus(event.WithPoolSize(4)),
		bank:     bank,
		provider: newFakeProvider(),
		now:      time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	c := payment.Config{
		Store:    f.store,
		Provider: f.provider,
		EventBus: f.bus,
		Now:      clock,
	}
	for _, opt := range opts {
		opt(&c)
	}

	f.sessions = session.NewService(session.Config{
		Store:    c.Store,
		Scorer:   score.NewEngine(bank),
		EventBus: f.bus,
		Now:      clock,
	})
	c.Sessions = f.sessions
	f.payments = payment.NewService(c)

	return f
}

func (f *fixture) start(t *testing.T, uc domain.UseCaseID, userID string) *domain.AssessmentSession {
	t.Helper()
	ss, err := f.sessions.StartSolo(context.Background(), session.StartSoloRequest{UseCase: uc, UserID: userID})
	require.NoError(t, err)
	return ss
}

func (f *fixture) complete(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()

	ss, err := f.sessions.GetSession(ctx, sessionID)
	require.NoError(t, err)
	uc, _ := domain.LookupUseCase(ss.UseCase)

	answers := make(map[domain.ToolID][]domain.Answer)
	for _, tool := range uc.Tools {
		for _, q := range f.bank.ByTool(tool) {
			answers[tool] = append(answers[tool], domain.Answer{QuestionID: q.ID, Value: 1})
		}
	}

	_, err = f.sessions.CompleteSession(ctx, session.CompleteSessionRequest{SessionID: sessionID, Answers: answers})
	require.NoError(t, err)
	f.bus.Stop()
}

// couple returns an initiator and a partner session of one couple.
func (f *fixture) couple(t *testing.T) (initiator, partner *domain.AssessmentSession) {
	t.Helper()
	ctx := context.Background()

	initiator = f.start(t, domain.UseCaseCouples, "")
	code, err := f.sessions.UpgradeToCouple(ctx, session.UpgradeToCoupleRequest{SessionID: initiator.ID})
	require.NoError(t, err)
	partner, err = f.sessions.JoinCouple(ctx, session.JoinRequest{ShareCode: code})
	require.NoError(t, err)
	return initiator, partner
}

// team returns a leader session and n member sessions.
func (f *fixture) team(t *testing.T, n int) (leader *domain.AssessmentSession, members []*domain.AssessmentSession) {
	t.Helper()
	ctx := context.Background()

	leader = f.start(t, domain.UseCaseTeams, "")
	code, err := f.sessions.CreateTeam(ctx, session.CreateTeamRequest{LeaderSessionID: leader.ID, TeamName: "Core"})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		m, err := f.sessions.JoinTeam(ctx, session.JoinRequest{ShareCode: code})
		require.NoError(t, err)
		members = append(members, m)
	}
	return leader, members
}

func TestService_Checkout(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) payment.CheckoutRequest
		assert  func(t *testing.T, f *fixture, resp *payment.CheckoutResponse, err error)
	}{
		"should open an invoice for a completed guest session and claim it": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseMajorSelection, "")
				f.complete(t, ss.ID)
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1", CallbackURL: "https://app.example/cb"}
			},
			assert: func(t *testing.T, f *fixture, resp *payment.CheckoutResponse, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentPending, resp.PaymentStatus)
				assert.Equal(t, "https://pay.example/inv_1", resp.PaymentURL)
				assert.True(t, decimal.NewFromInt(10).Equal(resp.Payment.Amount))
				assert.Equal(t, "SAR", resp.Payment.Currency)

				require.Len(t, f.provider.invoices, 1)
				assert.Equal(t, "https://app.example/cb", f.provider.invoices[0].CallbackURL)
				assert.Equal(t, resp.Payment.SessionID, f.provider.invoices[0].Metadata["session_id"])

				ss, err := f.sessions.GetSession(context.Background(), resp.Payment.SessionID)
				require.NoError(t, err)
				assert.Equal(t, "u1", ss.UserID)

				p, err := f.store.GetPaymentByReference(context.Background(), "inv_1")
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentRecordPending, p.Status)
			},
		},
		"should unlock a free use case without a transaction": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseBigFiveDemo, "")
				f.complete(t, ss.ID)
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"}
			},
			assert: func(t *testing.T, f *fixture, resp *payment.CheckoutResponse, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentUnpaidDemo, resp.PaymentStatus)
				assert.Empty(t, resp.PaymentURL)
				assert.Empty(t, f.provider.invoices)
			},
		},
		"should require an identity": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseMajorSelection, "")
				return payment.CheckoutRequest{SessionID: ss.ID}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				require.Error(t, err)
				assert.Equal(t, errors.CodeUnauthenticated, errors.Convert(err).Code)
			},
		},
		"should refuse a session owned by someone else": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseMajorSelection, "owner")
				f.complete(t, ss.ID)
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "intruder"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonOwnershipConflict), "got %v", err)
			},
		},
		"should refuse an in-progress session": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseMajorSelection, "")
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotReady), "got %v", err)
			},
		},
		"should refuse an unlocked session": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				ss := f.start(t, domain.UseCaseBigFiveDemo, "")
				f.complete(t, ss.ID)
				_, err := f.payments.Checkout(context.Background(), payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"})
				require.NoError(t, err)
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonAlreadyPaid), "got %v", err)
			},
		},
		"should wait for the couple partner": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				initiator, _ := f.couple(t)
				f.complete(t, initiator.ID)
				return payment.CheckoutRequest{SessionID: initiator.ID, Identity: "u1"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotReady), "got %v", err)
			},
		},
		"should let either party pay once both completed": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				initiator, partner := f.couple(t)
				f.complete(t, initiator.ID)
				f.complete(t, partner.ID)
				return payment.CheckoutRequest{SessionID: partner.ID, Identity: "u2"}
			},
			assert: func(t *testing.T, _ *fixture, resp *payment.CheckoutResponse, err error) {
				require.NoError(t, err)
				assert.True(t, decimal.NewFromInt(20).Equal(resp.Payment.Amount))
			},
		},
		"should refuse a team member": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				_, members := f.team(t, 2)
				f.complete(t, members[0].ID)
				return payment.CheckoutRequest{SessionID: members[0].ID, Identity: "u3"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				require.Error(t, err)
				assert.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
			},
		},
		"should refuse a leader whose team is not ready": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				leader, members := f.team(t, 2)
				f.complete(t, leader.ID)
				f.complete(t, members[0].ID)
				return payment.CheckoutRequest{SessionID: leader.ID, Identity: "lead"}
			},
			assert: func(t *testing.T, _ *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotReady), "got %v", err)
			},
		},
		"should charge a ready team leader": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				leader, members := f.team(t, 2)
				f.complete(t, leader.ID)
				f.complete(t, members[0].ID)
				f.complete(t, members[1].ID)
				return payment.CheckoutRequest{SessionID: leader.ID, Identity: "lead"}
			},
			assert: func(t *testing.T, _ *fixture, resp *payment.CheckoutResponse, err error) {
				require.NoError(t, err)
				assert.True(t, decimal.NewFromInt(50).Equal(resp.Payment.Amount))
			},
		},
		"should report a provider failure as transient": {
			arrange: func(t *testing.T, f *fixture) payment.CheckoutRequest {
				f.provider.createErr = fmt.Errorf("connection reset")
				ss := f.start(t, domain.UseCaseCareerChange, "")
				f.complete(t, ss.ID)
				return payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"}
			},
			assert: func(t *testing.T, f *fixture, _ *payment.CheckoutResponse, err error) {
				assert.True(t, errors.Is(err, errors.ReasonTransientProviderFailure), "got %v", err)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			req := tc.arrange(t, f)
			resp, err := f.payments.Checkout(context.Background(), req)
			tc.assert(t, f, resp, err)
		})
	}
}

// checkout opens a payment for a completed major selection session.
func (f *fixture) checkout(t *testing.T) *domain.Payment {
	t.Helper()

	ss := f.start(t, domain.UseCaseMajorSelection, "")
	f.complete(t, ss.ID)
	resp, err := f.payments.Checkout(context.Background(), payment.CheckoutRequest{SessionID: ss.ID, Identity: "u1"})
	require.NoError(t, err)
	return resp.Payment
}

func TestService_Transition(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest
		assert  func(t *testing.T, f *fixture, p *domain.Payment, res *payment.TransitionResult, err error)
	}{
		"should confirm a payment the provider reports paid": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				f.provider.settle(p.ProviderReferenceID, p.Amount)
				return payment.TransitionRequest{SessionID: p.SessionID, ProviderReferenceID: p.ProviderReferenceID}
			},
			assert: func(t *testing.T, f *fixture, p *domain.Payment, res *payment.TransitionResult, err error) {
				require.NoError(t, err)
				assert.False(t, res.AlreadyPaid)
				assert.Equal(t, domain.PaymentRecordPaid, res.Payment.Status)
				assert.Equal(t, f.now, res.Payment.PaidAt)

				ss, err := f.sessions.GetSession(context.Background(), p.SessionID)
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentPaid, ss.PaymentStatus)
			},
		},
		"should refuse a payment still initiated": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				return payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID}
			},
			assert: func(t *testing.T, f *fixture, p *domain.Payment, _ *payment.TransitionResult, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotPaid), "got %v", err)

				got, err := f.store.GetPaymentByReference(context.Background(), p.ProviderReferenceID)
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentRecordPending, got.Status)
			},
		},
		"should report a provider error as transient and leave the payment pending": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				f.provider.fetchErr = fmt.Errorf("503 service unavailable")
				return payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID}
			},
			assert: func(t *testing.T, f *fixture, p *domain.Payment, _ *payment.TransitionResult, err error) {
				assert.True(t, errors.Is(err, errors.ReasonTransientProviderFailure), "got %v", err)

				got, err := f.store.GetPaymentByReference(context.Background(), p.ProviderReferenceID)
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentRecordPending, got.Status)
			},
		},
		"should refuse a mismatching amount": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				f.provider.settle(p.ProviderReferenceID, decimal.NewFromInt(1))
				return payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID}
			},
			assert: func(t *testing.T, _ *fixture, _ *domain.Payment, _ *payment.TransitionResult, err error) {
				require.Error(t, err)
				assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
			},
		},
		"should not find an unknown reference": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				return payment.TransitionRequest{ProviderReferenceID: "inv_404"}
			},
			assert: func(t *testing.T, _ *fixture, _ *domain.Payment, _ *payment.TransitionResult, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotFound), "got %v", err)
			},
		},
		"should not find a payment of another session": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.TransitionRequest {
				f.provider.settle(p.ProviderReferenceID, p.Amount)
				return payment.TransitionRequest{SessionID: "other", ProviderReferenceID: p.ProviderReferenceID}
			},
			assert: func(t *testing.T, _ *fixture, _ *domain.Payment, _ *payment.TransitionResult, err error) {
				assert.True(t, errors.Is(err, errors.ReasonNotFound), "got %v", err)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			p := f.checkout(t)
			req := tc.arrange(t, f, p)
			res, err := f.payments.Transition(context.Background(), req)
			tc.assert(t, f, p, res, err)
		})
	}
}

func TestService_TransitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	p := f.checkout(t)
	f.provider.settle(p.ProviderReferenceID, p.Amount)

	first, err := f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID})
	require.NoError(t, err)
	require.False(t, first.AlreadyPaid)

	f.now = f.now.Add(time.Hour)
	fetches := f.provider.fetches.Load()

	second, err := f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID})
	require.NoError(t, err)
	assert.True(t, second.AlreadyPaid)
	assert.Equal(t, first.Payment.PaidAt, second.Payment.PaidAt, "paid_at should not move")
	assert.Equal(t, fetches, f.provider.fetches.Load(), "a paid payment should not reach the provider")
}

func TestService_TransitionConcurrent(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	var confirmed atomic.Int32
	event.On(f.bus, func(_ context.Context, _ domain.EventPaymentConfirmed) error {
		confirmed.Add(1)
		return nil
	})

	p := f.checkout(t)
	f.provider.settle(p.ProviderReferenceID, p.Amount)

	var (
		wg    sync.WaitGroup
		fresh atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID})
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadyPaid {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	f.bus.Stop()

	assert.EqualValues(t, 1, fresh.Load(), "exactly one transition should confirm")
	assert.EqualValues(t, 1, confirmed.Load(), "payment confirmed should be published once")
}

func TestService_TransitionProviderTimeout(t *testing.T) {
	f := makeFixture(t, func(c *payment.Config) { c.ProviderTimeout = 20 * time.Millisecond })

	p := f.checkout(t)
	f.provider.settle(p.ProviderReferenceID, p.Amount)
	f.provider.delay = time.Second

	_, err := f.payments.Transition(context.Background(), payment.TransitionRequest{ProviderReferenceID: p.ProviderReferenceID})
	assert.True(t, errors.Is(err, errors.ReasonTransientProviderFailure), "got %v", err)
}

func TestService_TransitionUnlocksCouple(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	initiator, partner := f.couple(t)
	f.complete(t, initiator.ID)
	f.complete(t, partner.ID)

	resp, err := f.payments.Checkout(ctx, payment.CheckoutRequest{SessionID: initiator.ID, Identity: "u1"})
	require.NoError(t, err)
	f.provider.settle(resp.Payment.ProviderReferenceID, resp.Payment.Amount)

	var (
		mu     sync.Mutex
		linked []string
	)
	event.On(f.bus, func(_ context.Context, e domain.EventPaymentConfirmed) error {
		mu.Lock()
		defer mu.Unlock()
		linked = append(linked, e.LinkedSessionIDs...)
		return nil
	})

	_, err = f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: resp.Payment.ProviderReferenceID})
	require.NoError(t, err)
	f.bus.Stop()

	for _, id := range []string{initiator.ID, partner.ID} {
		st, err := f.payments.Status(ctx, id)
		require.NoError(t, err)
		assert.True(t, st.Unlocked, "session %s", id)
		assert.Equal(t, domain.PaymentPaid, st.PaymentStatus)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{partner.ID}, linked)
}

func TestService_RecoverFailedPartnerUnlock(t *testing.T) {
	type setup struct {
		f         *fixture
		initiator *domain.AssessmentSession
		partner   *domain.AssessmentSession
		payment   *domain.Payment
	}

	tests := map[string]struct {
		act func(t *testing.T, s setup)
	}{
		"retried transition": {
			act: func(t *testing.T, s setup) {
				res, err := s.f.payments.Transition(context.Background(), payment.TransitionRequest{ProviderReferenceID: s.payment.ProviderReferenceID})
				require.NoError(t, err)
				assert.True(t, res.AlreadyPaid)
			},
		},
		"partner verify": {
			act: func(t *testing.T, s setup) {
				res, err := s.f.payments.Verify(context.Background(), payment.VerifyRequest{SessionID: s.partner.ID})
				require.NoError(t, err)
				assert.True(t, res.AlreadyPaid)
			},
		},
		"partner checkout": {
			act: func(t *testing.T, s setup) {
				_, err := s.f.payments.Checkout(context.Background(), payment.CheckoutRequest{SessionID: s.partner.ID, Identity: "u2"})
				assert.True(t, errors.Is(err, errors.ReasonAlreadyPaid), "got %v", err)
				assert.Len(t, s.f.provider.invoices, 1, "no second invoice for a shared report")
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			flaky := &flakyStore{}
			f := makeFixture(t, func(c *payment.Config) {
				flaky.Store = c.Store
				c.Store = flaky
			})

			initiator, partner := f.couple(t)
			f.complete(t, initiator.ID)
			f.complete(t, partner.ID)

			resp, err := f.payments.Checkout(ctx, payment.CheckoutRequest{SessionID: initiator.ID, Identity: "u1"})
			require.NoError(t, err)
			f.provider.settle(resp.Payment.ProviderReferenceID, resp.Payment.Amount)

			flaky.failID = partner.ID
			_, err = f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: resp.Payment.ProviderReferenceID})
			require.Error(t, err, "a failed unlock of the partner is reported")
			f.bus.Stop()

			st, err := f.payments.Status(ctx, partner.ID)
			require.NoError(t, err)
			require.False(t, st.Unlocked)

			tc.act(t, setup{f: f, initiator: initiator, partner: partner, payment: resp.Payment})

			st, err = f.payments.Status(ctx, partner.ID)
			require.NoError(t, err)
			assert.True(t, st.Unlocked)
			assert.Equal(t, domain.PaymentPaid, st.PaymentStatus)

			c, err := f.store.GetCoupleBySession(ctx, partner.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.CoupleCompleted, c.Status)
		})
	}
}

func TestService_CheckoutLateTeamMember(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	leader, members := f.team(t, 2)
	for _, m := range members {
		f.complete(t, m.ID)
	}
	f.complete(t, leader.ID)

	resp, err := f.payments.Checkout(ctx, payment.CheckoutRequest{SessionID: leader.ID, Identity: "u1"})
	require.NoError(t, err)
	f.provider.settle(resp.Payment.ProviderReferenceID, resp.Payment.Amount)
	_, err = f.payments.Transition(ctx, payment.TransitionRequest{ProviderReferenceID: resp.Payment.ProviderReferenceID})
	require.NoError(t, err)
	f.bus.Stop()

	ld, err := f.sessions.GetSession(ctx, leader.ID)
	require.NoError(t, err)
	late, err := f.sessions.JoinTeam(ctx, session.JoinRequest{ShareCode: ld.ShareCode})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, late.PaymentStatus)

	f.complete(t, late.ID)
	_, err = f.payments.Checkout(ctx, payment.CheckoutRequest{SessionID: late.ID, Identity: "u3"})
	assert.True(t, errors.Is(err, errors.ReasonAlreadyPaid), "got %v", err)
	assert.Len(t, f.provider.invoices, 1)
}

func TestService_HandleWebhook(t *testing.T) {
	notification := func(typ, id, invoiceID, secret string) payment.Notification {
		var n payment.Notification
		n.ID = "evt_1"
		n.Type = typ
		n.SecretToken = secret
		n.Data.ID = id
		n.Data.InvoiceID = invoiceID
		return n
	}

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture, p *domain.Payment) payment.Notification
		assert  func(t *testing.T, f *fixture, p *domain.Payment, handled bool, err error)
	}{
		"should confirm on invoice.paid": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.Notification {
				f.provider.settle(p.ProviderReferenceID, p.Amount)
				return notification("invoice.paid", p.ProviderReferenceID, "", "s3cret")
			},
			assert: func(t *testing.T, f *fixture, p *domain.Payment, handled bool, err error) {
				require.NoError(t, err)
				assert.True(t, handled)

				got, err := f.store.GetPaymentByReference(context.Background(), p.ProviderReferenceID)
				require.NoError(t, err)
				assert.Equal(t, domain.PaymentRecordPaid, got.Status)
			},
		},
		"should confirm the invoice of a payment.paid": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.Notification {
				f.provider.settle(p.ProviderReferenceID, p.Amount)
				return notification("payment.paid", "pay_1", p.ProviderReferenceID, "s3cret")
			},
			assert: func(t *testing.T, _ *fixture, _ *domain.Payment, handled bool, err error) {
				require.NoError(t, err)
				assert.True(t, handled)
			},
		},
		"should ignore other notification types": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.Notification {
				return notification("payment.failed", p.ProviderReferenceID, "", "s3cret")
			},
			assert: func(t *testing.T, f *fixture, _ *domain.Payment, handled bool, err error) {
				require.NoError(t, err)
				assert.False(t, handled)
				assert.Zero(t, f.provider.fetches.Load())
			},
		},
		"should refuse a wrong secret": {
			arrange: func(t *testing.T, f *fixture, p *domain.Payment) payment.Notification {
				return notification("invoice.paid", p.ProviderReferenceID, "", "guess")
			},
			assert: func(t *testing.T, _ *fixture, _ *domain.Payment, handled bool, err error) {
				require.Error(t, err)
				assert.False(t, handled)
				assert.Equal(t, errors.CodeUnauthenticated, errors.Convert(err).Code)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t, func(c *payment.Config) { c.WebhookSecret = "s3cret" })
			p := f.checkout(t)
			n := tc.arrange(t, f, p)
			handled, err := f.payments.HandleWebhook(context.Background(), n)
			tc.assert(t, f, p, handled, err)
		})
	}
}

func TestService_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("should check the latest pending payment when no reference is given", func(t *testing.T) {
		f := makeFixture(t)
		p := f.checkout(t)
		f.provider.settle(p.ProviderReferenceID, p.Amount)

		res, err := f.payments.Verify(ctx, payment.VerifyRequest{SessionID: p.SessionID})
		require.NoError(t, err)
		assert.Equal(t, p.ID, res.Payment.ID)
		assert.Equal(t, domain.PaymentRecordPaid, res.Payment.Status)

		again, err := f.payments.Verify(ctx, payment.VerifyRequest{SessionID: p.SessionID})
		require.NoError(t, err)
		assert.True(t, again.AlreadyPaid)
	})

	t.Run("should not find a payment for a session that never checked out", func(t *testing.T) {
		f := makeFixture(t)
		ss := f.start(t, domain.UseCaseMajorSelection, "")

		_, err := f.payments.Verify(ctx, payment.VerifyRequest{SessionID: ss.ID})
		assert.True(t, errors.Is(err, errors.ReasonNotFound), "got %v", err)
	})
}
