package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/errors"
	"github.com/victornm/baseera/internal/event"
	"github.com/victornm/baseera/internal/payment"
	"github.com/victornm/baseera/internal/question"
	"github.com/victornm/baseera/internal/session"
)

type Config struct {
	Router       gin.IRouter
	GRPC         *grpc.Server
	EventBus     *event.Bus
	Session      *session.Service
	Payment      *payment.Service
	Bank         *question.Bank
	Auth         *Authenticator
	Limiter      Limiter
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Limiter throttles join attempts per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type API struct {
	ss   *session.Service
	ps   *payment.Service
	bank *question.Bank

	limiter Limiter
	redis   Redis
	prefix  string
}

func New(c Config) *API {
	a := &API{
		ss:      c.Session,
		ps:      c.Payment,
		bank:    c.Bank,
		limiter: c.Limiter,
		redis:   c.Redis,
		prefix:  c.PubsubPrefix,
	}

	// gRPC APIs
	if c.GRPC != nil {
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(c.GRPC, hs)
	}

	// HTTP APIs
	a.register(c.Router, c.Auth)

	// Register event handlers
	if a.redis != nil {
		event.On(c.EventBus, a.PublishCoupleReady)
		event.On(c.EventBus, a.PublishTeamProgress)
		event.On(c.EventBus, a.PublishPaymentConfirmed)
	}

	return a
}

func (a *API) register(r gin.IRouter, auth *Authenticator) {
	v1 := r.Group("/api/v1")
	v1.POST("/webhooks/moyasar", a.HandleWebhook)

	v1.GET("/use-cases", a.ListUseCases)
	v1.GET("/questions", a.ListQuestions)

	g := v1.Group("", auth.WithIdentity())

	g.POST("/sessions", a.StartSession)
	g.GET("/sessions/:id", a.GetSession)
	g.POST("/sessions/:id/complete", a.CompleteSession)
	g.POST("/sessions/:id/couple", a.UpgradeToCouple)
	g.GET("/sessions/:id/couple/readiness", a.CoupleReadiness)
	g.POST("/sessions/:id/team", a.CreateTeam)
	g.POST("/sessions/:id/claim", RequireIdentity(), a.ClaimSession)
	g.POST("/sessions/:id/checkout", RequireIdentity(), a.Checkout)
	g.POST("/sessions/:id/payment/verify", a.VerifyPayment)
	g.GET("/sessions/:id/payment", a.PaymentStatus)

	g.POST("/couples/join", a.limit("couple"), a.JoinCouple)
	g.GET("/couples/:code", a.CoupleStatus)
	g.POST("/teams/join", a.limit("team"), a.JoinTeam)
	g.GET("/teams/:code", a.TeamReadiness)
}

// limit rejects clients that exceed the join attempt limit. Limiter failures
// let the request through.
func (a *API) limit(flow string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.limiter == nil {
			c.Next()
			return
		}

		ok, err := a.limiter.Allow(c.Request.Context(), flow+":"+c.ClientIP())
		if err != nil {
			slog.WarnContext(c.Request.Context(), "api: rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !ok {
			abort(c, errors.NewReason(errors.ReasonRateLimited, "too many attempts, try again later"))
			return
		}
		c.Next()
	}
}

type errorResponse struct {
	Error *errors.Error `json:"error"`
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"route", c.FullPath(),
			"error", err,
		)
		e = errors.New(errors.CodeInternal)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), errorResponse{Error: e})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, errors.InvalidArgument("invalid request body: %v", err))
		return false
	}
	return true
}

func (a *API) ListUseCases(c *gin.Context) {
	ids := []domain.UseCaseID{
		domain.UseCaseMajorSelection,
		domain.UseCaseCareerChange,
		domain.UseCaseCouples,
		domain.UseCaseTeams,
		domain.UseCaseBigFiveDemo,
	}

	resp := make([]UseCaseView, 0, len(ids))
	for _, id := range ids {
		uc, _ := domain.LookupUseCase(id)
		resp = append(resp, newUseCaseView(uc))
	}

	c.JSON(http.StatusOK, gin.H{"use_cases": resp})
}

func (a *API) ListQuestions(c *gin.Context) {
	id := domain.UseCaseID(c.Query("use_case"))
	uc, ok := domain.LookupUseCase(id)
	if !ok {
		abort(c, errors.InvalidArgument("unknown use case: %s", id))
		return
	}

	resp := make(map[domain.ToolID][]domain.Question, len(uc.Tools))
	for _, t := range uc.Tools {
		resp[t] = a.bank.ByTool(t)
	}

	c.JSON(http.StatusOK, gin.H{"use_case": uc.ID, "questions": resp})
}

type StartSessionRequest struct {
	UseCase domain.UseCaseID `json:"use_case" binding:"required"`
}

func (a *API) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if !bind(c, &req) {
		return
	}

	ss, err := a.ss.StartSolo(c.Request.Context(), session.StartSoloRequest{
		UseCase: req.UseCase,
		UserID:  identity(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, newSessionView(ss))
}

func (a *API) GetSession(c *gin.Context) {
	ss, err := a.ss.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionView(ss))
}

type CompleteSessionRequest struct {
	Answers map[domain.ToolID][]domain.Answer `json:"answers" binding:"required"`
}

func (a *API) CompleteSession(c *gin.Context) {
	var req CompleteSessionRequest
	if !bind(c, &req) {
		return
	}

	ss, err := a.ss.CompleteSession(c.Request.Context(), session.CompleteSessionRequest{
		SessionID: c.Param("id"),
		Answers:   req.Answers,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionView(ss))
}

type UpgradeToCoupleRequest struct {
	Name string `json:"name"`
}

type ShareCodeResponse struct {
	ShareCode string `json:"share_code"`
}

func (a *API) UpgradeToCouple(c *gin.Context) {
	var req UpgradeToCoupleRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	code, err := a.ss.UpgradeToCouple(c.Request.Context(), session.UpgradeToCoupleRequest{
		SessionID: c.Param("id"),
		Name:      req.Name,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, ShareCodeResponse{ShareCode: code})
}

type JoinRequest struct {
	ShareCode string `json:"share_code" binding:"required"`
	Name      string `json:"name"`
}

type JoinResponse struct {
	SessionID string `json:"session_id"`
}

func (a *API) JoinCouple(c *gin.Context) {
	a.join(c, a.ss.JoinCouple)
}

func (a *API) JoinTeam(c *gin.Context) {
	a.join(c, a.ss.JoinTeam)
}

func (a *API) join(c *gin.Context, join func(context.Context, session.JoinRequest) (*domain.AssessmentSession, error)) {
	var req JoinRequest
	if !bind(c, &req) {
		return
	}

	ss, err := join(c.Request.Context(), session.JoinRequest{
		ShareCode: req.ShareCode,
		Name:      req.Name,
		UserID:    identity(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, JoinResponse{SessionID: ss.ID})
}

func (a *API) CoupleReadiness(c *gin.Context) {
	r, err := a.ss.CoupleReadiness(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, CoupleReadinessView{
		IsCouple:          r.IsCouple,
		IsReadyForPayment: r.IsReadyForPayment,
		ShareCode:         r.ShareCode,
	})
}

func (a *API) CoupleStatus(c *gin.Context) {
	v, err := a.ss.CoupleStatus(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, newCoupleView(v))
}

type CreateTeamRequest struct {
	TeamName   string `json:"team_name" binding:"required"`
	LeaderName string `json:"leader_name"`
}

func (a *API) CreateTeam(c *gin.Context) {
	var req CreateTeamRequest
	if !bind(c, &req) {
		return
	}

	code, err := a.ss.CreateTeam(c.Request.Context(), session.CreateTeamRequest{
		LeaderSessionID: c.Param("id"),
		TeamName:        req.TeamName,
		LeaderName:      req.LeaderName,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, ShareCodeResponse{ShareCode: code})
}

func (a *API) TeamReadiness(c *gin.Context) {
	r, err := a.ss.TeamReadiness(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}
	if !r.IsTeam {
		abort(c, errors.NewReason(errors.ReasonInvalidCode, "invalid team code"))
		return
	}

	c.JSON(http.StatusOK, newTeamView(r))
}

func (a *API) ClaimSession(c *gin.Context) {
	if err := a.ss.ClaimSession(c.Request.Context(), c.Param("id"), identity(c)); err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type CheckoutRequest struct {
	CallbackURL string `json:"callback_url"`
}

type CheckoutResponse struct {
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	PaymentURL    string               `json:"payment_url,omitempty"`
	PaymentID     string               `json:"payment_id,omitempty"`
}

func (a *API) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	resp, err := a.ps.Checkout(c.Request.Context(), payment.CheckoutRequest{
		SessionID:   c.Param("id"),
		Identity:    identity(c),
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := CheckoutResponse{PaymentStatus: resp.PaymentStatus, PaymentURL: resp.PaymentURL}
	if resp.Payment != nil {
		out.PaymentID = resp.Payment.ID
	}
	c.JSON(http.StatusOK, out)
}

type VerifyPaymentRequest struct {
	Reference string `json:"reference"`
}

type VerifyPaymentResponse struct {
	PaymentStatus string `json:"payment_status"`
	AlreadyPaid   bool   `json:"already_paid"`
}

func (a *API) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	res, err := a.ps.Verify(c.Request.Context(), payment.VerifyRequest{
		SessionID:           c.Param("id"),
		ProviderReferenceID: req.Reference,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, VerifyPaymentResponse{
		PaymentStatus: string(domain.PaymentPaid),
		AlreadyPaid:   res.AlreadyPaid,
	})
}

func (a *API) PaymentStatus(c *gin.Context) {
	resp, err := a.ps.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) HandleWebhook(c *gin.Context) {
	var n payment.Notification
	if !bind(c, &n) {
		return
	}

	handled, err := a.ps.HandleWebhook(c.Request.Context(), n)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"handled": handled})
}
