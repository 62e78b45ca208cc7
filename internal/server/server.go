package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/baseera/internal/api"
	"github.com/victornm/baseera/internal/event"
	"github.com/victornm/baseera/internal/payment"
	"github.com/victornm/baseera/internal/payment/moyasar"
	"github.com/victornm/baseera/internal/question"
	"github.com/victornm/baseera/internal/ratelimit"
	"github.com/victornm/baseera/internal/score"
	"github.com/victornm/baseera/internal/session"
	"github.com/victornm/baseera/internal/store"
	"github.com/victornm/baseera/internal/store/memstore"
	"github.com/victornm/baseera/internal/store/postgres"
	"github.com/victornm/baseera/internal/telemetry"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level string
	}

	Store struct {
		// Driver is memory or postgres.
		Driver string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Redis struct {
		// Notifications and rate limiting are disabled without addresses.
		Addrs  []string
		Pass   string
		Prefix string
	}

	Session struct {
		CodeTTL     time.Duration
		MaxTeamSize int
	}

	RateLimit struct {
		JoinAttempts int64
		Window       time.Duration
	}

	Payment struct {
		ProviderTimeout time.Duration
		Moyasar         struct {
			BaseURL       string
			APIKey        string
			WebhookSecret string
		}
	}

	Auth struct {
		JWTSecret string
	}
}

// DefaultConfig is overridden by the config file and the environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Log.Level = "info"
	c.Store.Driver = StoreMemory
	c.Redis.Prefix = "baseera"
	c.Session.CodeTTL = 7 * 24 * time.Hour
	c.Session.MaxTeamSize = 10
	c.RateLimit.JoinAttempts = 20
	c.RateLimit.Window = time.Minute
	c.Payment.ProviderTimeout = 10 * time.Second
	c.Payment.Moyasar.BaseURL = moyasar.DefaultBaseURL
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		store    store.Store
		bank     *question.Bank
	}

	service struct {
		session *session.Service
		payment *payment.Service
	}

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	bank, err := question.Load()
	if err != nil {
		return fmt.Errorf("question bank: %w", err)
	}
	s.infra.bank = bank

	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initStore(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Addrs) == 0 {
		slog.Warn("server: redis not configured, notifications and rate limiting disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initStore() error {
	switch s.c.Store.Driver {
	case StoreMemory, "":
		slog.Warn("server: using in-memory store, data is lost on restart")
		s.infra.store = memstore.New()
		return nil

	case StorePostgres:
		db, err := s.connectPostgres()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		s.infra.postgres = db

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
		s.infra.store = pg
		return nil

	default:
		return fmt.Errorf("unknown driver %q", s.c.Store.Driver)
	}
}

func (s *Server) connectPostgres() (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (s *Server) initService() {
	s.service.session = session.NewService(session.Config{
		Store:       s.infra.store,
		Scorer:      score.NewEngine(s.infra.bank),
		EventBus:    s.eb,
		CodeTTL:     s.c.Session.CodeTTL,
		MaxTeamSize: s.c.Session.MaxTeamSize,
	})

	m := s.c.Payment.Moyasar
	s.service.payment = payment.NewService(payment.Config{
		Store:    s.infra.store,
		Sessions: s.service.session,
		Provider: moyasar.New(moyasar.Config{
			BaseURL: m.BaseURL,
			APIKey:  m.APIKey,
		}),
		EventBus:        s.eb,
		ProviderTimeout: s.c.Payment.ProviderTimeout,
		WebhookSecret:   m.WebhookSecret,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.GinMiddleware())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	c := api.Config{
		Router:   e,
		GRPC:     s.grpc,
		EventBus: s.eb,
		Session:  s.service.session,
		Payment:  s.service.payment,
		Bank:     s.infra.bank,
		Auth:     api.NewAuthenticator(s.c.Auth.JWTSecret),
	}
	if s.infra.redis != nil {
		c.Redis = s.infra.redis
		c.PubsubPrefix = s.c.Redis.Prefix
		c.Limiter = ratelimit.New(ratelimit.Config{
			Redis:  s.infra.redis,
			Prefix: s.c.Redis.Prefix,
			Limit:  s.c.RateLimit.JoinAttempts,
			Window: s.c.RateLimit.Window,
		})
	}
	api.New(c)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
