package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/auth"
	"bizregistry.org/internal/config"
	"bizregistry.org/internal/credentials"
	"bizregistry.org/internal/httpapi"
	"bizregistry.org/internal/obs"
	"bizregistry.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger := obs.NewJSONLogger(zapcore.AddSync(os.Stdout), obs.ParseLevel(cfg.LogLevel))
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Without a DSN the registry runs on the in-memory store (local development).
	var (
		db   *sql.DB
		repo credentials.Repository
	)
	events := stream.New()
	sinks := []audit.Sink{audit.LogSink{Logger: logger}, events}
	if cfg.Postgres.DSN != "" {
		db, err = credentials.OpenDB(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		repo = credentials.NewPGStore(db)
		if cfg.Audit.Persist {
			sinks = append(sinks, audit.NewPGSink(db, 2*time.Second))
		}
	} else {
		logger.Warn("no database configured, using in-memory credential store")
		repo = credentials.NewMemoryStore()
	}
	recorder, err := audit.NewLogger(sinks)
	if err != nil {
		logger.Fatal("audit logger", zap.Error(err))
	}

	authn, resolver, authorizer, err := buildAuth(cfg.Auth, repo, recorder, cfg.Audit.GrantedSampleRate, logger)
	if err != nil {
		logger.Fatal("auth pipeline", zap.Error(err))
	}
	clients, err := credentials.NewService(repo, authorizer, recorder,
		credentials.WithDefaultIssuer(cfg.Auth.IssuerB.Issuer))
	if err != nil {
		logger.Fatal("credential service", zap.Error(err))
	}

	proxies, err := auth.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, authn, clients,
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithAuditStream(events),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting bizregistry-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	resolver.Wait()
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}

func buildAuth(cfg config.AuthConfig, repo credentials.Repository, recorder audit.Recorder, sampleRate float64, logger *zap.Logger) (*auth.Authenticator, *auth.Resolver, *auth.Authorizer, error) {
	keys, err := auth.NewKeyCache(map[string]string{
		cfg.IssuerA.Issuer: cfg.IssuerA.JWKSURL,
		cfg.IssuerB.Issuer: cfg.IssuerB.JWKSURL,
	}, auth.HTTPKeySetFetcher{Client: &http.Client{Timeout: cfg.FetchTimeout}},
		auth.WithKeyTTL(cfg.KeyTTL),
		auth.WithFetchTimeout(cfg.FetchTimeout),
		auth.WithFetchBudget(cfg.FetchBudget),
		auth.WithFetchAttempts(cfg.FetchAttempts),
		auth.WithMinRefreshInterval(cfg.MinRefreshInterval),
		auth.WithKeyCacheLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, err
	}
	router, err := auth.NewIssuerRouter(cfg.IssuerA.Issuer, cfg.IssuerB.Issuer)
	if err != nil {
		return nil, nil, nil, err
	}
	validator, err := auth.NewValidator(keys, cfg.Audience, []auth.IssuerConfig{
		issuerConfig(auth.IssuerA, cfg.IssuerA),
		issuerConfig(auth.IssuerB, cfg.IssuerB),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	resolver, err := auth.NewResolver(credentials.NewPrincipalLookup(repo),
		auth.WithUsageWriteTimeout(cfg.UsageWriteTimeout))
	if err != nil {
		return nil, nil, nil, err
	}
	authorizer := auth.NewAuthorizer(recorder, auth.WithGrantedSampleRate(sampleRate))
	authn, err := auth.NewAuthenticator(router, validator, resolver, authorizer, recorder)
	if err != nil {
		return nil, nil, nil, err
	}
	return authn, resolver, authorizer, nil
}

func issuerConfig(kind auth.IssuerKind, c config.IssuerConfig) auth.IssuerConfig {
	return auth.IssuerConfig{
		Kind:         kind,
		Issuer:       c.Issuer,
		JWKSURL:      c.JWKSURL,
		SubjectClaim: c.SubjectClaim,
		ClientClaims: c.ClientClaims,
		RolesClaim:   c.RolesClaim,
		PartyClaim:   c.PartyClaim,
	}
}
