// Package app wires the chargehive dependency graph.
package app

import (
	"context"
	"database/sql"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chargehive/internal/cache"
	"chargehive/internal/config"
	"chargehive/internal/db"
	"chargehive/internal/executor"
	"chargehive/internal/heartbeat"
	httpserver "chargehive/internal/http"
	"chargehive/internal/http/handlers"
	"chargehive/internal/http/middleware"
	"chargehive/internal/ledger"
	"chargehive/internal/orchestrator"
	"chargehive/internal/reconciler"
	"chargehive/internal/registry"
)

// App holds the running service graph.
type App struct {
	server      *httpserver.Server
	reconciler  *reconciler.Reconciler
	publisher   *heartbeat.Publisher
	stream      *ledger.TopicStream
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	gateway, err := ledger.NewClient(ledger.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		OperatorAccount: cfg.Program.OperatorAccount,
		SubmitTimeout:   cfg.SubmitTimeout(),
		ReceiptTimeout:  cfg.ReceiptTimeout(),
		PollInterval:    cfg.PollInterval(),
	}, logger)
	if err != nil {
		redisClient.Close()
		sqlDB.Close()
		return nil, err
	}

	opLog := executor.NewPostgresLog(sqlDB)
	exec := executor.New(gateway, opLog, executor.Config{
		MaxAttempts:      cfg.Executor.MaxAttempts,
		MaxQueryAttempts: cfg.Executor.MaxQueryAttempts,
		BackoffBase:      cfg.BackoffBase(),
		BackoffMax:       cfg.BackoffMax(),
		AttemptTimeout:   cfg.AttemptTimeout(),
	}, logger)

	sessions := registry.New(registry.NewPostgresStore(sqlDB), logger)
	accounts := registry.NewPostgresAccounts(sqlDB)

	sessionCache := cache.NewStore(redisClient, cfg.CacheTTL())

	publisher := heartbeat.NewPublisher(gateway, heartbeat.Config{
		DeviceID:       cfg.Heartbeat.DeviceID,
		HeartbeatTopic: cfg.Heartbeat.HeartbeatTopic,
		SessionsTopic:  cfg.Heartbeat.SessionsTopic,
		Schedule:       cfg.Heartbeat.Schedule,
	}, logger)

	orch := orchestrator.New(exec, sessions, accounts, orchestrator.Config{
		ProgramContract: cfg.Program.Contract,
		AdapterContract: cfg.Program.AdapterContract,
		TokenManager:    cfg.Program.TokenManager,
		RewardTokenID:   cfg.Program.RewardTokenID,
		OperatorAccount: cfg.Program.OperatorAccount,
		CanAssociate:    cfg.Program.CanAssociate,
		CanAuthorize:    cfg.Program.CanAuthorize,
		Params: cfg.ProgramParams(),
	}, logger).WithCache(sessionCache).WithPublisher(publisher)

	sweep := reconciler.New(orch, exec, reconciler.Config{
		Schedule:  cfg.Reconciler.Schedule,
		BatchSize: cfg.Reconciler.BatchSize,
	}, logger)

	var stream *ledger.TopicStream
	if strings.TrimSpace(cfg.Gateway.StreamURL) != "" && strings.TrimSpace(cfg.Heartbeat.SessionsTopic) != "" {
		monitor := heartbeat.NewMonitor(sessionCache, logger)
		stream = ledger.NewTopicStream(cfg.Gateway.StreamURL, cfg.Heartbeat.SessionsTopic, monitor, logger)
	}

	accountsHandler := handlers.NewAccountsHandler(orch, logger)
	sessionsHandler := handlers.NewSessionsHandler(orch, logger)

	routes := httpserver.Routes{
		Onboard:        accountsHandler.HandleOnboard,
		OnboardAdapter: accountsHandler.HandleOnboardAdapter,
		OpenSession:    sessionsHandler.HandleOpen,
		CloseSession:   sessionsHandler.HandleClose,
		SettleSession:  sessionsHandler.HandleSettle,
		RecoverSession: sessionsHandler.HandleRecover,
		GetSession:     sessionsHandler.HandleGet,
		SessionHistory: sessionsHandler.HandleHistory,
		Health:         handlers.NewHealthHandler(),
		Auth:           middleware.AuthMiddleware(cfg.HTTP.JWTSecret),
	}

	router := httpserver.NewRouter(routes)
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		reconciler:  sweep,
		publisher:   publisher,
		stream:      stream,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run starts background workers and the HTTP server, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.reconciler.Start(ctx); err != nil {
		return err
	}
	if err := a.publisher.Start(ctx); err != nil {
		return err
	}
	if a.stream != nil {
		go a.stream.Run(ctx)
	}
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
