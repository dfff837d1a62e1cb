package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"genie/internal/config"
	"genie/internal/events"
	"genie/internal/handlers"
	"genie/internal/integrations/slack"
	"genie/internal/jobs"
	"genie/internal/logging"
	"genie/internal/middleware"
	"genie/internal/normalize"
	"genie/internal/notify"
	"genie/internal/querylog"
	"genie/internal/queue"
	"genie/internal/scheduler"
	"genie/internal/services"
	"genie/internal/snapshot"
	"genie/internal/tracker"
	"genie/internal/worker"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "genie",
	Short:         "Question intake and job dispatch with a semantic snapshot cache",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server, consumers and Slack intake (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, snapshotsCmd, querylogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and sets up logging.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newStore(cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Snapshot.Backend {
	case config.BackendPgVector:
		return snapshot.NewPgVectorStore(cfg.DatabaseURL, cfg.Snapshot.EmbeddingDimensions, logger)
	case config.BackendFile:
		return snapshot.NewFileStore(cfg.Snapshot.Dir, logger), nil
	}
	return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
}

// initializeStore retries until the store loads or ctx ends; the database
// may come up after us.
func initializeStore(ctx context.Context, store snapshot.Store, logger *slog.Logger) error {
	delay := 2 * time.Second
	for attempt := 1; ; attempt++ {
		err := store.Initialize(ctx)
		if err == nil {
			return nil
		}
		if attempt == 5 {
			return fmt.Errorf("failed to initialize %s snapshot store: %w", store.Backend(), err)
		}
		logger.Error("Failed to initialize snapshot store, retrying", "error", err, "backend", store.Backend(), "attempt", attempt, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

type serviceBundle struct {
	Store     snapshot.Store
	Redis     *redis.Client
	Chat      *services.ChatService
	Embedding *services.EmbeddingService
	Publisher events.Publisher
	QueryLog  *querylog.Writer
	Registry  *worker.Registry
	Tracker   *tracker.Tracker
	Channel   notify.Channel
	Slack     *slack.Channel
	Queue     *queue.Queue
}

func (b *serviceBundle) Close() {
	if b.QueryLog != nil {
		b.QueryLog.Close()
	}
	if b.Redis != nil {
		b.Redis.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
}

func initializeServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serviceBundle, error) {
	b := &serviceBundle{}
	fail := func(err error) (*serviceBundle, error) {
		b.Close()
		return nil, err
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return fail(err)
	}
	b.Store = store
	if err := initializeStore(ctx, store, logger); err != nil {
		return fail(err)
	}

	var cache services.EmbeddingCache = services.NewMemoryCache(0)
	b.Publisher = events.LogPublisher{Logger: logger}
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		b.Redis = rdb
		cache = services.NewRedisCache(rdb, 30*24*time.Hour, logger)
		b.Publisher = events.NewRedisPublisher(rdb, events.DefaultChannel, logger)
		logger.Info("Redis connected", "channel", events.DefaultChannel)
	}

	b.Chat = services.NewChatService(cfg.OpenAIAPIKey, cfg.OpenAI.ChatModel, logger)
	b.Embedding = services.NewEmbeddingService(cfg.OpenAIAPIKey, cfg.OpenAI.EmbeddingModel, cache, logger)

	b.QueryLog, err = querylog.Open(cfg.QueryLog.Path)
	if err != nil {
		return fail(err)
	}

	b.Registry, err = worker.DefaultRegistry(b.Chat)
	if err != nil {
		return fail(err)
	}
	b.Tracker = tracker.New()

	b.Channel = notify.Offline{Logger: logger}
	if cfg.SlackBotToken != "" {
		b.Slack = slack.NewChannel(cfg.SlackBotToken, logger)
		b.Channel = b.Slack
	}

	b.Queue, err = queue.New(queue.ConfigFrom(cfg), queue.Deps{
		Normalizer: normalize.NewNormalizer(cfg.Dispatch.Salutations, services.NewGistService(b.Chat), cfg.Dispatch.GistEnabled),
		Embedder:   b.Embedding,
		Store:      store,
		Router:     services.NewCommandRouter(b.Chat),
		Builder:    b.Registry,
		Tracker:    b.Tracker,
		Channel:    b.Channel,
		Publisher:  b.Publisher,
		QueryLog:   b.QueryLog,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}
	return b, nil
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting Genie", "version", version, "environment", cfg.Environment, "backend", cfg.Snapshot.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := initializeServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	// consumers outlive the signal so queued jobs drain after Close
	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	var consumers sync.WaitGroup
	for i := 0; i < cfg.Dispatch.Consumers; i++ {
		c := jobs.NewConsumer(jobs.Deps{
			Source:    svc.Queue,
			Tracker:   svc.Tracker,
			Executor:  svc.Registry,
			Store:     svc.Store,
			Embedder:  svc.Embedding,
			Channel:   svc.Channel,
			Publisher: svc.Publisher,
			Logger:    logger.With("consumer", i),
		})
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			c.Start(consumerCtx)
		}()
	}

	if svc.Slack != nil && cfg.SlackAppToken != "" {
		listener := slack.NewListener(cfg.SlackBotToken, cfg.SlackAppToken, svc.Slack, submitFunc(svc.Queue), logger)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Slack listener stopped", "error", err)
			}
		}()
	}

	limiter := middleware.NewPerIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	sched := scheduler.New(cfg.StatsSchedule, svc.Store, svc.Queue, limiter, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(limiter.Middleware)
	handlers.APIRoutes(apiRouter,
		handlers.NewSubmitHandler(svc.Queue),
		handlers.NewAdminHandler(svc.Queue, svc.Store, svc.QueryLog))

	if svc.Slack != nil {
		slackRouter := router.PathPrefix("/slack").Subrouter()
		slackRouter.Use(handlers.VerifySlackSignature(cfg.SlackSigningSecret))
		slackRouter.HandleFunc("/actions", svc.Slack.HandleInteraction).Methods(http.MethodPost)
	}

	router.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", handlers.ReadyHandler(svc.Store)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Server shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	svc.Queue.Close()
	drained := make(chan struct{})
	go func() {
		consumers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Consumers did not drain in time")
		stopConsumers()
		<-drained
	}

	logger.Info("Server exited gracefully")
	return nil
}

func submitFunc(q *queue.Queue) slack.SubmitFunc {
	return func(ctx context.Context, question, userID, userEmail, sessionID string) (string, error) {
		res, err := q.Submit(ctx, queue.Request{
			Question:  question,
			UserID:    userID,
			UserEmail: userEmail,
			SessionID: sessionID,
		})
		return res.Message, err
	}
}
