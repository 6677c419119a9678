package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/kelsos/crawl-sync/internal/api"
	"github.com/kelsos/crawl-sync/internal/collector"
	"github.com/kelsos/crawl-sync/internal/config"
	"github.com/kelsos/crawl-sync/internal/executor"
	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/notify"
	"github.com/kelsos/crawl-sync/internal/posts"
	"github.com/kelsos/crawl-sync/internal/registry"
	"github.com/kelsos/crawl-sync/internal/settings"
	"github.com/kelsos/crawl-sync/internal/trigger"
)

// CoordinatorService wires the settings store, executor, scheduler and API server together
type CoordinatorService struct {
	config    *config.Config
	settings  *settings.Store
	registry  *registry.Registry
	executor  *executor.Executor
	trigger   *trigger.Trigger
	posts     *posts.Store
	publisher notify.Publisher
	server    *api.Server
}

// NewCoordinatorService creates the coordinator with all dependencies
func NewCoordinatorService(cfg *config.Config) (*CoordinatorService, error) {
	store, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	worker, err := collector.New(cfg.CrawlCommand, cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}

	postStore, err := posts.NewStore(cfg.DBPath, cfg.PostsTable)
	if err != nil {
		return nil, fmt.Errorf("failed to open posts store: %w", err)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.WithHistoryLimit(cfg.HistoryLimit))
	exec := executor.New(reg, store, worker,
		executor.WithRunTimeout(cfg.RunTimeout),
		executor.WithNotifier(publisher),
	)
	scheduler := trigger.New(exec, store)

	handler := api.NewHandler(exec, store, postStore, scheduler)
	router := api.NewRouter(handler, cfg.APIToken)

	return &CoordinatorService{
		config:    cfg,
		settings:  store,
		registry:  reg,
		executor:  exec,
		trigger:   scheduler,
		posts:     postStore,
		publisher: publisher,
		server:    api.NewServer(cfg.ListenAddr(), router),
	}, nil
}

func newPublisher(cfg *config.Config) (notify.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Debug("No kafka brokers configured, task events are not published")
		return notify.Nop{}, nil
	}

	publisher, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	return publisher, nil
}

// Start launches the scheduler and serves the API until the server stops
func (s *CoordinatorService) Start() error {
	if s.config.UsesDefaultToken() {
		logger.Warn("API_TOKEN is not set, admin endpoints use the default token")
	}

	if !s.posts.Exists() {
		logger.Warn("Posts database %s does not exist yet", s.posts.Path())
	}

	s.trigger.Start(s.config.Interval)
	if s.config.RunOnStart {
		logger.Info("Running initial crawl")
		s.trigger.TickNow()
	}

	return s.server.Start()
}

// Shutdown stops the scheduler and the API, then waits for the running task
func (s *CoordinatorService) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down coordinator")

	s.trigger.Stop()
	s.trigger.Wait()

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down API server: %w", err))
	}
	if err := s.executor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}

	return errors.Join(errs...)
}

// Settings returns the settings store
func (s *CoordinatorService) Settings() *settings.Store {
	return s.settings
}

// Executor returns the task executor
func (s *CoordinatorService) Executor() *executor.Executor {
	return s.executor
}

// Scheduler returns the periodic trigger
func (s *CoordinatorService) Scheduler() *trigger.Trigger {
	return s.trigger
}

// Posts returns the collected posts store
func (s *CoordinatorService) Posts() *posts.Store {
	return s.posts
}
