package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/geoinfer-api/config"
	"github.com/target/geoinfer-api/internal/adapters/artifact"
	"github.com/target/geoinfer-api/internal/adapters/coco"
	"github.com/target/geoinfer-api/internal/adapters/inference"
	"github.com/target/geoinfer-api/internal/adapters/webhook"
	"github.com/target/geoinfer-api/internal/core"
	"github.com/target/geoinfer-api/internal/data"
	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/observability/notify/pagerduty"
	"github.com/target/geoinfer-api/internal/observability/notify/slack"
	"github.com/target/geoinfer-api/internal/observability/statsd"
	"github.com/target/geoinfer-api/internal/service"
	"github.com/target/geoinfer-api/internal/service/failurenotifier"
)

// cacheKeyPrefix namespaces every Redis key written by this service.
const cacheKeyPrefix = "geoinfer:"

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Pipeline      *service.Pipeline
	Webhooks      *webhook.Engine
	Uploads       *artifact.UploadStore
	Artifacts     *artifact.FileStore
	Cache         core.CacheRepository
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	MetricsClient   *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Close releases observability resources.
func (o ObservabilityContainer) Close() error {
	return o.MetricsClient.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	Store       *Store
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "geoinfer",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.MetricsClient = client
			out.MetricsSink = client
		}
	}

	return out
}

// NewServices wires the job store, collaborators, delivery engine, and pipeline.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.Store == nil || deps.Store.Jobs == nil {
		return nil, errors.New("config and job store are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := buildObservability(logger, cfg.Observability)

	var cache core.CacheRepository
	if deps.RedisClient != nil {
		cache = data.NewRedisCacheRepo(deps.RedisClient, cacheKeyPrefix)
	}

	uploads, err := artifact.NewUploadStore(cfg.Pipeline.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload store: %w", err)
	}
	results, err := artifact.NewFileStore(cfg.Pipeline.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	jobs := deps.Store.Jobs
	engine := webhook.NewEngine(webhook.Options{
		Config: webhook.Config{
			MaxAttempts:     cfg.Webhook.MaxAttempts,
			BaseRetryDelay:  cfg.Webhook.BaseRetryDelay,
			Timeout:         cfg.Webhook.Timeout,
			SigningSecret:   cfg.Webhook.SigningSecret,
			UserAgent:       cfg.Webhook.UserAgent,
			DefaultAPIKey:   cfg.Webhook.APIKey,
			BaseURL:         cfg.HTTP.BaseURL,
			ModelVersion:    cfg.Pipeline.ModelVersion,
			PipelineVersion: cfg.Webhook.PipelineVersion,
		},
		Recorder: func(ctx context.Context, req model.RecordWebhookAttemptRequest) error {
			_, err := jobs.RecordWebhookAttempt(ctx, req)
			return err
		},
		ArtifactSize: results.Size,
		Logger:       logger,
		Metrics:      obs.MetricsSink,
	})

	pipeline, err := service.NewPipeline(service.PipelineOptions{
		Repo: jobs,
		Inferencer: inference.NewSimulator(inference.SimulatorOptions{
			MinDelay:     cfg.Pipeline.InferenceMinDelay,
			MaxDelay:     cfg.Pipeline.InferenceMaxDelay,
			ModelVersion: cfg.Pipeline.ModelVersion,
			Logger:       logger,
		}),
		Converter:       coco.NewConverter(),
		Artifacts:       results,
		Webhooks:        engine,
		Cache:           cache,
		FailureNotifier: obs.FailureNotifier,
		Metrics:         obs.MetricsSink,
		Logger:          logger,
		FileConcurrency: cfg.Pipeline.FileConcurrency,
		NotifyOnFailure: cfg.Webhook.NotifyOnFailure,
		WebhookGuardTTL: cfg.Cache.WebhookGuardTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	jobSvc, err := service.NewJobService(service.JobServiceOptions{
		Repo:           jobs,
		Cache:          cache,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
		Metrics:        obs.MetricsSink,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	return &ServiceContainer{
		Jobs:          jobSvc,
		Pipeline:      pipeline,
		Webhooks:      engine,
		Uploads:       uploads,
		Artifacts:     results,
		Cache:         cache,
		Observability: obs,
	}, nil
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: baseLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger,
		Sinks:  sinks,
	})
}

// ServiceOrchestrationConfig contains everything needed to run the enabled services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Store    *Store
	Version  string
	Logger   *slog.Logger
}

// shutdownWaitTimeout is the minimum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:       deps.cfg.Config,
		Services:     deps.cfg.Services,
		HealthChecks: healthChecks(deps.cfg.Store, deps.cfg.Services),
		Version:      deps.cfg.Version,
		Logger:       deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "job worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services == nil || deps.cfg.Store == nil {
				return nil
			}
			pipelineCfg := config.PipelineConfig{}
			if deps.cfg.Config != nil {
				pipelineCfg = deps.cfg.Config.Pipeline
			}
			return RunWorker(ctx, WorkerConfig{
				Jobs:         deps.cfg.Store.Jobs,
				Processor:    deps.cfg.Services.Pipeline,
				Logger:       deps.logger,
				Workers:      pipelineCfg.Workers,
				PollInterval: pipelineCfg.PollInterval,
				DrainTimeout: pipelineCfg.DrainTimeout,
			})
		},
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, []backgroundService{newWorkerBackgroundService(deps)}),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config missing AppConfig or services")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
		waitTimeout: max(shutdownWaitTimeout, cfg.Config.Pipeline.DrainTimeout+5*time.Second),
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	waitTimeout time.Duration
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops accepting requests first, then lets workers drain.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), shutdownWaitTimeout)
		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
		cancel()
	}

	cfg.cancel()
	timeout := cfg.waitTimeout
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, timeout, cfg.logger)
	}

	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(timeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
