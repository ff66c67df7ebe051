// Package app wires the repositories, usecases and optional integrations
// shared by the API server and the scanctl CLI.
package app

import (
	"context"
	"fmt"
	"strings"

	documentrepo "mailscan-backend/internal/document/repository"
	documentusecase "mailscan-backend/internal/document/usecase"
	"mailscan-backend/internal/extraction"
	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxrepo "mailscan-backend/internal/mailbox/repository"
	mailboxusecase "mailscan-backend/internal/mailbox/usecase"
	"mailscan-backend/internal/notification"
	scanrepo "mailscan-backend/internal/scan/repository"
	scanusecase "mailscan-backend/internal/scan/usecase"
	"mailscan-backend/internal/scheduler"
	"mailscan-backend/internal/schema"
	"mailscan-backend/pkg/ai"
	"mailscan-backend/pkg/config"
	"mailscan-backend/pkg/cooldown"
	"mailscan-backend/pkg/database"
	"mailscan-backend/pkg/fcm"
	"mailscan-backend/pkg/gmail"
	"mailscan-backend/pkg/logger"
	"mailscan-backend/pkg/natsjs"
	"mailscan-backend/pkg/retry"

	"gorm.io/gorm"
)

// Options carries what differs between the server and the CLI.
type Options struct {
	// Ollama settings are read through these getters so the settings API
	// can switch them at runtime. Nil means use the static config.
	OllamaBaseURL func() string
	OllamaModel   func() string
	// Notify wires FCM and the NATS event stream.
	Notify bool
}

type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Mailboxes *mailboxusecase.MailboxUsecase
	Documents *documentusecase.DocumentUsecase
	Scans     *scanusecase.ScanUsecase
	Sync      *incrementalusecase.SyncUsecase
	Scheduler *scheduler.Scheduler
	Tokens    mailboxrepo.DeviceTokenRepository

	log     *logger.Logger
	closers []func()
}

func New(ctx context.Context, cfg *config.Config, opts Options, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	db, err := database.NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	if err := schema.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.DB = db

	mailboxRepository := mailboxrepo.NewMailboxRepository(db)
	a.Tokens = mailboxrepo.NewDeviceTokenRepository(db)

	var cd mailboxusecase.Cooldown
	if cfg.RedisURL != "" {
		r, err := cooldown.NewRedis(ctx, cfg.RedisURL, "mailscan")
		if err != nil {
			log.Warn("redis unavailable, cooldowns kept on the mailbox row", "error", err)
		} else {
			cd = r
			a.closers = append(a.closers, func() { _ = r.Close() })
		}
	}
	a.Mailboxes = mailboxusecase.NewMailboxUsecase(mailboxRepository, cd, log)

	var gmailService *gmail.Service
	if cfg.GoogleClientID != "" {
		gmailService = gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, log)
	}
	policy := retry.Policy{
		InitialInterval:  cfg.RetryInitialInterval,
		MaxInterval:      cfg.RetryMaxInterval,
		Multiplier:       cfg.RetryMultiplier,
		Jitter:           cfg.RetryJitter,
		MaxTries:         cfg.RetryMaxTries,
		MaxRateLimitWait: cfg.RetryMaxRateLimitWait,
	}
	factory := mailboxusecase.NewSourceFactory(mailboxRepository, gmailService, cfg.IMAPDefaultAddr, policy, log)
	if gmailService != nil && cfg.GooglePubSubTopic != "" {
		a.Mailboxes.SetWatcher(mailboxusecase.NewGmailWatcher(factory, cfg.GooglePubSubTopic))
	}

	baseURL, model := opts.OllamaBaseURL, opts.OllamaModel
	if baseURL == nil {
		baseURL = func() string { return cfg.OllamaBaseURL }
	}
	if model == nil {
		model = func() string { return cfg.OllamaModel }
	}
	provider, err := ai.NewProvider(ai.Config{
		Provider:         ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey:     cfg.GeminiApiKey,
		GeminiModel:      cfg.GeminiModel,
		GetOllamaBaseURL: baseURL,
		GetOllamaModel:   model,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("ai provider: %w", err)
	}
	log.Info("ai provider ready", "provider", provider.Name())

	regex := extraction.NewRegexStage(extraction.DefaultVendors, 0)
	aiStage := extraction.NewAIStage(ai.NewExtractor(provider, cfg.AITimeout))

	a.Documents = documentusecase.NewDocumentUsecase(documentrepo.NewDocumentRepository(db), log)

	queue := scanrepo.NewChunkQueue(db)
	candidates := documentrepo.NewCandidateRepository(db)
	processor := scanusecase.NewChunkProcessor(queue, candidates, a.Documents, regex, aiStage,
		scanusecase.ProcessorConfig{
			FetchConcurrency:     cfg.FetchConcurrency,
			CandidateMaxAttempts: cfg.ScanMaxAttempts,
			LeaseDuration:        cfg.ScanLeaseDuration,
		}, log)
	a.Scans = scanusecase.NewScanUsecase(scanrepo.NewJobRepository(db), queue, a.Mailboxes, factory, processor, scanusecase.Config{
		RangeYears:         cfg.ScanRangeYears,
		WindowDays:         cfg.ScanWindowDays,
		MaxAttempts:        cfg.ScanMaxAttempts,
		LeaseDuration:      cfg.ScanLeaseDuration,
		ClaimBatch:         cfg.ScanClaimBatch,
		TickBudget:         cfg.TickBudget,
		TickBudgetMargin:   cfg.TickBudgetMargin,
		ChunkRetryBaseWait: cfg.ChunkRetryBaseWait,
		ChunkRetryMaxWait:  cfg.ChunkRetryMaxWait,
	}, log)

	a.Sync = incrementalusecase.NewSyncUsecase(a.Mailboxes, mailboxRepository, factory, extraction.NewPipeline(regex, aiStage), candidates, a.Documents,
		incrementalusecase.Config{
			FallbackDays:         cfg.SyncFallbackDays,
			PageLimit:            cfg.SyncPageLimit,
			TickBudget:           cfg.TickBudget,
			TickBudgetMargin:     cfg.TickBudgetMargin,
			CandidateMaxAttempts: cfg.ScanMaxAttempts,
		}, log)

	a.Scheduler = scheduler.NewScheduler(a.Scans, a.Sync, a.Mailboxes, scheduler.Config{
		DeepScanInterval: cfg.DeepScanInterval,
		SyncInterval:     cfg.SyncInterval,
		Concurrency:      cfg.FetchConcurrency,
	}, log)

	if opts.Notify {
		a.wireNotifications(ctx)
	}
	return a, nil
}

// wireNotifications attaches the optional push and event integrations.
// Each one is skipped with a warning when it cannot start.
func (a *App) wireNotifications(ctx context.Context) {
	cfg := a.Config
	if cfg.FirebaseCredentials != "" {
		client, err := fcm.NewClient(ctx, cfg.FirebaseCredentials, a.log)
		if err != nil {
			a.log.Warn("fcm disabled", "error", err)
		} else {
			notifier := notification.NewNotifier(a.Tokens, client, a.log)
			a.Scans.AddObserver(notifier)
			a.Mailboxes.AddObserver(notifier)
		}
	}

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, strings.ToUpper(cfg.NATSSubjectPrefix), cfg.NATSSubjectPrefix)
		if err != nil {
			a.log.Warn("nats disabled", "error", err)
			return
		}
		if err := pub.EnsureStream(ctx); err != nil {
			a.log.Warn("nats stream unavailable", "error", err)
			pub.Close()
			return
		}
		a.Documents.AddObserver(notification.NewEventPublisher(pub, a.log))
		a.closers = append(a.closers, pub.Close)
	}
}

// StartPushListener subscribes to Gmail push notifications when a Google
// project is configured. It returns once the listener is running.
func (a *App) StartPushListener(ctx context.Context) {
	cfg := a.Config
	if cfg.GoogleProjectID == "" {
		a.log.Info("google project not configured, push listener disabled")
		return
	}
	topic := cfg.GooglePubSubTopic
	if parts := strings.Split(topic, "/"); len(parts) > 1 {
		topic = parts[len(parts)-1]
	}
	if topic == "" {
		topic = "gmail-updates"
	}

	listener, err := notification.NewPushListener(ctx, cfg.GoogleProjectID, topic, cfg.GoogleCredentials, a.Mailboxes, a.Sync, a.log)
	if err != nil {
		a.log.Error("push listener disabled", "error", err)
		return
	}
	a.closers = append(a.closers, func() { _ = listener.Close() })
	go func() {
		if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("push listener stopped", "error", err)
		}
	}()
}

func (a *App) Close() {
	a.Scheduler.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
