package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/playmate/internal/asrproxy"
	"github.com/ent0n29/playmate/internal/chat"
	"github.com/ent0n29/playmate/internal/config"
	"github.com/ent0n29/playmate/internal/httpapi"
	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/observability"
	"github.com/ent0n29/playmate/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        session.Store
	Orchestrator *chat.Orchestrator
	Tasks        *chat.TaskGroup
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Shutdown drains background tasks, then releases the store.
	Shutdown func(ctx context.Context) error
}

// ProviderInfo names the backends selected at startup.
type ProviderInfo struct {
	Model string
	TTS   string
	Store string
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	storeKind := "in-memory"
	if cfg.DatabaseURL != "" {
		storeKind = "postgres"
	}

	chatModel := resolveChatModel(cfg)
	tts, ttsDetail := resolveTTSProvider(cfg)

	tasks := chat.NewTaskGroup()
	orchestrator := chat.NewOrchestrator(store, chatModel, chatModel, tts, tasks, metrics, chat.Config{
		VisionEndpoint: cfg.VLMEndpoint,
		TextEndpoint:   cfg.LLMEndpoint,
		HistoryLimit:   cfg.HistoryLimit,
		UnknownMarker:  cfg.VisionUnknownMarker,
		TTSTimeout:     cfg.TTSConnectTimeout,
		SaveTimeout:    cfg.ContextSaveTimeout,
		TTSOptions:     ttsOptions(cfg),
	})

	gateway := asrproxy.New(asrproxy.Config{
		URL:            cfg.ASRURL,
		AppID:          cfg.ASRAppID,
		AccessToken:    cfg.ASRAccessToken,
		ResourceID:     cfg.ASRResourceID,
		UserID:         cfg.ASRUserID,
		ConnectTimeout: cfg.ASRConnectTimeout,
	}, metrics)

	api := httpapi.New(cfg, store, orchestrator, gateway, metrics)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tasks.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
		return errors.Join(errs...)
	}

	slog.Info("providers resolved", "model", cfg.ModelProvider, "tts", ttsDetail, "store", storeKind)
	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        store,
		Orchestrator: orchestrator,
		Tasks:        tasks,
		Metrics:      metrics,
		Providers: ProviderInfo{
			Model: cfg.ModelProvider,
			TTS:   ttsDetail,
			Store: storeKind,
		},
		Shutdown: shutdown,
	}, nil
}

func resolveChatModel(cfg config.Config) model.ChatModel {
	if cfg.ModelProvider == "mock" {
		return model.NewMockModel()
	}
	return model.NewArkClient(model.ArkConfig{
		APIKey:  cfg.ArkAPIKey,
		BaseURL: cfg.ArkBaseURL,
	})
}
