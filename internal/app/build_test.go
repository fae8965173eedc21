package app

import (
	"context"
	"testing"

	"github.com/ent0n29/playmate/internal/config"
	"github.com/ent0n29/playmate/internal/voice"
)

func TestBuildWithMockProviders(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:    "test_app_build",
		ModelProvider:       "mock",
		TTSProvider:         "mock",
		HistoryLimit:        180,
		VisionUnknownMarker: "不知道",
	}
	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.API == nil || res.Orchestrator == nil || res.Tasks == nil {
		t.Fatalf("Build() returned incomplete result: %+v", res)
	}
	if res.Providers.Store != "in-memory" || res.Providers.TTS != "mock" {
		t.Fatalf("Providers = %+v", res.Providers)
	}
	if err := res.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestResolveTTSProvider(t *testing.T) {
	if p, name := resolveTTSProvider(config.Config{TTSProvider: "none"}); p != nil || name != "none" {
		t.Fatalf("none = %v, %q", p, name)
	}
	p, _ := resolveTTSProvider(config.Config{TTSProvider: "doubao", TTSAppID: "a", TTSAccessToken: "b"})
	if _, ok := p.(*voice.DoubaoProvider); !ok {
		t.Fatalf("doubao = %T", p)
	}
}
