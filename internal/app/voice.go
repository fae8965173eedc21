package app

import (
	"github.com/ent0n29/playmate/internal/config"
	"github.com/ent0n29/playmate/internal/voice"
)

// resolveTTSProvider returns nil when speech is disabled; every turn is
// then answered with text.
func resolveTTSProvider(cfg config.Config) (voice.TTSProvider, string) {
	switch cfg.TTSProvider {
	case "none":
		return nil, "none"
	case "mock":
		return voice.NewMockProvider(), "mock"
	default:
		return voice.NewDoubaoProvider(voice.DoubaoConfig{
			URL:         cfg.TTSURL,
			AppID:       cfg.TTSAppID,
			AccessToken: cfg.TTSAccessToken,
			ResourceID:  cfg.TTSResourceID,
			UserID:      cfg.ASRUserID,
			Defaults:    ttsOptions(cfg),
		}), "doubao bidirectional"
	}
}

func ttsOptions(cfg config.Config) voice.TTSOptions {
	return voice.TTSOptions{
		Speaker:    cfg.TTSSpeaker,
		Format:     cfg.TTSFormat,
		SampleRate: cfg.TTSSampleRate,
	}
}
