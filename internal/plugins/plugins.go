// Package plugins builds the VAD, STT, LLM and TTS providers selected by
// configuration.
package plugins

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/config"
	"github.com/wajjih/AI-Voice-Assistant/internal/llm"
	"github.com/wajjih/AI-Voice-Assistant/internal/stt"
	"github.com/wajjih/AI-Voice-Assistant/internal/tts"
	"github.com/wajjih/AI-Voice-Assistant/internal/vad"
)

// Set is one provider per stage. Providers are safe for concurrent use, so a
// Set is shared by every job of a worker.
type Set struct {
	VAD agent.VAD
	STT agent.STT
	LLM agent.LLM
	TTS agent.TTS
}

// SessionOptions returns session options bound to the set.
func (s Set) SessionOptions(log *zap.Logger) agent.SessionOptions {
	return agent.SessionOptions{VAD: s.VAD, STT: s.STT, LLM: s.LLM, TTS: s.TTS, Logger: log}
}

// Load builds the providers named in cfg. The VAD model is loaded once here,
// before any job is accepted.
func Load(cfg config.Config, log *zap.Logger) (Set, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		set Set
		err error
	)
	if set.VAD, err = vad.Load(vad.DefaultOptions()); err != nil {
		return Set{}, fmt.Errorf("load vad: %w", err)
	}
	if set.STT, err = newSTT(cfg, log); err != nil {
		return Set{}, fmt.Errorf("stt %s: %w", cfg.STTProvider, err)
	}
	if set.LLM, err = newLLM(cfg); err != nil {
		return Set{}, fmt.Errorf("llm %s: %w", cfg.LLMProvider, err)
	}
	if set.TTS, err = newTTS(cfg, log); err != nil {
		return Set{}, fmt.Errorf("tts %s: %w", cfg.TTSProvider, err)
	}
	log.Info("plugins loaded",
		zap.String("stt", cfg.STTProvider),
		zap.String("llm", cfg.LLMProvider),
		zap.String("tts", cfg.TTSProvider))
	return set, nil
}

func newSTT(cfg config.Config, log *zap.Logger) (agent.STT, error) {
	switch cfg.STTProvider {
	case config.ProviderOpenAI, "":
		return stt.NewOpenAIClient(stt.OpenAIOptions{
			APIKey:   cfg.OpenAI.APIKey,
			BaseURL:  cfg.OpenAI.BaseURL,
			Model:    cfg.OpenAI.STTModel,
			Language: "en",
		})
	case config.ProviderAssemblyAI:
		return stt.NewAssemblyAIClient(stt.AssemblyAIOptions{
			APIKey:      cfg.AssemblyAIKey,
			FormatTurns: true,
			Logger:      log,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.STTProvider)
	}
}

func newLLM(cfg config.Config) (agent.LLM, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI, "":
		return llm.NewOpenAI(llm.Options{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.LLMModel,
		})
	case config.ProviderCerebras:
		return llm.NewCerebras(llm.Options{
			APIKey: cfg.CerebrasKey,
			Model:  cfg.CerebrasModelID,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLMProvider)
	}
}

func newTTS(cfg config.Config, log *zap.Logger) (agent.TTS, error) {
	switch cfg.TTSProvider {
	case config.ProviderOpenAI, "":
		return tts.NewOpenAIClient(tts.OpenAIOptions{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.TTSModel,
			Voice:   cfg.OpenAI.TTSVoice,
			Logger:  log,
		})
	case config.ProviderDeepgram:
		if cfg.DeepgramKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY not set")
		}
		return tts.NewDeepgramClient(tts.DeepgramOptions{
			APIKey: cfg.DeepgramKey,
			Model:  cfg.DeepgramTTSModel,
			Logger: log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.TTSProvider)
	}
}
