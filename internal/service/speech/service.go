// Package speech adapts the transcription and synthesis collaborators to the
// relay pipeline.
package speech

import (
	"fmt"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

// NewTranscriber returns the transcriber selected by ASR_BACKEND.
func NewTranscriber(cfg config.SpeechConfig) (pipeline.Transcriber, error) {
	switch cfg.ASRBackend {
	case "", "volcengine":
		if _, _, err := resolveCredentials(cfg); err != nil {
			return nil, err
		}
		return NewVolcengineASRClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ASR backend %q", cfg.ASRBackend)
	}
}

// NewSynthesizer returns the synthesizer selected by TTS_BACKEND, voiced as p.
func NewSynthesizer(cfg config.SpeechConfig, p persona.Persona) (pipeline.Synthesizer, error) {
	switch cfg.TTSBackend {
	case "", "vits":
		if cfg.VITSURL == "" {
			return nil, fmt.Errorf("VITS_URL is required for the vits backend")
		}
		return NewVITSClient(cfg, p), nil
	case "volcengine":
		if _, _, err := resolveCredentials(cfg); err != nil {
			return nil, err
		}
		return NewVolcengineTTSClient(cfg, p), nil
	default:
		return nil, fmt.Errorf("unknown TTS backend %q", cfg.TTSBackend)
	}
}
