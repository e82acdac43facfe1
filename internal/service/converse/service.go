// Package converse connects the relay to its conversational back end.
package converse

import (
	"context"
	"fmt"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

// New builds the Conversation selected by cfg.Converse.Backend for persona p.
func New(ctx context.Context, cfg *config.Config, p persona.Persona) (pipeline.Conversation, error) {
	system := NewPromptManager().BuildSystemPrompt(p, cfg.Converse.Prompt)

	switch cfg.Converse.Backend {
	case "ark":
		ai := cfg.AI
		if ai.Model == "" {
			ai.Model = cfg.Converse.Model
		}
		chatModel, err := ai.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		conv, err := NewArk(ctx, chatModel, ArkOptions{
			SystemPrompt: system,
			HistoryLimit: cfg.Converse.HistoryLimit,
			StreamBuffer: cfg.Converse.StreamBuffer,
			Timeout:      cfg.Converse.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return conv, nil

	case string(FlavorOllama), string(FlavorOpenAI):
		conv, err := NewHTTP(HTTPOptions{
			Flavor:       Flavor(cfg.Converse.Backend),
			URL:          cfg.Converse.APIURL,
			Model:        cfg.Converse.Model,
			APIKey:       cfg.Converse.APIKey,
			SystemPrompt: system,
			HistoryLimit: cfg.Converse.HistoryLimit,
			StreamBuffer: cfg.Converse.StreamBuffer,
			Timeout:      cfg.Converse.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return conv, nil

	default:
		return nil, fmt.Errorf("unknown conversation backend %q", cfg.Converse.Backend)
	}
}
