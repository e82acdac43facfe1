package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-relay/internal/analysis/emotion"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
	emotionservice "github.com/zhouzirui/tavern-relay/internal/service/emotion"
)

// overrides are the flags shared by serve and probe.
type overrides struct {
	apiURL      string
	model       string
	stream      bool
	character   string
	prompt      string
	personaFile string
	backend     string
}

func (o *overrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.apiURL, "api-url", "", "chat back end URL (CONVERSE_API_URL)")
	f.StringVar(&o.model, "model", "", "chat model name (CONVERSE_MODEL)")
	f.BoolVar(&o.stream, "stream", true, "stream replies sentence by sentence (CONVERSE_STREAM)")
	f.StringVar(&o.character, "character", "", "persona id to serve (PERSONA)")
	f.StringVar(&o.prompt, "prompt", "", "operator prompt appended to the persona prompt (CONVERSE_PROMPT)")
	f.StringVar(&o.personaFile, "persona-file", "", "TOML or YAML persona catalog (PERSONA_FILE)")
	f.StringVar(&o.backend, "backend", "", "chat back end: ollama, openai or ark (CONVERSE_BACKEND)")
}

// apply copies every flag the user set onto cfg.
func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Converse.Backend = strings.ToLower(o.backend)
	}
	if f.Changed("api-url") {
		cfg.Converse.APIURL = o.apiURL
	}
	if f.Changed("model") {
		cfg.Converse.Model = o.model
	}
	if f.Changed("stream") {
		cfg.Converse.Stream = o.stream
	}
	if f.Changed("character") {
		cfg.Persona.ID = strings.ToLower(o.character)
	}
	if f.Changed("prompt") {
		cfg.Converse.Prompt = o.prompt
	}
	if f.Changed("persona-file") {
		cfg.Persona.File = o.personaFile
	}
}

func loadConfig(cmd *cobra.Command, o *overrides) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	o.apply(cmd, cfg)
	return cfg, nil
}

// resolvePersona builds the catalog (seed plus optional file) and picks the
// configured persona from it.
func resolvePersona(cfg config.PersonaConfig) (persona.Store, persona.Persona, error) {
	items := persona.Seed()
	if cfg.File != "" {
		loaded, err := persona.LoadCatalog(cfg.File)
		if err != nil {
			return nil, persona.Persona{}, err
		}
		log.Printf("[relay] loaded %d personas from %s", len(loaded), cfg.File)
		items = append(items, loaded...)
	}

	store := persona.NewMemoryStore(items)
	p, ok := store.FindByID(cfg.ID)
	if !ok {
		var ids []string
		for _, item := range store.List() {
			ids = append(ids, item.ID)
		}
		sort.Strings(ids)
		return nil, persona.Persona{}, fmt.Errorf("unknown persona %q (available: %s)", cfg.ID, strings.Join(ids, ", "))
	}
	return store, p, nil
}

// newScorer returns the lexicon scorer unless the LLM classifier is selected
// and can be built.
func newScorer(ctx context.Context, cfg *config.Config, p persona.Persona) pipeline.Scorer {
	if cfg.Sentiment.Backend != "llm" {
		return emotion.Lexicon{}
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Printf("warning: sentiment classifier unavailable, using lexicon: %v", err)
		return emotion.Lexicon{}
	}
	classifier, err := emotionservice.NewClassifier(ctx, chatModel, p, emotionservice.Config{})
	if err != nil {
		log.Printf("warning: sentiment classifier unavailable, using lexicon: %v", err)
		return emotion.Lexicon{}
	}
	log.Println("[emotion] LLM sentiment classifier enabled")
	return classifier
}
