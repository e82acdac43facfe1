package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/tavern-relay/internal/inference"
)

// Gates holds the shared inference gates. A nil gate leaves that stage unguarded.
type Gates struct {
	Transcribe *inference.Gate
	Synthesize *inference.Gate
	Score      *inference.Gate
}

// Guard wraps the accelerator-bound stages with their gates and normalizes
// their errors into the pipeline taxonomy. Conversation is left untouched:
// it runs remotely and is not gated.
func Guard(stages Stages, gates Gates) Stages {
	out := stages
	if stages.Transcriber != nil {
		out.Transcriber = &gatedTranscriber{next: stages.Transcriber, gate: gates.Transcribe}
	}
	if stages.Synthesizer != nil {
		out.Synthesizer = &gatedSynthesizer{next: stages.Synthesizer, gate: gates.Synthesize}
	}
	if stages.Scorer != nil && gates.Score != nil {
		out.Scorer = &gatedScorer{next: stages.Scorer, gate: gates.Score}
	}
	return out
}

type gatedTranscriber struct {
	next Transcriber
	gate *inference.Gate
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	var text string
	err := g.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		text, err = g.next.Transcribe(ctx, audioPath)
		return err
	})
	if err != nil {
		return "", transcriptionFailure(err)
	}
	return text, nil
}

type gatedSynthesizer struct {
	next Synthesizer
	gate *inference.Gate
}

func (g *gatedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, 0, synthesisFailure(fmt.Errorf("empty text"))
	}

	var (
		audio []byte
		rate  int
	)
	err := g.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		audio, rate, err = g.next.Synthesize(ctx, text)
		return err
	})
	if err != nil {
		return nil, 0, synthesisFailure(err)
	}
	if len(audio) == 0 {
		return nil, 0, synthesisFailure(fmt.Errorf("collaborator returned no audio"))
	}
	return audio, rate, nil
}

type gatedScorer struct {
	next Scorer
	gate *inference.Gate
}

func (g *gatedScorer) Score(ctx context.Context, text string) (int, error) {
	var score int
	err := g.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		score, err = g.next.Score(ctx, text)
		return err
	})
	return score, err
}
