// Package pipeline defines the stage contracts a relay session drives:
// transcribe, converse, synthesize and score.
package pipeline

import (
	"context"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// Sentiment range produced by a Scorer.
const (
	MinSentiment     = -2
	MaxSentiment     = 2
	NeutralSentiment = 0
)

// Transcriber turns a recorded utterance into text.
// An empty transcript is a valid result.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Conversation produces the assistant reply for a new user message.
type Conversation interface {
	// Ask returns the whole reply at once.
	Ask(ctx context.Context, history []chat.Turn, text string) (string, error)
	// Stream yields reply fragments as they arrive. Closing the reader
	// stops the producer.
	Stream(ctx context.Context, history []chat.Turn, text string) (*schema.StreamReader[string], error)
}

// Synthesizer renders text into audio bytes and reports their sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, int, error)
}

// Scorer rates the sentiment of a text in [MinSentiment, MaxSentiment].
type Scorer interface {
	Score(ctx context.Context, text string) (int, error)
}

// Stages bundles the collaborators of one relay.
type Stages struct {
	Transcriber  Transcriber
	Conversation Conversation
	Synthesizer  Synthesizer
	Scorer       Scorer
}

// ClampSentiment forces a score into the supported range.
func ClampSentiment(score int) int {
	if score < MinSentiment {
		return MinSentiment
	}
	if score > MaxSentiment {
		return MaxSentiment
	}
	return score
}
