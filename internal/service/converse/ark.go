package converse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

// ArkOptions configures an ArkConversation.
type ArkOptions struct {
	SystemPrompt string
	HistoryLimit int
	StreamBuffer int
	Timeout      time.Duration
}

// ArkConversation runs the persona chat through an eino chain
// (prompt template -> chat model).
type ArkConversation struct {
	chain compose.Runnable[map[string]any, *schema.Message]
	opts  ArkOptions
}

// NewArk compiles the chat chain around chatModel.
func NewArk(ctx context.Context, chatModel model.ChatModel, opts ArkOptions) (*ArkConversation, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("converse: chat model is required")
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPWait
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkConversation{chain: runnable, opts: opts}, nil
}

func (a *ArkConversation) input(history []chat.Turn, text string) map[string]any {
	return map[string]any{
		"system":  a.opts.SystemPrompt,
		"history": buildSchemaHistory(trimHistory(history, a.opts.HistoryLimit)),
		"query":   text,
	}
}

// Ask invokes the chain once.
func (a *ArkConversation) Ask(ctx context.Context, history []chat.Turn, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	msg, err := a.chain.Invoke(ctx, a.input(history, text))
	if err != nil {
		return "", pipeline.AsConversationError(fmt.Errorf("failed to run chat chain: %w", err))
	}
	if msg == nil {
		return "", nil
	}

	reply := stripThink(msg.Content)
	log.Printf("[converse] ark reply length=%d", len(reply))
	return reply, nil
}

// Stream forwards the chain's message stream as text fragments. Timeout
// bounds the silence between chunks.
func (a *ArkConversation) Stream(ctx context.Context, history []chat.Turn, text string) (*schema.StreamReader[string], error) {
	relay := newFragmentRelay(ctx, a.opts.Timeout)

	upstream, err := a.chain.Stream(relay.ctx, a.input(history, text))
	if err != nil {
		expired := relay.expired()
		relay.stop()
		if expired {
			return nil, relay.timeoutError()
		}
		return nil, pipeline.AsConversationError(fmt.Errorf("failed to stream chat chain: %w", err))
	}

	return relay.start(a.opts.StreamBuffer, func() error {
		defer upstream.Close()
		for {
			msg, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if relay.ctx.Err() != nil {
					return relay.failure("stream interrupted", err)
				}
				return pipeline.AsConversationError(err)
			}
			relay.touch()
			if msg == nil || msg.Content == "" {
				continue
			}
			relay.push(msg.Content)
		}
	}), nil
}
