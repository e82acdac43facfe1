// Package emotion scores reply chunks with a chat model, falling back to the
// keyword lexicon whenever the model cannot answer.
package emotion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/tavern-relay/internal/analysis/emotion"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

const defaultClassifyTimeout = 10 * time.Second

// Config 控制情绪分类器的行为。
type Config struct {
	Timeout time.Duration
}

// Classifier 使用大模型给回复片段打情感分，失败时回退到关键词规则。
type Classifier struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback analysis.Lexicon
	persona  string
	timeout  time.Duration
}

type classifierPayload struct {
	Emotion   string `json:"emotion"`
	Sentiment *int   `json:"sentiment"`
	Reason    string `json:"reason"`
}

// NewClassifier 编译分类链。chatModel 可以与对话后端共用。
func NewClassifier(ctx context.Context, chatModel model.ChatModel, p persona.Persona, cfg Config) (*Classifier, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("emotion: chat model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClassifyTimeout
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	return &Classifier{
		chain:   runnable,
		persona: summarizePersona(p),
		timeout: cfg.Timeout,
	}, nil
}

// Score returns a sentiment in [-2, 2]. It only fails when ctx is done.
func (c *Classifier) Score(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return pipeline.NeutralSentiment, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.chain.Invoke(callCtx, map[string]any{
		"persona": c.persona,
		"reply":   strings.TrimSpace(text),
	})
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.NeutralSentiment, ctx.Err()
		}
		log.Printf("[emotion] classifier invoke failed, use lexicon: %v", err)
		return c.fallback.Score(ctx, text)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return c.fallback.Score(ctx, text)
	}

	score, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[emotion] classifier output parse failed, use lexicon: %v", err)
		return c.fallback.Score(ctx, text)
	}
	return score, nil
}

// parseClassifierOutput 从模型输出中截取 JSON 对象。sentiment 缺失时由情绪标签折算。
func parseClassifierOutput(content string) (int, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("missing json object")
	}

	var payload classifierPayload
	if err := sonic.UnmarshalString(trimmed[start:end+1], &payload); err != nil {
		return 0, err
	}

	if payload.Sentiment != nil {
		return pipeline.ClampSentiment(*payload.Sentiment), nil
	}
	label, ok := analysis.ParseLabel(payload.Emotion)
	if !ok {
		return 0, fmt.Errorf("unknown emotion %q", payload.Emotion)
	}
	return analysis.Polarity(analysis.Decision{Emotion: label, Score: 3}), nil
}

func summarizePersona(p persona.Persona) string {
	sections := []string{fmt.Sprintf("名字:%s", strings.TrimSpace(p.Name))}
	if title := strings.TrimSpace(p.Title); title != "" {
		sections = append(sections, fmt.Sprintf("称号:%s", title))
	}
	if tone := strings.TrimSpace(p.Tone); tone != "" {
		sections = append(sections, fmt.Sprintf("既有语气:%s", tone))
	}
	return strings.Join(sections, " | ")
}

const emotionSystemPrompt = "你是一名情绪分析师。阅读角色设定和角色刚说出的一句话，判断这句话的情感倾向，客户端会据此切换角色的表情。\n输出要求：只返回一个 JSON 对象，字段如下：emotion (neutral/happy/sad/angry/excited/tender/comfort/magnetic 之一)、sentiment (-2 到 2 的整数，负数为消极，正数为积极)、reason (简要中文理由)。不得输出多余文本。"

const emotionUserPrompt = "角色信息：\n{persona}\n\n角色说的话：\n{reply}\n\n请给出 JSON。"
