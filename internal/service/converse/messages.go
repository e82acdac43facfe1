package converse

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// trimHistory keeps the most recent limit turns; limit <= 0 keeps everything.
func trimHistory(history []chat.Turn, limit int) []chat.Turn {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func buildWireMessages(system string, history []chat.Turn, text string) []wireMessage {
	messages := make([]wireMessage, 0, len(history)+2)
	if system != "" {
		messages = append(messages, wireMessage{Role: string(chat.RoleSystem), Content: system})
	}
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser, chat.RoleAssistant:
			messages = append(messages, wireMessage{Role: string(turn.Role), Content: turn.Text})
		}
	}
	return append(messages, wireMessage{Role: string(chat.RoleUser), Content: text})
}

func buildSchemaHistory(history []chat.Turn) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	out := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return out
}

// stripThink removes every <think>...</think> block from a complete reply.
// An unterminated block swallows the rest of the text.
func stripThink(text string) string {
	for {
		start := strings.Index(text, thinkOpen)
		if start < 0 {
			return strings.TrimSpace(text)
		}
		end := strings.Index(text[start:], thinkClose)
		if end < 0 {
			return strings.TrimSpace(text[:start])
		}
		text = text[:start] + text[start+end+len(thinkClose):]
	}
}
