package converse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

// Flavor selects the wire dialect of an HTTP chat back end.
type Flavor string

const (
	// FlavorOllama speaks /api/chat with newline-delimited JSON streaming.
	FlavorOllama Flavor = "ollama"
	// FlavorOpenAI speaks /v1/chat/completions with server-sent events.
	FlavorOpenAI Flavor = "openai"
)

const (
	maxStreamLine   = 1 << 20
	errorBodyLimit  = 512
	defaultBuffer   = 16
	defaultHTTPWait = 60 * time.Second
)

// HTTPOptions configures an HTTPConversation.
type HTTPOptions struct {
	Flavor       Flavor
	URL          string
	Model        string
	APIKey       string
	SystemPrompt string
	HistoryLimit int
	StreamBuffer int
	Timeout      time.Duration
	Client       *http.Client
}

// HTTPConversation talks to an Ollama or OpenAI compatible chat endpoint.
type HTTPConversation struct {
	opts   HTTPOptions
	client *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewHTTP validates options and returns a conversation client.
func NewHTTP(opts HTTPOptions) (*HTTPConversation, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("converse: api url is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("converse: model is required")
	}
	switch opts.Flavor {
	case FlavorOllama, FlavorOpenAI:
	default:
		return nil, fmt.Errorf("converse: unknown flavor %q", opts.Flavor)
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPWait
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPConversation{opts: opts, client: client}, nil
}

// Ask sends the conversation without streaming and returns the whole reply.
func (c *HTTPConversation) Ask(ctx context.Context, history []chat.Turn, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.post(ctx, history, text, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &pipeline.ConversationError{Status: resp.StatusCode, Reason: "read response body", Err: err}
	}

	var reply string
	switch c.opts.Flavor {
	case FlavorOllama:
		var out ollamaChunk
		if err := sonic.Unmarshal(body, &out); err != nil {
			return "", &pipeline.ConversationError{Status: resp.StatusCode, Reason: "decode response", Err: err}
		}
		if out.Error != "" {
			return "", &pipeline.ConversationError{Status: resp.StatusCode, Reason: out.Error}
		}
		reply = out.Message.Content
	case FlavorOpenAI:
		var out openAIChunk
		if err := sonic.Unmarshal(body, &out); err != nil {
			return "", &pipeline.ConversationError{Status: resp.StatusCode, Reason: "decode response", Err: err}
		}
		if out.Error != nil {
			return "", &pipeline.ConversationError{Status: resp.StatusCode, Reason: out.Error.Message}
		}
		if len(out.Choices) > 0 {
			reply = out.Choices[0].Message.Content
		}
	}

	reply = stripThink(reply)
	log.Printf("[converse] %s reply in %s, length=%d", c.opts.Flavor, time.Since(start).Round(time.Millisecond), len(reply))
	return reply, nil
}

// Stream starts a streaming request. A non-success status is reported here,
// before any fragment is produced; failures after that arrive through Recv.
// Timeout bounds the wait for headers and the silence between fragments,
// not the whole reply.
func (c *HTTPConversation) Stream(ctx context.Context, history []chat.Turn, text string) (*schema.StreamReader[string], error) {
	relay := newFragmentRelay(ctx, c.opts.Timeout)

	resp, err := c.post(relay.ctx, history, text, true)
	if err != nil {
		expired := relay.expired()
		relay.stop()
		if expired {
			return nil, relay.timeoutError()
		}
		return nil, err
	}

	return relay.start(c.opts.StreamBuffer, func() error {
		defer resp.Body.Close()
		return c.pump(relay, resp.Body)
	}), nil
}

func (c *HTTPConversation) post(ctx context.Context, history []chat.Turn, text string, stream bool) (*http.Response, error) {
	payload, err := sonic.Marshal(chatRequest{
		Model:    c.opts.Model,
		Messages: buildWireMessages(c.opts.SystemPrompt, trimHistory(history, c.opts.HistoryLimit), text),
		Stream:   stream,
	})
	if err != nil {
		return nil, &pipeline.ConversationError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &pipeline.ConversationError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream && c.opts.Flavor == FlavorOpenAI {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &pipeline.ConversationError{Reason: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		reason := strings.TrimSpace(string(snippet))
		if reason == "" {
			reason = resp.Status
		}
		log.Printf("[converse] request failed: status=%d body=%s", resp.StatusCode, reason)
		return nil, &pipeline.ConversationError{Status: resp.StatusCode, Reason: reason}
	}
	return resp, nil
}

// pump reassembles lines from the response body and hands every content
// fragment to relay in arrival order.
func (c *HTTPConversation) pump(relay *fragmentRelay, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for scanner.Scan() {
		relay.touch()
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		content, done, err := c.parseLine(line)
		if err != nil {
			var ce *pipeline.ConversationError
			if errors.As(err, &ce) {
				return err
			}
			log.Printf("[converse] skip malformed stream line: %v", err)
			continue
		}
		if content != "" {
			relay.push(content)
		}
		if done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return relay.failure("stream interrupted", err)
	}
	if relay.ctx.Err() != nil {
		return relay.failure("stream interrupted", relay.ctx.Err())
	}
	return nil
}

// parseLine extracts the content fragment of one stream line.
func (c *HTTPConversation) parseLine(line string) (string, bool, error) {
	switch c.opts.Flavor {
	case FlavorOllama:
		var chunk ollamaChunk
		if err := sonic.UnmarshalString(line, &chunk); err != nil {
			return "", false, fmt.Errorf("decode %q: %w", line, err)
		}
		if chunk.Error != "" {
			return "", true, &pipeline.ConversationError{Reason: chunk.Error}
		}
		return chunk.Message.Content, chunk.Done, nil

	default:
		if strings.HasPrefix(line, ":") {
			return "", false, nil
		}
		data := line
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(line[len("data:"):])
		} else if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
			return "", false, nil
		}
		if data == "" {
			return "", false, nil
		}
		if data == "[DONE]" {
			return "", true, nil
		}

		var chunk openAIChunk
		if err := sonic.UnmarshalString(data, &chunk); err != nil {
			return "", false, fmt.Errorf("decode %q: %w", data, err)
		}
		if chunk.Error != nil {
			return "", true, &pipeline.ConversationError{Reason: chunk.Error.Message}
		}
		if len(chunk.Choices) == 0 {
			return "", false, nil
		}
		return chunk.Choices[0].Delta.Content, false, nil
	}
}
