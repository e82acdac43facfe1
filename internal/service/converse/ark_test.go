package converse

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

type fakeChatModel struct {
	reply  string
	chunks []string
	err    error
	stream *schema.StreamReader[*schema.Message]
	seen   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	if f.stream != nil {
		return f.stream, nil
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestArkAskBuildsPrompt(t *testing.T) {
	fake := &fakeChatModel{reply: "<think>plan</think>走吧，旅行者！"}
	conv, err := NewArk(context.Background(), fake, ArkOptions{SystemPrompt: "你是派蒙", HistoryLimit: 10})
	if err != nil {
		t.Fatalf("NewArk: %v", err)
	}

	history := []chat.Turn{{Role: chat.RoleUser, Text: "早"}, {Role: chat.RoleAssistant, Text: "早呀"}}
	reply, err := conv.Ask(context.Background(), history, "去冒险吗")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "走吧，旅行者！" {
		t.Fatalf("unexpected reply %q", reply)
	}

	if len(fake.seen) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d messages", len(fake.seen))
	}
	if fake.seen[0].Role != schema.System || fake.seen[0].Content != "你是派蒙" {
		t.Fatalf("unexpected system message %+v", fake.seen[0])
	}
	if fake.seen[3].Role != schema.User || fake.seen[3].Content != "去冒险吗" {
		t.Fatalf("unexpected query message %+v", fake.seen[3])
	}
}

func TestArkStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"你好", "", "，世界。"}}
	conv, err := NewArk(context.Background(), fake, ArkOptions{SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("NewArk: %v", err)
	}

	sr, err := conv.Stream(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := collect(t, sr)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if want := []string{"你好", "，世界。"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestArkErrorsAreConversationErrors(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exceeded")}
	conv, err := NewArk(context.Background(), fake, ArkOptions{})
	if err != nil {
		t.Fatalf("NewArk: %v", err)
	}

	if _, err := conv.Ask(context.Background(), nil, "hi"); !pipeline.IsConversationError(err) {
		t.Fatalf("Ask: expected ConversationError, got %v", err)
	}
	sr, err := conv.Stream(context.Background(), nil, "hi")
	if err == nil {
		_, err = collect(t, sr)
	}
	if !pipeline.IsConversationError(err) {
		t.Fatalf("Stream: expected ConversationError, got %v", err)
	}
}

func TestArkStreamTimesOutWhenModelStalls(t *testing.T) {
	upstream, sw := schema.Pipe[*schema.Message](1)
	defer sw.Close()
	sw.Send(schema.AssistantMessage("嗯", nil), nil)

	fake := &fakeChatModel{stream: upstream}
	conv, err := NewArk(context.Background(), fake, ArkOptions{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewArk: %v", err)
	}

	start := time.Now()
	sr, err := conv.Stream(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := collect(t, sr)
	if want := []string{"嗯"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !pipeline.IsConversationError(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout ConversationError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}
