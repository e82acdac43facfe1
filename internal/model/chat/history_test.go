package chat

import "testing"

func TestHistoryAppendOnly(t *testing.T) {
	h := NewHistory()
	h.Append(RoleUser, "你好")
	h.Append(RoleAssistant, "旅行者你好！")
	h.Append(RoleUser, "今天吃什么")

	snapshot := h.Turns()
	snapshot[0].Text = "tampered"

	if got := h.Turns()[0].Text; got != "你好" {
		t.Fatalf("history mutated through snapshot: %q", got)
	}
	if h.Len() != 3 {
		t.Fatalf("expected 3 turns, got %d", h.Len())
	}

	last := h.Last(2)
	if len(last) != 2 || last[0].Role != RoleAssistant || last[1].Text != "今天吃什么" {
		t.Fatalf("unexpected tail %+v", last)
	}
	if len(h.Last(0)) != 3 || len(h.Last(10)) != 3 {
		t.Fatalf("Last should return everything when n is out of range")
	}
}
