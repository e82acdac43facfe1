package segment

import (
	"reflect"
	"strings"
	"testing"
)

func texts(us []Utterance) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, u.Text)
	}
	return out
}

func TestSplit(t *testing.T) {
	cases := []struct {
		name      string
		fragments []string
		want      []string
	}{
		{
			name:      "boundary past threshold",
			fragments: []string{"Hello", " world.", ""},
			want:      []string{"Hello world."},
		},
		{
			name:      "short reply waits for flush",
			fragments: []string{"H", "i", "."},
			want:      []string{"Hi."},
		},
		{
			name:      "think block elided",
			fragments: []string{"<think>", "secret", "</think>", "visible."},
			want:      []string{"visible."},
		},
		{
			name:      "text after close marker kept",
			fragments: []string{"<think>plan", "more</think>你好呀，", "今天天气不错。"},
			want:      []string{"你好呀，今天天气不错。"},
		},
		{
			name:      "chinese sentences",
			fragments: []string{"旅行者", "，你好！", "今天想去哪里冒险呢？", "派蒙"},
			want:      []string{"旅行者，你好！", "今天想去哪里冒险呢？", "派蒙"},
		},
		{
			name:      "earlier boundary does not count",
			fragments: []string{"Ok.", " then", " more"},
			want:      []string{"Ok. then more"},
		},
		{
			name:      "newline is a boundary",
			fragments: []string{"first line here", "\n", "second"},
			want:      []string{"first line here", "second"},
		},
		{
			name:      "whitespace only never emitted",
			fragments: []string{"   ", "\n"},
			want:      nil,
		},
	}

	for _, tc := range cases {
		got := texts(Split(Options{}, tc.fragments))
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPushThreshold(t *testing.T) {
	seg := New(Options{MinChunk: 5, Boundaries: "."})
	for _, f := range []string{"H", "i", "."} {
		if u, ok := seg.Push(f); ok {
			t.Fatalf("unexpected utterance %q before flush", u.Text)
		}
	}
	u, ok := seg.Flush()
	if !ok || u.Text != "Hi." || !u.Final {
		t.Fatalf("flush = %+v, %v", u, ok)
	}
	if _, ok := seg.Flush(); ok {
		t.Fatalf("second flush should be empty")
	}
}

func TestSuppressedTextNeverLeaks(t *testing.T) {
	seg := New(Options{})
	for _, f := range []string{"<think>", "secret.", "more secret!", "</think>", "visible."} {
		if u, ok := seg.Push(f); ok && strings.Contains(u.Text, "secret") {
			t.Fatalf("suppressed text leaked: %q", u.Text)
		}
		if strings.Contains(seg.Pending(), "secret") {
			t.Fatalf("suppressed text in accumulator: %q", seg.Pending())
		}
	}
}

func TestCustomMinChunk(t *testing.T) {
	got := texts(Split(Options{MinChunk: 1, Boundaries: "。"}, []string{"好。", "走吧。"}))
	want := []string{"好。", "走吧。"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
