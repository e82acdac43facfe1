// Package segment 把大模型逐 token 输出的文本切分成适合语音合成的句子。
package segment

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMinChunk 是触发切分所需的最少字符数（按 rune 计）。
	DefaultMinChunk = 5
	// DefaultBoundaries 同时覆盖全角与半角句末标点以及换行。
	DefaultBoundaries = "，。！？.!?\n"

	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Utterance 是一段可以直接送去合成的文本。
type Utterance struct {
	Text  string
	Final bool
}

// Options 配置切分阈值与句末字符集。
type Options struct {
	MinChunk   int
	Boundaries string
}

// Segmenter 持有单个回复流的累积状态，不可跨会话共享。
type Segmenter struct {
	minChunk   int
	boundaries string
	acc        strings.Builder
	suppressed bool
}

// New 创建切分器，零值选项使用默认配置。
func New(opts Options) *Segmenter {
	if opts.MinChunk <= 0 {
		opts.MinChunk = DefaultMinChunk
	}
	if opts.Boundaries == "" {
		opts.Boundaries = DefaultBoundaries
	}
	return &Segmenter{minChunk: opts.MinChunk, boundaries: opts.Boundaries}
}

// Push 处理一个新到达的片段，凑满一句时返回 ok=true。
//
// 句末字符只在新片段中查找：早先片段里的标点如果当时长度不够，
// 要等后续片段再次带来标点且总长度超过阈值才会触发。
func (s *Segmenter) Push(fragment string) (Utterance, bool) {
	if strings.Contains(fragment, thinkOpen) {
		s.suppressed = true
	}
	if idx := strings.Index(fragment, thinkClose); idx >= 0 {
		s.suppressed = false
		fragment = fragment[idx+len(thinkClose):]
	}
	if s.suppressed {
		return Utterance{}, false
	}

	s.acc.WriteString(fragment)

	if !strings.ContainsAny(fragment, s.boundaries) {
		return Utterance{}, false
	}
	if utf8.RuneCountInString(s.acc.String()) <= s.minChunk {
		return Utterance{}, false
	}
	return s.take(false)
}

// Flush 在流结束时输出剩余内容，不再检查长度与标点。
func (s *Segmenter) Flush() (Utterance, bool) {
	s.suppressed = false
	return s.take(true)
}

// Pending 返回尚未输出的累积文本。
func (s *Segmenter) Pending() string {
	return s.acc.String()
}

func (s *Segmenter) take(final bool) (Utterance, bool) {
	text := strings.TrimSpace(s.acc.String())
	s.acc.Reset()
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{Text: text, Final: final}, true
}

// Split 对完整的片段序列执行切分，便于一次性回复和测试复用。
func Split(opts Options, fragments []string) []Utterance {
	seg := New(opts)
	var out []Utterance
	for _, f := range fragments {
		if u, ok := seg.Push(f); ok {
			out = append(out, u)
		}
	}
	if u, ok := seg.Flush(); ok {
		out = append(out, u)
	}
	return out
}
