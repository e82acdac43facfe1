// Package emotion scores the tone of a reply chunk with a keyword lexicon.
package emotion

import (
	"context"
	"strings"
)

// Label 表示识别出的情绪类别。
type Label string

const (
	Neutral  Label = "neutral"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Angry    Label = "angry"
	Excited  Label = "excited"
	Tender   Label = "tender"
	Comfort  Label = "comfort"
	Magnetic Label = "magnetic"
)

// Decision 是一段文本的情绪类别与命中强度。
type Decision struct {
	Emotion Label
	Score   int
}

// 命中得分达到该值视为强烈情绪
const strongScore = 6

var keywordBuckets = map[Label][]string{
	Happy: {
		"开心", "高兴", "喜悦", "快乐", "太好了", "太棒了", "真棒", "哈哈", "嘿嘿", "好吃", "美味", "喜欢",
		"满意", "好耶", "笑死", "谢谢", "amazing", "awesome", "great", "thanks", "love", "lol",
	},
	Sad: {
		"难过", "伤心", "失落", "沮丧", "悲伤", "哭", "痛苦", "寂寞", "孤单", "失望", "心碎", "低落",
		"委屈", "可惜", "遗憾", "饿扁", "unhappy", "sad", "cry", "depressed", "upset", "hurt", "sorry",
	},
	Angry: {
		"生气", "愤怒", "火大", "气死", "烦死", "受够了", "怒火", "气愤", "抓狂", "讨厌", "可恶", "哼",
		"angry", "furious", "rage", "mad", "annoyed",
	},
	Excited: {
		"期待", "激动", "太酷了", "震撼", "惊喜", "哇塞", "哇哦", "热血", "兴奋", "给力", "冒险", "出发",
		"can't wait", "wow", "hype",
	},
	Tender: {
		"温柔", "轻声", "慢慢", "柔和", "平静", "放松", "轻轻", "静静", "晚安", "gentle", "calm", "softly",
	},
	Comfort: {
		"别担心", "没事", "我懂", "理解", "支持", "陪着", "抱抱", "不要怕", "安心", "放心", "陪伴", "慢慢来",
		"i'm here", "take it easy", "you're safe",
	},
	Magnetic: {
		"认真", "严肃", "重要", "必须", "责任", "务必", "记住", "注意", "关键", "serious", "focus",
	},
}

// Classify 返回文本中命中最多的情绪类别。感叹号会加强兴奋与喜悦。
func Classify(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!") + strings.Count(text, "！")
	if exclamations > 0 {
		scores[Excited] += exclamations * 2
		if exclamations == 1 {
			scores[Happy] += 2
		}
	}

	best := Decision{Emotion: Neutral}
	for _, label := range labelOrder {
		if s := scores[label]; s > best.Score {
			best = Decision{Emotion: label, Score: s}
		}
	}
	return best
}

// labelOrder 让同分时的结果稳定。
var labelOrder = []Label{Sad, Angry, Comfort, Tender, Happy, Excited, Magnetic}

// Polarity 把情绪类别折算为 -2..2 的情感分。
func Polarity(d Decision) int {
	strong := d.Score >= strongScore
	switch d.Emotion {
	case Happy, Excited:
		if strong {
			return 2
		}
		return 1
	case Tender, Comfort:
		return 1
	case Sad, Angry:
		if strong {
			return -2
		}
		return -1
	default:
		return 0
	}
}

// ParseLabel 识别情绪标签字符串。
func ParseLabel(raw string) (Label, bool) {
	label := Label(strings.ToLower(strings.TrimSpace(raw)))
	if label == Neutral {
		return label, true
	}
	_, ok := keywordBuckets[label]
	return label, ok
}

// Lexicon is the keyword-based sentiment scorer.
type Lexicon struct{}

// Score never fails.
func (Lexicon) Score(_ context.Context, text string) (int, error) {
	return Polarity(Classify(text)), nil
}
