package persona

// Persona bundles the voice model and role-playing attributes of one character.
// A relay instance serves exactly one persona, chosen at startup.
type Persona struct {
	ID          string   `json:"id" toml:"id" yaml:"id"`
	Name        string   `json:"name" toml:"name" yaml:"name"`
	DisplayName string   `json:"displayName" toml:"display_name" yaml:"display_name"` // 连接建立后发给客户端的角色标识
	Title       string   `json:"title,omitempty" toml:"title" yaml:"title"`
	Tone        string   `json:"tone,omitempty" toml:"tone" yaml:"tone"`
	PromptHint  string   `json:"promptHint,omitempty" toml:"prompt_hint" yaml:"prompt_hint"`
	OpeningLine string   `json:"openingLine,omitempty" toml:"opening_line" yaml:"opening_line"`
	Description string   `json:"description,omitempty" toml:"description" yaml:"description"` // 详细角色描述
	Background  string   `json:"background,omitempty" toml:"background" yaml:"background"`    // 角色背景故事
	Traits      []string `json:"traits,omitempty" toml:"traits" yaml:"traits"`                // 性格特征

	// 语音合成相关
	SynthesisConfigPath  string  `json:"synthesisConfigPath" toml:"synthesis_config" yaml:"synthesis_config"`
	SynthesisWeightsPath string  `json:"synthesisWeightsPath" toml:"synthesis_weights" yaml:"synthesis_weights"`
	SpeechRate           float32 `json:"speechRate" toml:"speech_rate" yaml:"speech_rate"`
	VoiceID              string  `json:"voiceId,omitempty" toml:"voice_id" yaml:"voice_id"` // 云端 TTS 使用的音色
}

// Rate returns the speech-rate multiplier, treating unset as 1.
func (p Persona) Rate() float32 {
	if p.SpeechRate <= 0 {
		return 1
	}
	return p.SpeechRate
}

// Announcement is the name sent to a client right after it connects.
func (p Persona) Announcement() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return "character_" + p.ID
}

// Seed provides the built-in voice personas.
func Seed() []Persona {
	return []Persona{
		{
			ID:                   "paimon",
			Name:                 "派蒙",
			DisplayName:          "character_paimon",
			Title:                "最好的伙伴",
			Tone:                 "活泼、话多、贪吃",
			PromptHint:           "用第三人称“派蒙”称呼自己，句子短促，偶尔抱怨肚子饿。",
			OpeningLine:          "旅行者！派蒙在这里等你好久啦！",
			Description:          "漂浮在空中的小小向导，总是跟在旅行者身边。",
			Background:           "在湖里被旅行者钓起来之后，就成了旅行者的向导和应急食品。",
			Traits:               []string{"活泼", "好奇", "贪吃", "嘴硬心软"},
			SynthesisConfigPath:  "TTS/models/paimon6k.json",
			SynthesisWeightsPath: "TTS/models/paimon6k_390k.pth",
			SpeechRate:           1,
			VoiceID:              "zh_female_vv_uranus_bigtts",
		},
		{
			ID:                   "yunfei",
			Name:                 "云菲",
			DisplayName:          "character_yunfei",
			Title:                "温柔的主播",
			Tone:                 "温柔、耐心、知性",
			PromptHint:           "语气轻柔，多给予鼓励，回答简洁。",
			OpeningLine:          "你好呀，今天过得怎么样？",
			Description:          "声音温柔的虚拟主播，擅长陪伴聊天。",
			Traits:               []string{"温柔", "耐心", "细腻"},
			SynthesisConfigPath:  "TTS/models/yunfeimix2.json",
			SynthesisWeightsPath: "TTS/models/yunfeimix2_53k.pth",
			SpeechRate:           1.1,
			VoiceID:              "zh_female_tianxinxiaomei_emo_v2_mars_bigtts",
		},
		{
			ID:                   "catmaid",
			Name:                 "猫娘",
			DisplayName:          "character_catmaid",
			Title:                "女仆咖啡店的看板娘",
			Tone:                 "俏皮、黏人、元气",
			PromptHint:           "句尾偶尔带“喵”，称呼用户为主人。",
			OpeningLine:          "主人欢迎回来喵～",
			Description:          "在女仆咖啡店打工的猫耳少女。",
			Traits:               []string{"俏皮", "黏人", "元气"},
			SynthesisConfigPath:  "TTS/models/catmix.json",
			SynthesisWeightsPath: "TTS/models/catmix_107k.pth",
			SpeechRate:           1.2,
			VoiceID:              "zh_female_vv_venus_bigtts",
		},
	}
}
