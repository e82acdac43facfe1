package speech

// ASRRequest 语音识别请求
type ASRRequest struct {
	SessionID  string `json:"sessionId"`
	Audio      []byte `json:"-"`
	Format     string `json:"format"`   // wav, pcm
	Language   string `json:"language"` // zh-CN, en-US, etc.
	SampleRate int    `json:"sampleRate,omitempty"`
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID  string  `json:"sessionId"`
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`  // 音色
	Speed      float32 `json:"speed"`  // 语速倍率 0.5-2.0
	Volume     float32 `json:"volume"` // 音量倍率
	Format     string  `json:"format"` // pcm, mp3
	SampleRate int     `json:"sampleRate"`
	Language   string  `json:"language"`
}
