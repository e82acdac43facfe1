package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Relay     RelayConfig
	Admin     AdminConfig
	Converse  ConverseConfig
	AI        AIConfig
	Persona   PersonaConfig
	Speech    SpeechConfig
	Sentiment SentimentConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	admin, err := loadAdminConfig()
	if err != nil {
		return nil, err
	}

	converse, err := loadConverseConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	sentiment, err := loadSentimentConfig()
	if err != nil {
		return nil, err
	}

	persona := PersonaConfig{
		ID:   strings.ToLower(getEnvOrDefault("PERSONA", "paimon")),
		File: strings.TrimSpace(os.Getenv("PERSONA_FILE")),
	}

	return &Config{
		Relay:     relay,
		Admin:     admin,
		Converse:  converse,
		AI:        ai,
		Persona:   persona,
		Speech:    speech,
		Sentiment: sentiment,
	}, nil
}

// RelayConfig 描述语音中继的套接字与会话参数。
type RelayConfig struct {
	Addr           string
	Framing        string
	LegacyAck      bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int
	PacingDelay    time.Duration
	MinChunk       int
	Boundaries     string
	TempDir        string
	InferenceSlots int
	GateScorer     bool
	LogFile        string
}

func loadRelayConfig() (RelayConfig, error) {
	addr, err := normalizeAddr("RELAY_ADDR", getEnvOrDefault("RELAY_ADDR", "38438"))
	if err != nil {
		return RelayConfig{}, err
	}

	framing := strings.ToLower(getEnvOrDefault("RELAY_FRAMING", "length"))
	if framing != "length" && framing != "delimited" {
		return RelayConfig{}, fmt.Errorf("invalid RELAY_FRAMING value %q: want length or delimited", framing)
	}

	legacyAck, err := parseBoolEnv("RELAY_LEGACY_ACK", false)
	if err != nil {
		return RelayConfig{}, err
	}

	readTimeout, err := parseDurationEnv("RELAY_READ_TIMEOUT", 5*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}

	writeTimeout, err := parseDurationEnv("RELAY_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	pacing, err := parseDurationEnv("RELAY_PACING_DELAY", 500*time.Millisecond)
	if err != nil {
		return RelayConfig{}, err
	}

	maxFrame, err := parseIntEnv("RELAY_MAX_FRAME_BYTES", 32<<20, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	minChunk, err := parseIntEnv("RELAY_MIN_CHUNK", 5, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	slots, err := parseIntEnv("RELAY_INFERENCE_SLOTS", 1, 1)
	if err != nil {
		return RelayConfig{}, err
	}

	gateScorer, err := parseBoolEnv("RELAY_GATE_SCORER", false)
	if err != nil {
		return RelayConfig{}, err
	}

	// 允许在环境变量里用字面量 \n 表示换行
	boundaries := strings.ReplaceAll(os.Getenv("RELAY_BOUNDARIES"), `\n`, "\n")

	return RelayConfig{
		Addr:           addr,
		Framing:        framing,
		LegacyAck:      legacyAck,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		MaxFrameBytes:  maxFrame,
		PacingDelay:    pacing,
		MinChunk:       minChunk,
		Boundaries:     boundaries,
		TempDir:        strings.TrimSpace(os.Getenv("RELAY_TEMP_DIR")),
		InferenceSlots: slots,
		GateScorer:     gateScorer,
		LogFile:        strings.TrimSpace(os.Getenv("RELAY_LOG_FILE")),
	}, nil
}

// AdminConfig 描述管理 HTTP 接口。
type AdminConfig struct {
	Addr string
}

// Enabled 表示是否启动管理接口。
func (c AdminConfig) Enabled() bool {
	return c.Addr != ""
}

func loadAdminConfig() (AdminConfig, error) {
	raw := getEnvOrDefault("ADMIN_ADDR", "8080")
	if strings.EqualFold(raw, "off") {
		return AdminConfig{}, nil
	}
	addr, err := normalizeAddr("ADMIN_ADDR", raw)
	if err != nil {
		return AdminConfig{}, err
	}
	return AdminConfig{Addr: addr}, nil
}

// normalizeAddr 解析监听地址。
func normalizeAddr(key, port string) (string, error) {
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}

// ConverseConfig 描述对话后端。
type ConverseConfig struct {
	Backend      string
	APIURL       string
	Model        string
	APIKey       string
	Stream       bool
	Timeout      time.Duration
	Prompt       string
	HistoryLimit int
	FallbackText string
	StreamBuffer int
}

const defaultFallbackText = "Error occurred while fetching response."

func loadConverseConfig() (ConverseConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("CONVERSE_BACKEND", "ollama"))
	switch backend {
	case "ollama", "openai", "ark":
	default:
		return ConverseConfig{}, fmt.Errorf("invalid CONVERSE_BACKEND value %q: want ollama, openai or ark", backend)
	}

	stream, err := parseBoolEnv("CONVERSE_STREAM", true)
	if err != nil {
		return ConverseConfig{}, err
	}

	timeout, err := parseDurationEnv("CONVERSE_TIMEOUT", 60*time.Second)
	if err != nil {
		return ConverseConfig{}, err
	}

	historyLimit, err := parseIntEnv("CONVERSE_HISTORY_LIMIT", 20, 0)
	if err != nil {
		return ConverseConfig{}, err
	}

	buffer, err := parseIntEnv("CONVERSE_STREAM_BUFFER", 16, 1)
	if err != nil {
		return ConverseConfig{}, err
	}

	defaultURL := "http://localhost:11434/api/chat"
	if backend == "openai" {
		defaultURL = "https://api.openai.com/v1/chat/completions"
	}

	return ConverseConfig{
		Backend:      backend,
		APIURL:       getEnvOrDefault("CONVERSE_API_URL", defaultURL),
		Model:        strings.TrimSpace(os.Getenv("CONVERSE_MODEL")),
		APIKey:       strings.TrimSpace(os.Getenv("CONVERSE_API_KEY")),
		Stream:       stream,
		Timeout:      timeout,
		Prompt:       strings.TrimSpace(os.Getenv("CONVERSE_PROMPT")),
		HistoryLimit: historyLimit,
		FallbackText: getEnvOrDefault("CONVERSE_FALLBACK_TEXT", defaultFallbackText),
		StreamBuffer: buffer,
	}, nil
}

// AIConfig 描述火山方舟大模型相关配置，供 ark 对话后端与情感分类使用。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	modelName := strings.TrimSpace(os.Getenv("Model"))
	if modelName == "" {
		modelName = strings.TrimSpace(os.Getenv("ARK_MODEL"))
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       modelName,
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// PersonaConfig 选择本实例服务的角色。
type PersonaConfig struct {
	ID   string
	File string
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	ASRBackend     string
	TTSBackend     string
	AppID          string
	AccessToken    string
	APIKey         string
	AccessKey      string
	SecretKey      string
	Region         string
	BaseURL        string
	ConcurrentMode bool
	ASRModel       string
	ASRLanguage    string
	TTSVoice       string
	TTSSpeed       float32
	TTSVolume      float32
	TTSLanguage    string
	VITSURL        string
	Timeout        int
	Enabled        bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	asrBackend := strings.ToLower(getEnvOrDefault("ASR_BACKEND", "volcengine"))
	if asrBackend != "volcengine" {
		return SpeechConfig{}, fmt.Errorf("invalid ASR_BACKEND value %q: want volcengine", asrBackend)
	}

	ttsBackend := strings.ToLower(getEnvOrDefault("TTS_BACKEND", "vits"))
	if ttsBackend != "volcengine" && ttsBackend != "vits" {
		return SpeechConfig{}, fmt.Errorf("invalid TTS_BACKEND value %q: want volcengine or vits", ttsBackend)
	}

	// 解析超时设置
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	// 解析TTS速度和音量
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	if accessToken == "" {
		accessToken = apiKey
	}

	accessKey := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("SPEECH_SECRET_KEY"))

	// 如果没有专门的语音配置，尝试使用AI配置
	if accessToken == "" && accessKey == "" {
		accessToken = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		apiKey = accessToken
		accessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		secretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
	}

	return SpeechConfig{
		ASRBackend:     asrBackend,
		TTSBackend:     ttsBackend,
		AppID:          appID,
		AccessToken:    accessToken,
		APIKey:         apiKey,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		Region:         getEnvOrDefault("SPEECH_REGION", "cn-beijing"),
		BaseURL:        getEnvOrDefault("SPEECH_BASE_URL", ""),
		ConcurrentMode: concurrent,
		ASRModel:       getEnvOrDefault("SPEECH_ASR_MODEL", ""),
		ASRLanguage:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		TTSVoice:       getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:       ttsSpeed,
		TTSVolume:      ttsVolume,
		TTSLanguage:    getEnvOrDefault("SPEECH_TTS_LANGUAGE", "zh-CN"),
		VITSURL:        getEnvOrDefault("VITS_URL", "http://127.0.0.1:9880/synthesize"),
		Timeout:        timeoutSeconds,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// SentimentConfig 选择情感打分实现。
type SentimentConfig struct {
	Backend string
}

func loadSentimentConfig() (SentimentConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("SENTIMENT_BACKEND", "lexicon"))
	if backend != "lexicon" && backend != "llm" {
		return SentimentConfig{}, fmt.Errorf("invalid SENTIMENT_BACKEND value %q: want lexicon or llm", backend)
	}
	return SentimentConfig{Backend: backend}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

// parseIntEnv 解析整数并检查下限。
func parseIntEnv(key string, defaultValue, minValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < minValue {
		return 0, fmt.Errorf("invalid %s value %d: must be at least %d", key, *val, minValue)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
