package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

const vitsMaxResponse = 64 << 20

// VITSClient synthesizes through a local VITS inference sidecar. The sidecar
// loads the persona's config and weights and answers with a WAV body.
type VITSClient struct {
	url     string
	persona persona.Persona
	client  *http.Client
}

type vitsRequest struct {
	Text        string  `json:"text"`
	Config      string  `json:"config"`
	Weights     string  `json:"weights"`
	LengthScale float32 `json:"length_scale"`
}

// NewVITSClient 创建 VITS 边车客户端。
func NewVITSClient(cfg config.SpeechConfig, p persona.Persona) *VITSClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VITSClient{
		url:     cfg.VITSURL,
		persona: p,
		client:  &http.Client{Timeout: timeout},
	}
}

// Synthesize posts text to the sidecar and returns the WAV it renders.
func (c *VITSClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	// VITS 的符号表里没有波浪号
	text = strings.ReplaceAll(text, "~", "！")

	payload, err := sonic.Marshal(vitsRequest{
		Text:        text,
		Config:      c.persona.SynthesisConfigPath,
		Weights:     c.persona.SynthesisWeightsPath,
		LengthScale: c.persona.Rate(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode vits request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("vits request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("vits returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, vitsMaxResponse))
	if err != nil {
		return nil, 0, fmt.Errorf("read vits audio: %w", err)
	}
	info, err := InspectWAV(audio)
	if err != nil {
		return nil, 0, fmt.Errorf("vits audio: %w", err)
	}

	log.Printf("[TTS] vits rendered %d bytes at %d Hz in %s", len(audio), info.SampleRate, time.Since(start).Round(time.Millisecond))
	return audio, info.SampleRate, nil
}
