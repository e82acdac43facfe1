package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/model/speech"
)

const (
	ttsPath       = "/api/v3/tts/unidirectional/stream"
	ttsSampleRate = 24000
)

// VolcengineTTSClient 火山引擎单向流式语音合成客户端，音色与语速取自角色。
type VolcengineTTSClient struct {
	clientBase
	voice string
	speed float32
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// NewVolcengineTTSClient 创建火山引擎TTS客户端
func NewVolcengineTTSClient(cfg config.SpeechConfig, p persona.Persona) *VolcengineTTSClient {
	voice := strings.TrimSpace(p.VoiceID)
	if voice == "" {
		voice = strings.TrimSpace(cfg.TTSVoice)
	}
	speed := p.Rate()
	if cfg.TTSSpeed > 0 {
		speed *= cfg.TTSSpeed
	}
	return &VolcengineTTSClient{clientBase: newClientBase(cfg), voice: voice, speed: speed}
}

// Synthesize renders text as 16-bit mono WAV at 24 kHz.
func (c *VolcengineTTSClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	resp, err := c.SynthesizeSpeech(ctx, speech.TTSRequest{
		Text:       text,
		Voice:      c.voice,
		Speed:      c.speed,
		Format:     "pcm",
		SampleRate: ttsSampleRate,
	})
	if err != nil {
		return nil, 0, err
	}
	return EncodeWAV(resp.Audio, resp.SampleRate, 1), resp.SampleRate, nil
}

// SynthesizeSpeech 依次尝试候选音色与资源 ID，直到服务端接受为止。
func (c *VolcengineTTSClient) SynthesizeSpeech(ctx context.Context, req speech.TTSRequest) (speech.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return speech.TTSResponse{}, fmt.Errorf("TTS text is empty")
	}
	appKey, accessKey, err := resolveCredentials(c.cfg)
	if err != nil {
		return speech.TTSResponse{}, err
	}
	if req.Format == "" {
		req.Format = "pcm"
	}
	if req.SampleRate <= 0 {
		req.SampleRate = ttsSampleRate
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.cfg.TTSVoice)
	var lastMismatch error
	for _, speaker := range speakers {
		for _, resourceID := range resolveTTSResourceCandidates(speaker) {
			resp, err := c.synthesizeWithResource(ctx, req, appKey, accessKey, speaker, resourceID)
			if err == nil {
				return resp, nil
			}
			if !isResourceMismatchError(err) {
				return speech.TTSResponse{}, err
			}
			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, err)
			lastMismatch = err
		}
	}

	if lastMismatch != nil {
		return speech.TTSResponse{}, lastMismatch
	}
	return speech.TTSResponse{}, fmt.Errorf("TTS synthesis failed: no usable voice among %v", speakers)
}

func (c *VolcengineTTSClient) synthesizeWithResource(ctx context.Context, req speech.TTSRequest, appKey, accessKey, speaker, resourceID string) (speech.TTSResponse, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, err := dialWithRetry(ctx, c.dialer, endpoint(c.cfg, ttsPath), header, c.attempts, "TTS")
	if err != nil {
		return speech.TTSResponse{}, fmt.Errorf("failed to connect to TTS websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := sonic.Marshal(c.buildRequest(req, speaker))
	if err != nil {
		return speech.TTSResponse{}, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newFullClientRequest(payload, compressionNone).marshal()); err != nil {
		return speech.TTSResponse{}, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    = connectID
		duration int64
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return speech.TTSResponse{}, ctx.Err()
			}
			return speech.TTSResponse{}, fmt.Errorf("failed to read TTS response: %w", err)
		}
		pkt, err := unmarshalPacket(data)
		if err != nil {
			return speech.TTSResponse{}, fmt.Errorf("failed to decode TTS message: %w", err)
		}

		switch pkt.Type {
		case msgError:
			body, _ := pkt.body()
			return speech.TTSResponse{}, fmt.Errorf("TTS error %d: %s", pkt.ErrorCode, string(body))

		case msgAudioOnlyResponse:
			chunk, err := pkt.body()
			if err != nil {
				return speech.TTSResponse{}, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case msgFullServerResponse:
			body, err := pkt.body()
			if err != nil {
				return speech.TTSResponse{}, fmt.Errorf("failed to decompress TTS response payload: %w", err)
			}

			var msg ttsServerMessage
			if len(body) > 0 {
				if err := sonic.Unmarshal(body, &msg); err != nil {
					log.Printf("[TTS] failed to unmarshal response payload: %v", err)
				} else {
					if msg.Code != 0 && msg.Code != 3000 && msg.Code != 20000000 {
						return speech.TTSResponse{}, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
					}
					if msg.ReqID != "" {
						reqID = msg.ReqID
					}
					if ms, err := strconv.ParseInt(msg.Addition.Duration, 10, 64); err == nil {
						duration = ms
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return speech.TTSResponse{}, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := pkt.hasEvent() && pkt.Event == eventSessionFinished
			if finished || pkt.last() || msg.Sequence < 0 {
				if audio.Len() == 0 {
					return speech.TTSResponse{}, fmt.Errorf("TTS audio is empty")
				}
				return speech.TTSResponse{
					SessionID:  req.SessionID,
					Audio:      audio.Bytes(),
					SampleRate: req.SampleRate,
					Duration:   duration,
					Format:     req.Format,
					RequestID:  reqID,
					CreatedAt:  time.Now(),
				}, nil
			}

		default:
			log.Printf("[TTS] unexpected message type: %d", pkt.Type)
		}
	}
}

func (c *VolcengineTTSClient) buildRequest(req speech.TTSRequest, speaker string) *ttsRequest {
	out := &ttsRequest{}
	out.User.UID = req.SessionID
	if out.User.UID == "" {
		out.User.UID = uuid.NewString()
	}

	out.ReqParams.Speaker = speaker
	out.ReqParams.Text = req.Text
	out.ReqParams.AudioParams.Format = req.Format
	out.ReqParams.AudioParams.SampleRate = req.SampleRate

	if req.Speed > 0 && req.Speed != 1 {
		out.ReqParams.AudioParams.SpeedRatio = req.Speed
	}
	volume := req.Volume
	if volume <= 0 {
		volume = c.cfg.TTSVolume
	}
	if volume > 0 && volume != 1 {
		out.ReqParams.AudioParams.VolumeRatio = volume
	}

	out.ReqParams.Language = req.Language
	if out.ReqParams.Language == "" {
		out.ReqParams.Language = c.cfg.TTSLanguage
	}
	// 回复已是纯文本，关闭 markdown 过滤以免吞掉标点
	out.ReqParams.Additions = `{"disable_markdown_filter":true}`
	return out
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

var voiceAliases = map[string]string{
	"en_default":                "en_female_amy_jupiter_bigtts",
	"zh_default":                "zh_female_vv_uranus_bigtts",
	"zh_male_m392_conversation": "zh_male_M392_conversation_wvae_bigtts",
}

func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "default") {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}
	add(requested)
	add(fallback)

	if len(candidates) == 0 {
		return []string{voiceAliases["zh_default"]}
	}
	return candidates
}

func isResourceMismatchError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
