package speech

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/speech"
)

const asrPath = "/api/v3/sauc/bigmodel_nostream"

// 每包约 200ms 的 16kHz/16bit/单声道音频
const asrChunkBytes = 6400

// VolcengineASRClient 火山引擎大模型流式识别客户端（流式输入模式）
type VolcengineASRClient struct {
	clientBase
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

// asrRequest 火山引擎ASR请求结构（按文档格式）
type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// NewVolcengineASRClient 创建火山引擎ASR客户端
func NewVolcengineASRClient(cfg config.SpeechConfig) *VolcengineASRClient {
	return &VolcengineASRClient{clientBase: newClientBase(cfg)}
}

// Transcribe reads the uploaded WAV file at audioPath and returns its transcript.
func (c *VolcengineASRClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}

	req := speech.ASRRequest{
		SessionID: uuid.NewString(),
		Audio:     audio,
		Format:    "wav",
		Language:  c.cfg.ASRLanguage,
	}
	if info, err := InspectWAV(audio); err == nil {
		req.SampleRate = info.SampleRate
	} else {
		log.Printf("[ASR] %s: %v, sending as raw pcm", audioPath, err)
		req.Format = "pcm"
	}

	resp, err := c.Recognize(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Recognize 发送整段音频并等待最终识别结果。发送与接收并发进行，服务端提前报错时立即停止发送。
func (c *VolcengineASRClient) Recognize(ctx context.Context, req speech.ASRRequest) (speech.ASRResponse, error) {
	if len(req.Audio) == 0 {
		return speech.ASRResponse{}, fmt.Errorf("no audio data to send")
	}

	appID, token, err := resolveCredentials(c.cfg)
	if err != nil {
		return speech.ASRResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if c.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", req.SessionID)

	conn, err := dialWithRetry(ctx, c.dialer, endpoint(c.cfg, asrPath), header, c.attempts, "ASR")
	if err != nil {
		return speech.ASRResponse{}, fmt.Errorf("failed to connect to ASR websocket: %w", err)
	}
	defer conn.Close()
	// 取消时关闭连接以打断阻塞的读
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := sonic.Marshal(c.buildRequest(req))
	if err != nil {
		return speech.ASRResponse{}, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return speech.ASRResponse{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newFullClientRequest(compressed, compressionGzip).marshal()); err != nil {
		return speech.ASRResponse{}, fmt.Errorf("failed to send ASR request: %w", err)
	}

	type result struct {
		resp speech.ASRResponse
		err  error
	}
	recvCh := make(chan result, 1)
	go func() {
		resp, err := c.receive(conn, req.SessionID)
		recvCh <- result{resp, err}
	}()

	sendCh := make(chan error, 1)
	go func() {
		sendCh <- c.sendAudio(ctx, conn, req.Audio)
	}()

	for {
		select {
		case err := <-sendCh:
			if err != nil {
				return speech.ASRResponse{}, fmt.Errorf("failed to send audio data: %w", err)
			}
			sendCh = nil
		case r := <-recvCh:
			if r.err != nil && ctx.Err() != nil {
				return speech.ASRResponse{}, ctx.Err()
			}
			return r.resp, r.err
		}
	}
}

func (c *VolcengineASRClient) buildRequest(req speech.ASRRequest) *asrRequest {
	out := &asrRequest{}
	out.User.UID = req.SessionID

	out.Audio.Format = req.Format
	if out.Audio.Format == "" {
		out.Audio.Format = "wav"
	}
	out.Audio.Language = req.Language
	if out.Audio.Language == "" {
		out.Audio.Language = "zh-CN"
	}
	out.Audio.Codec = "raw"
	out.Audio.Rate = req.SampleRate
	if out.Audio.Rate <= 0 {
		out.Audio.Rate = 16000
	}
	out.Audio.Bits = 16
	out.Audio.Channel = 1

	out.Request.ModelName = "bigmodel"
	if c.cfg.ASRModel != "" {
		out.Request.ModelName = c.cfg.ASRModel
	}
	out.Request.EnableITN = true
	out.Request.EnablePunc = true
	out.Request.ShowUtterances = true
	out.Request.ResultType = "full"
	out.Request.EndWindowSize = 800
	return out
}

// sendAudio 分包发送音频。FullClientRequest 占用序号 1，音频从 2 开始。
func (c *VolcengineASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	sequence := int32(2)
	for start := 0; start < len(audio); start += asrChunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+asrChunkBytes, len(audio))

		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			return err
		}
		pkt := newAudioPacket(chunk, sequence, end == len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, pkt.marshal()); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		sequence++
	}
	return nil
}

func (c *VolcengineASRClient) receive(conn *websocket.Conn, sessionID string) (speech.ASRResponse, error) {
	var (
		finalText string
		duration  int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return speech.ASRResponse{}, fmt.Errorf("failed to read ASR response: %w", err)
		}

		pkt, err := unmarshalPacket(data)
		if err != nil {
			return speech.ASRResponse{}, fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch pkt.Type {
		case msgError:
			body, _ := pkt.body()
			return speech.ASRResponse{}, fmt.Errorf("ASR error %d: %s", pkt.ErrorCode, string(body))

		case msgFullServerResponse:
			body, err := pkt.body()
			if err != nil {
				return speech.ASRResponse{}, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}

			var msg asrServerMessage
			if err := sonic.Unmarshal(body, &msg); err != nil {
				log.Printf("[ASR] failed to unmarshal response: %v", err)
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return speech.ASRResponse{}, fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}

			if text := transcriptOf(msg); text != "" {
				finalText = text
			}
			if msg.AudioInfo.Duration > 0 {
				duration = msg.AudioInfo.Duration
			}

			if pkt.last() || msg.Sequence < 0 {
				if finalText == "" {
					log.Printf("[ASR] empty transcript for session %s", sessionID)
				}
				return speech.ASRResponse{
					SessionID: sessionID,
					Text:      finalText,
					Duration:  duration,
					RequestID: sessionID,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func transcriptOf(msg asrServerMessage) string {
	if msg.Result.Text != "" {
		return msg.Result.Text
	}
	parts := make([]string, 0, len(msg.Result.Utterances))
	for _, u := range msg.Result.Utterances {
		parts = append(parts, u.Text)
	}
	return strings.Join(parts, " ")
}
