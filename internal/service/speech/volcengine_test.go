package speech

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

func wsConfig(server *httptest.Server) config.SpeechConfig {
	return config.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		BaseURL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Timeout:     5,
	}
}

func writePacket(conn *websocket.Conn, p *packet) error {
	return conn.WriteMessage(websocket.BinaryMessage, p.marshal())
}

func gzipJSON(t *testing.T, body string) []byte {
	t.Helper()
	out, err := gzipBytes([]byte(body))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return out
}

type asrCapture struct {
	request  asrRequest
	audio    []byte
	resource string
}

func TestVolcengineTranscribe(t *testing.T) {
	final := gzipJSON(t, `{"result":{"text":"你好派蒙"},"audio_info":{"duration":1200}}`)
	partial := gzipJSON(t, `{"result":{"text":"你好"}}`)

	captured := make(chan asrCapture, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		capture := asrCapture{resource: r.Header.Get("X-Api-Resource-Id")}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, _ := unmarshalPacket(data)
		body, _ := pkt.body()
		_ = sonic.Unmarshal(body, &capture.request)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pkt, _ := unmarshalPacket(data)
			chunk, _ := pkt.body()
			capture.audio = append(capture.audio, chunk...)
			if pkt.last() {
				break
			}
		}
		captured <- capture

		_ = writePacket(conn, &packet{Type: msgFullServerResponse, Flags: flagPositiveSequence, Serialization: serializationJSON, Compression: compressionGzip, Sequence: 1, Payload: partial})
		_ = writePacket(conn, &packet{Type: msgFullServerResponse, Flags: flagNegativeSequence, Serialization: serializationJSON, Compression: compressionGzip, Sequence: -2, Payload: final})
	}))
	defer server.Close()

	wav := EncodeWAV(bytes.Repeat([]byte{7, 0}, 5000), 16000, 1)
	path := filepath.Join(t.TempDir(), "upload.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	text, err := NewVolcengineASRClient(wsConfig(server)).Transcribe(context.Background(), path)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "你好派蒙" {
		t.Fatalf("unexpected transcript %q", text)
	}

	capture := <-captured
	if !bytes.Equal(capture.audio, wav) {
		t.Fatalf("server received %d bytes, want %d", len(capture.audio), len(wav))
	}
	if capture.request.Audio.Rate != 16000 || capture.request.Audio.Format != "wav" || capture.request.Request.ModelName != "bigmodel" {
		t.Fatalf("unexpected request %+v", capture.request)
	}
	if capture.resource != "volc.bigasr.sauc.duration" {
		t.Fatalf("unexpected resource id %q", capture.resource)
	}
}

func TestVolcengineRecognizeServerError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = writePacket(conn, &packet{Type: msgError, ErrorCode: 45000001, Payload: []byte("invalid audio format")})
	}))
	defer server.Close()

	client := NewVolcengineASRClient(wsConfig(server))
	_, err := client.Transcribe(context.Background(), writeTempWAV(t))
	if err == nil || !strings.Contains(err.Error(), "invalid audio format") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestDialDoesNotRetryRejectedHandshake(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewVolcengineASRClient(wsConfig(server)).Transcribe(context.Background(), writeTempWAV(t))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected handshake error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("rejected handshake retried %d times", hits.Load())
	}
}

func TestVolcengineSynthesizeFallsBackOnResourceMismatch(t *testing.T) {
	pcm := bytes.Repeat([]byte{1, 2, 3, 4}, 100)

	var (
		mu        sync.Mutex
		resources []string
		speakers  []string
	)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, _ := unmarshalPacket(data)
		var req ttsRequest
		_ = sonic.Unmarshal(pkt.Payload, &req)

		mu.Lock()
		resources = append(resources, resource)
		speakers = append(speakers, req.ReqParams.Speaker)
		mu.Unlock()

		if resource == "seed-tts-2.0" {
			_ = writePacket(conn, &packet{Type: msgError, ErrorCode: 55000000, Payload: []byte("resource ID is mismatched with speaker related resource")})
			return
		}
		_ = writePacket(conn, &packet{Type: msgAudioOnlyResponse, Flags: flagNoSequence, Payload: pcm[:200]})
		_ = writePacket(conn, &packet{Type: msgAudioOnlyResponse, Flags: flagNoSequence, Payload: pcm[200:]})
		_ = writePacket(conn, &packet{Type: msgFullServerResponse, Flags: flagWithEvent, Serialization: serializationJSON, Event: eventSessionFinished, SessionID: "s1", Payload: []byte(`{}`)})
	}))
	defer server.Close()

	p := persona.Persona{ID: "paimon", VoiceID: "zh_female_vv_uranus_bigtts", SpeechRate: 1}
	audio, rate, err := NewVolcengineTTSClient(wsConfig(server), p).Synthesize(context.Background(), "旅行者你好")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if rate != 24000 {
		t.Fatalf("unexpected rate %d", rate)
	}
	info, err := InspectWAV(audio)
	if err != nil || !bytes.Equal(audio[info.DataOffset:], pcm) {
		t.Fatalf("unexpected audio (%v)", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"seed-tts-2.0", "volc.service_type.10029"}; !reflect.DeepEqual(resources, want) {
		t.Fatalf("resources tried %v, want %v", resources, want)
	}
	if speakers[0] != p.VoiceID {
		t.Fatalf("unexpected speaker %q", speakers[0])
	}
}

func TestResolveTTSResourceCandidates(t *testing.T) {
	tests := []struct {
		voice string
		want  []string
	}{
		{voice: "", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
		{voice: "S_clone_speaker", want: []string{"volc.megatts.default"}},
		{voice: "zh_female_vv_uranus_bigtts", want: []string{"seed-tts-2.0", "volc.service_type.10029"}},
		{voice: "zh_male_organizer", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
	}
	for _, tt := range tests {
		if got := resolveTTSResourceCandidates(tt.voice); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("resolveTTSResourceCandidates(%q) = %v, want %v", tt.voice, got, tt.want)
		}
	}
}

func TestResolveTTSSpeakerCandidates(t *testing.T) {
	tests := []struct {
		request, fallback string
		want              []string
	}{
		{"persona-voice", "zh_female_vv_uranus_bigtts", []string{"persona-voice", "zh_female_vv_uranus_bigtts"}},
		{"", "zh_male_M392_conversation_wvae_bigtts", []string{"zh_male_M392_conversation_wvae_bigtts"}},
		{"ZH_voice", "zh_voice", []string{"ZH_voice"}},
		{"zh_male_m392_conversation", "", []string{"zh_male_M392_conversation_wvae_bigtts"}},
		{"default", "", []string{"zh_female_vv_uranus_bigtts"}},
	}
	for _, tt := range tests {
		if got := resolveTTSSpeakerCandidates(tt.request, tt.fallback); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("resolveTTSSpeakerCandidates(%q, %q) = %v, want %v", tt.request, tt.fallback, got, tt.want)
		}
	}
}

func TestNewSynthesizerSelectsBackend(t *testing.T) {
	p := persona.Seed()[0]
	if s, err := NewSynthesizer(config.SpeechConfig{TTSBackend: "vits", VITSURL: "http://127.0.0.1:9880/synthesize"}, p); err != nil {
		t.Fatalf("vits: %v", err)
	} else if _, ok := s.(*VITSClient); !ok {
		t.Fatalf("expected VITSClient, got %T", s)
	}
	if _, err := NewSynthesizer(config.SpeechConfig{TTSBackend: "volcengine"}, p); err == nil {
		t.Fatalf("volcengine without credentials should fail")
	}
	if _, err := NewTranscriber(config.SpeechConfig{ASRBackend: "whisper"}); err == nil {
		t.Fatalf("unknown ASR backend should fail")
	}
}

func writeTempWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.wav")
	if err := os.WriteFile(path, EncodeWAV(make([]byte, 320), 16000, 1), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}
