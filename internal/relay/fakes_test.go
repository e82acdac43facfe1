package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/codec"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

// echoTranscriber hears exactly the bytes that were uploaded; "bad" fails.
type echoTranscriber struct{}

func (echoTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if string(data) == "bad" {
		return "", fmt.Errorf("%w: unintelligible", pipeline.ErrTranscription)
	}
	return string(data), nil
}

type scriptedConversation struct {
	reply     func(text string) []string
	askErr    error
	streamErr error
	// midErr is delivered after every reply fragment.
	midErr error

	mu        sync.Mutex
	histories [][]chat.Turn
}

func (c *scriptedConversation) record(history []chat.Turn) {
	c.mu.Lock()
	c.histories = append(c.histories, append([]chat.Turn(nil), history...))
	c.mu.Unlock()
}

func (c *scriptedConversation) Ask(_ context.Context, history []chat.Turn, text string) (string, error) {
	c.record(history)
	if c.askErr != nil {
		return "", c.askErr
	}
	return strings.Join(c.reply(text), ""), nil
}

func (c *scriptedConversation) Stream(_ context.Context, history []chat.Turn, text string) (*schema.StreamReader[string], error) {
	c.record(history)
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	fragments := c.reply(text)
	if c.midErr == nil {
		return schema.StreamReaderFromArray(fragments), nil
	}
	sr, sw := schema.Pipe[string](len(fragments) + 1)
	for _, f := range fragments {
		sw.Send(f, nil)
	}
	sw.Send("", c.midErr)
	sw.Close()
	return sr, nil
}

func (c *scriptedConversation) lastHistory() []chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.histories) == 0 {
		return nil
	}
	return c.histories[len(c.histories)-1]
}

// labelSynth returns "pcm:<text>"; texts in fail are rejected, texts in
// delay take that long and panicOn crashes the caller.
type labelSynth struct {
	fail    map[string]bool
	delay   map[string]time.Duration
	panicOn string
}

func (s labelSynth) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	if d := s.delay[text]; d > 0 {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(d):
		}
	}
	if s.fail[text] {
		return nil, 0, fmt.Errorf("%w: voice model crashed", pipeline.ErrSynthesis)
	}
	if s.panicOn != "" && text == s.panicOn {
		panic("synthesizer exploded")
	}
	return []byte("pcm:" + text), 16000, nil
}

func personaForTest() persona.Persona {
	return persona.Seed()[0]
}

type constScorer struct {
	score int
	err   error
}

func (s constScorer) Score(context.Context, string) (int, error) {
	return s.score, s.err
}

func newTestServer(t *testing.T, conv pipeline.Conversation, synth pipeline.Synthesizer, scorer pipeline.Scorer, mutate func(*Options)) *Server {
	t.Helper()
	opts := Options{
		Framing:      codec.FramingLength,
		Stream:       true,
		FallbackText: "Error occurred while fetching response.",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		TempDir:      t.TempDir(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(personaForTest(), pipeline.Stages{
		Transcriber:  echoTranscriber{},
		Conversation: conv,
		Synthesizer:  synth,
		Scorer:       scorer,
	}, nil, opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

type clip struct {
	text      string
	sentiment int
}

// testClient drives one length-framed session over a net.Pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), serverSide, "pipe")
	}()
	t.Cleanup(func() {
		clientSide.Close()
		<-done
	})

	c := &testClient{t: t, conn: clientSide}
	c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if kind, payload := c.next(); kind != codec.KindPersona || string(payload) != "character_paimon" {
		t.Fatalf("expected persona announcement, got %s %q", kind, payload)
	}
	return c
}

func (c *testClient) next() (codec.Kind, []byte) {
	c.t.Helper()
	kind, payload, err := codec.ReadFrame(c.conn, codec.DefaultMaxFrameBytes)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return kind, payload
}

func (c *testClient) upload(audio string) {
	c.t.Helper()
	if err := codec.WriteFrame(c.conn, codec.KindUpload, []byte(audio)); err != nil {
		c.t.Fatalf("upload: %v", err)
	}
}

// turn uploads audio and collects clips up to the end-of-turn sentinel.
func (c *testClient) turn(audio string) []clip {
	c.t.Helper()
	c.upload(audio)

	var clips []clip
	for {
		kind, payload := c.next()
		switch kind {
		case codec.KindEndOfTurn:
			if string(payload) != codec.EndOfTurn {
				c.t.Fatalf("unexpected sentinel %q", payload)
			}
			return clips
		case codec.KindClip:
			audio, score, err := codec.DecodeOutgoing(payload)
			if err != nil {
				c.t.Fatalf("decode clip: %v", err)
			}
			clips = append(clips, clip{text: strings.TrimPrefix(string(audio), "pcm:"), sentiment: score})
		default:
			c.t.Fatalf("unexpected frame kind %s", kind)
		}
	}
}
