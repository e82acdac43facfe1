package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/codec"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
	"github.com/zhouzirui/tavern-relay/internal/segment"
	"github.com/zhouzirui/tavern-relay/internal/service/speech"
)

// session owns one connection. All of its fields are touched only by the
// goroutine running run.
type session struct {
	id      string
	conn    net.Conn
	codec   codec.Codec
	history *chat.History
	srv     *Server

	state    chat.State
	turns    int
	tempPath string
}

func (s *Server) newSession(ctx context.Context, conn net.Conn, transport string) (*session, error) {
	c, err := codec.New(s.framing(), conn, s.opts.Codec)
	if err != nil {
		return nil, err
	}

	entry, err := s.registry.Register(ctx, s.persona.ID, transport, conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.opts.TempDir, "relay-"+entry.ID+"-*.wav")
	if err != nil {
		s.registry.Unregister(ctx, entry.ID)
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	f.Close()

	return &session{
		id:       entry.ID,
		conn:     conn,
		codec:    c,
		history:  chat.NewHistory(),
		srv:      s,
		state:    chat.StateIdle,
		tempPath: f.Name(),
	}, nil
}

func (s *session) run(ctx context.Context) {
	log.Printf("[session] %s connected from %s", s.id, s.conn.RemoteAddr())

	if err := s.write(func() error { return s.codec.WritePersona(s.srv.persona.Announcement()) }); err != nil {
		log.Printf("[session] %s announce failed: %v", s.id, err)
		return
	}

	for {
		s.setState(ctx, chat.StateReceiving)
		audio, err := s.receive()
		if err != nil {
			s.logReceiveError(err)
			return
		}

		if err := s.turn(ctx, audio); err != nil {
			log.Printf("[session] %s closing in state %s: %v", s.id, s.state, err)
			return
		}
	}
}

func (s *session) close() {
	s.state = chat.StateClosed
	s.conn.Close()
	os.Remove(s.tempPath)
	s.srv.registry.Unregister(context.Background(), s.id)
	log.Printf("[session] %s closed after %d turns", s.id, s.turns)
}

func (s *session) setState(ctx context.Context, state chat.State) {
	s.state = state
	if err := s.srv.registry.Update(ctx, s.id, state, s.turns); err != nil {
		log.Printf("[session] %s registry update: %v", s.id, err)
	}
}

func (s *session) receive() ([]byte, error) {
	if d := s.srv.opts.ReadTimeout; d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	return s.codec.ReadUpload()
}

func (s *session) logReceiveError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, codec.ErrConnectionClosed), errors.Is(err, net.ErrClosed):
		log.Printf("[session] %s client disconnected", s.id)
	case codec.IsFramingError(err):
		log.Printf("[session] %s framing error: %v", s.id, err)
	case errors.As(err, &ne) && ne.Timeout():
		log.Printf("[session] %s idle for %s, closing", s.id, s.srv.opts.ReadTimeout)
	default:
		log.Printf("[session] %s read failed: %v", s.id, err)
	}
}

// write applies the write deadline around one codec write.
func (s *session) write(fn func() error) error {
	if d := s.srv.opts.WriteTimeout; d > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(d))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// turn handles one uploaded utterance. Only connection-level failures are
// returned; everything else ends the turn and keeps the session open.
func (s *session) turn(ctx context.Context, audio []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s.setState(ctx, chat.StateTranscribing)

	if err := s.storeUpload(audio); err != nil {
		log.Printf("[session] %s dropping turn: %v", s.id, err)
		return nil
	}
	text, err := s.srv.stages.Transcriber.Transcribe(ctx, s.tempPath)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[session] %s dropping turn in state %s: %v", s.id, s.state, err)
		return nil
	}
	text = strings.TrimSpace(text)
	log.Printf("[session] %s heard %q (%d bytes, %s)", s.id, text, len(audio), time.Since(start).Round(time.Millisecond))

	if text != "" {
		s.setState(ctx, chat.StateConversing)
		history := s.history.Turns()

		var reply string
		if s.srv.opts.Stream {
			reply, err = s.converseStream(ctx, history, text)
		} else {
			reply, err = s.converseOnce(ctx, history, text)
		}
		if err != nil {
			return err
		}

		s.history.Append(chat.RoleUser, text)
		if reply != "" {
			s.history.Append(chat.RoleAssistant, reply)
		}
	}

	if err := s.write(s.codec.WriteEndOfTurn); err != nil {
		return fmt.Errorf("write end of turn: %w", err)
	}
	s.turns++
	s.setState(ctx, chat.StateTurnComplete)
	log.Printf("[session] %s turn %d complete in %s", s.id, s.turns, time.Since(start).Round(time.Millisecond))
	return nil
}

// storeUpload writes the upload to the session's file and fixes the WAV
// sizes the recorder left unset.
func (s *session) storeUpload(audio []byte) error {
	if err := os.WriteFile(s.tempPath, audio, 0o600); err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	if err := speech.RepairHeader(s.tempPath); err != nil {
		log.Printf("[session] %s upload is not a repairable wav: %v", s.id, err)
	}
	return nil
}

// converseStream speaks each utterance as soon as the segmenter completes it.
// A conversation failure ends the reply silently.
func (s *session) converseStream(ctx context.Context, history []chat.Turn, text string) (string, error) {
	sr, err := s.srv.stages.Conversation.Stream(ctx, history, text)
	if err != nil {
		log.Printf("[session] %s conversation failed: %v", s.id, err)
		return "", nil
	}
	defer sr.Close()

	seg := segment.New(s.srv.opts.Segment)
	var spoken strings.Builder
	speak := func(u segment.Utterance) error {
		spoken.WriteString(u.Text)
		return s.speak(ctx, u.Text)
	}

	for {
		fragment, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return spoken.String(), ctx.Err()
			}
			// 流中断时不朗读残句
			log.Printf("[session] %s conversation stream failed: %v (pending %q dropped)", s.id, err, seg.Pending())
			return spoken.String(), nil
		}
		if u, ok := seg.Push(fragment); ok {
			if err := speak(u); err != nil {
				return spoken.String(), err
			}
		}
	}

	if u, ok := seg.Flush(); ok {
		if err := speak(u); err != nil {
			return spoken.String(), err
		}
	}
	return spoken.String(), nil
}

// converseOnce speaks the whole reply as a single utterance, or the fallback
// phrase when the back end fails.
func (s *session) converseOnce(ctx context.Context, history []chat.Turn, text string) (string, error) {
	reply, err := s.srv.stages.Conversation.Ask(ctx, history, text)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Printf("[session] %s conversation failed, speaking fallback: %v", s.id, err)
		if fallback := strings.TrimSpace(s.srv.opts.FallbackText); fallback != "" {
			return "", s.speak(ctx, fallback)
		}
		return "", nil
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", nil
	}
	return reply, s.speak(ctx, reply)
}

// speak synthesizes, scores and sends one utterance, then paces. A synthesis
// failure skips the utterance; a scoring failure falls back to neutral.
func (s *session) speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.setState(ctx, chat.StateSpeaking)

	audio, _, err := s.srv.stages.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[session] %s skipping utterance %q: %v", s.id, text, err)
		return nil
	}

	sentiment := pipeline.NeutralSentiment
	if scorer := s.srv.stages.Scorer; scorer != nil {
		score, err := scorer.Score(ctx, text)
		if err != nil {
			log.Printf("[session] %s score failed, using neutral: %v", s.id, err)
		} else {
			sentiment = pipeline.ClampSentiment(score)
		}
	}

	if err := s.write(func() error { return s.codec.WriteClip(audio, sentiment) }); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}

	if d := s.srv.opts.PacingDelay; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
