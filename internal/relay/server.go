// Package relay serves voice-chat sessions: it accepts connections, runs one
// session state machine per connection and keeps them isolated from each other.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/codec"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
	"github.com/zhouzirui/tavern-relay/internal/segment"
	chatsvc "github.com/zhouzirui/tavern-relay/internal/service/chat"
)

// Options tunes the per-session behavior.
type Options struct {
	Framing codec.Framing
	Codec   codec.Options
	Segment segment.Options

	// Stream selects incremental replies; false asks the back end for the whole reply at once.
	Stream       bool
	FallbackText string

	PacingDelay  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TempDir holds one upload file per live session; empty means os.TempDir.
	TempDir string
}

// Server accepts relay connections. Stages must already be guarded by the
// shared inference gates; the server never calls them concurrently itself
// within a session.
type Server struct {
	persona  persona.Persona
	stages   pipeline.Stages
	registry *chatsvc.Registry
	opts     Options

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer wires a relay server. A nil registry gets a private one.
func NewServer(p persona.Persona, stages pipeline.Stages, registry *chatsvc.Registry, opts Options) (*Server, error) {
	if stages.Transcriber == nil || stages.Conversation == nil || stages.Synthesizer == nil {
		return nil, fmt.Errorf("relay: transcriber, conversation and synthesizer are required")
	}
	if _, err := codec.ParseFraming(string(opts.Framing)); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = chatsvc.NewRegistry()
	}
	return &Server{
		persona:  p,
		stages:   stages,
		registry: registry,
		opts:     opts,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections on ln until ctx is done, then closes every live
// session and waits for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Printf("[relay] listening on %s (framing=%s, stream=%t, persona=%s)", ln.Addr(), s.framing(), s.opts.Stream, s.persona.ID)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				log.Printf("[relay] listener stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			log.Printf("[relay] accept error: %v; retrying in %s", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.admit(conn) {
			conn.Close()
			continue
		}
		go s.serveConn(ctx, conn, "tcp")
	}
}

// ServeConn runs one session on conn and returns when it closes. It never
// panics: a crash inside the session is logged and only that session ends.
// Once Serve has begun shutting down, conn is closed without a session.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn, transport string) {
	if !s.admit(conn) {
		log.Printf("[relay] reject %s: shutting down", conn.RemoteAddr())
		conn.Close()
		return
	}
	s.serveConn(ctx, conn, transport)
}

// serveConn runs an admitted connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, transport string) {
	defer s.release(conn)

	sess, err := s.newSession(ctx, conn, transport)
	if err != nil {
		log.Printf("[relay] reject %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] %s panic in state %s: %v\n%s", sess.id, sess.state, r, debug.Stack())
		}
		sess.close()
	}()
	sess.run(ctx)
}

// Wait blocks until every session started so far has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Registry exposes the live session table.
func (s *Server) Registry() *chatsvc.Registry {
	return s.registry
}

func (s *Server) framing() codec.Framing {
	if s.opts.Framing == "" {
		return codec.FramingLength
	}
	return s.opts.Framing
}

// admit registers conn with the wait group. It fails after closeAll, so
// Wait never races a late Add.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
}
