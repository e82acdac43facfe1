package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-relay/internal/codec"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/handler"
	"github.com/zhouzirui/tavern-relay/internal/inference"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
	"github.com/zhouzirui/tavern-relay/internal/relay"
	"github.com/zhouzirui/tavern-relay/internal/segment"
	"github.com/zhouzirui/tavern-relay/internal/service/chat"
	"github.com/zhouzirui/tavern-relay/internal/service/converse"
	"github.com/zhouzirui/tavern-relay/internal/service/speech"
)

var (
	serveFlags overrides
	listenAddr string
	adminAddr  string
	framing    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice relay",
	Long: `Run the voice relay on a TCP listener, plus the admin HTTP API
(health, personas, live sessions and a WebSocket session endpoint)
unless ADMIN_ADDR is "off".`,
	RunE: runServe,
}

func init() {
	serveFlags.register(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&listenAddr, "addr", "", "relay listen address (RELAY_ADDR)")
	f.StringVar(&adminAddr, "admin-addr", "", `admin HTTP address, "off" disables (ADMIN_ADDR)`)
	f.StringVar(&framing, "framing", "", "wire framing: length or delimited (RELAY_FRAMING)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd, &serveFlags)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Relay.Addr = withPort(listenAddr)
	}
	if cmd.Flags().Changed("admin-addr") {
		cfg.Admin.Addr = withPort(adminAddr)
		if strings.EqualFold(adminAddr, "off") {
			cfg.Admin.Addr = ""
		}
	}
	if cmd.Flags().Changed("framing") {
		cfg.Relay.Framing = framing
	}
	if err := teeLog(cfg.Relay.LogFile); err != nil {
		return err
	}

	wireFraming, err := codec.ParseFraming(cfg.Relay.Framing)
	if err != nil {
		return err
	}

	personas, active, err := resolvePersona(cfg.Persona)
	if err != nil {
		return err
	}

	stages, gates, err := buildStages(ctx, cfg, active)
	if err != nil {
		return err
	}

	registry := chat.NewRegistry()
	srv, err := relay.NewServer(active, stages, registry, relay.Options{
		Framing: wireFraming,
		Codec: codec.Options{
			MaxFrameBytes: cfg.Relay.MaxFrameBytes,
			LegacyAck:     cfg.Relay.LegacyAck,
		},
		Segment: segment.Options{
			MinChunk:   cfg.Relay.MinChunk,
			Boundaries: cfg.Relay.Boundaries,
		},
		Stream:       cfg.Converse.Stream,
		FallbackText: cfg.Converse.FallbackText,
		PacingDelay:  cfg.Relay.PacingDelay,
		ReadTimeout:  cfg.Relay.ReadTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		TempDir:      cfg.Relay.TempDir,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Relay.Addr, err)
	}

	adminErr := make(chan error, 1)
	var admin *http.Server
	if cfg.Admin.Enabled() {
		admin = &http.Server{
			Addr: cfg.Admin.Addr,
			Handler: handler.NewRouter(handler.Deps{
				Active:   active,
				Personas: personas,
				Registry: registry,
				Relay:    srv,
				Gates:    gates,
			}),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Printf("[admin] listening on %s", admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	select {
	case err = <-serveErr:
		stop()
	case err = <-adminErr:
		log.Printf("[admin] server error: %v", err)
		stop()
		<-serveErr
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
	log.Printf("[relay] stopped")
	return err
}

// buildStages creates the collaborators for persona p and guards the
// accelerator-bound ones with one shared gate.
func buildStages(ctx context.Context, cfg *config.Config, p persona.Persona) (pipeline.Stages, []*inference.Gate, error) {
	transcriber, err := speech.NewTranscriber(cfg.Speech)
	if err != nil {
		return pipeline.Stages{}, nil, fmt.Errorf("transcriber: %w", err)
	}
	synthesizer, err := speech.NewSynthesizer(cfg.Speech, p)
	if err != nil {
		return pipeline.Stages{}, nil, fmt.Errorf("synthesizer: %w", err)
	}
	conversation, err := converse.New(ctx, cfg, p)
	if err != nil {
		return pipeline.Stages{}, nil, fmt.Errorf("conversation: %w", err)
	}

	accel := inference.NewGate("accelerator", cfg.Relay.InferenceSlots)
	gates := pipeline.Gates{Transcribe: accel, Synthesize: accel}
	if cfg.Relay.GateScorer {
		gates.Score = accel
	}

	log.Printf("[relay] persona=%s asr=%s tts=%s converse=%s sentiment=%s slots=%d",
		p.ID, cfg.Speech.ASRBackend, cfg.Speech.TTSBackend, cfg.Converse.Backend, cfg.Sentiment.Backend, cfg.Relay.InferenceSlots)

	return pipeline.Guard(pipeline.Stages{
		Transcriber:  transcriber,
		Conversation: conversation,
		Synthesizer:  synthesizer,
		Scorer:       newScorer(ctx, cfg, p),
	}, gates), []*inference.Gate{accel}, nil
}

// withPort accepts a bare port the way the environment variables do.
func withPort(addr string) string {
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}
