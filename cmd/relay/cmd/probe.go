package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-relay/internal/analysis/emotion"
	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/segment"
	"github.com/zhouzirui/tavern-relay/internal/service/converse"
	"github.com/zhouzirui/tavern-relay/internal/service/speech"
)

var (
	probeFlags   overrides
	probeMode    string
	probeAudio   string
	probeText    string
	probeOut     string
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Exercise one collaborator from the shell",
	Long: `Run a single transcription, synthesis or conversation request
against the configured back end and print the result.

  relay probe --mode asr --audio hello.wav
  relay probe --mode tts --text "旅行者，你好！" --out hello.wav
  relay probe --mode converse --text "今天吃什么？"`,
	RunE: runProbe,
}

func init() {
	probeFlags.register(probeCmd)
	f := probeCmd.Flags()
	f.StringVar(&probeMode, "mode", "", "asr, tts or converse")
	f.StringVar(&probeAudio, "audio", "", "input audio file for asr")
	f.StringVar(&probeText, "text", "", "input text for tts and converse")
	f.StringVar(&probeOut, "out", "", "output file for tts (default tts-output-<unix>.wav)")
	f.DurationVar(&probeTimeout, "timeout", 45*time.Second, "request timeout")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, &probeFlags)
	if err != nil {
		return err
	}
	_, active, err := resolvePersona(cfg.Persona)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	switch probeMode {
	case "asr":
		return probeASR(ctx, cfg)
	case "tts":
		return probeTTS(ctx, cfg, active)
	case "converse":
		return probeConverse(ctx, cfg, active)
	default:
		return fmt.Errorf("--mode must be asr, tts or converse, got %q", probeMode)
	}
}

func probeASR(ctx context.Context, cfg *config.Config) error {
	if probeAudio == "" {
		return errors.New("asr mode needs --audio")
	}
	transcriber, err := speech.NewTranscriber(cfg.Speech)
	if err != nil {
		return err
	}

	start := time.Now()
	text, err := transcriber.Transcribe(ctx, probeAudio)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	log.Printf("[ASR] %s in %s", probeAudio, time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(os.Stdout, text)
	return nil
}

func probeTTS(ctx context.Context, cfg *config.Config, p persona.Persona) error {
	if strings.TrimSpace(probeText) == "" {
		return errors.New("tts mode needs --text")
	}
	synthesizer, err := speech.NewSynthesizer(cfg.Speech, p)
	if err != nil {
		return err
	}

	audio, rate, err := synthesizer.Synthesize(ctx, probeText)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	out := probeOut
	if out == "" {
		out = fmt.Sprintf("tts-output-%d.wav", time.Now().Unix())
	}
	if err := os.WriteFile(out, audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	score, _ := emotion.Lexicon{}.Score(ctx, probeText)
	log.Printf("[TTS] wrote %s (%d bytes, %d Hz, voice=%s, sentiment=%d)", out, len(audio), rate, p.ID, score)
	return nil
}

// probeConverse prints the reply the way the relay would speak it: one
// utterance per line.
func probeConverse(ctx context.Context, cfg *config.Config, p persona.Persona) error {
	if strings.TrimSpace(probeText) == "" {
		return errors.New("converse mode needs --text")
	}
	conversation, err := converse.New(ctx, cfg, p)
	if err != nil {
		return err
	}

	if !cfg.Converse.Stream {
		reply, err := conversation.Ask(ctx, nil, probeText)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, reply)
		return nil
	}

	sr, err := conversation.Stream(ctx, nil, probeText)
	if err != nil {
		return err
	}
	defer sr.Close()

	seg := segment.New(segment.Options{MinChunk: cfg.Relay.MinChunk, Boundaries: cfg.Relay.Boundaries})
	for {
		fragment, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if u, ok := seg.Push(fragment); ok {
			fmt.Fprintln(os.Stdout, u.Text)
		}
	}
	if u, ok := seg.Flush(); ok {
		fmt.Fprintln(os.Stdout, u.Text)
	}
	return nil
}
