// Package cmd implements the relay command line.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile string
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Voice-chat relay for role-play characters",
	Long: `relay accepts voice clients over TCP or WebSocket, transcribes each
uploaded utterance, streams a persona reply from a chat back end and
speaks it back sentence by sentence with a sentiment score per clip.

Configuration comes from the environment (and .env); flags override it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		if err := godotenv.Load(envFile); err != nil {
			log.Printf("warning: failed to load %s: %v", envFile, err)
			log.Println("continuing with system environment variables only")
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
}

// teeLog copies the process log into path as well as stderr.
func teeLog(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}
