// Package main implements the framelink command line client.
//
// framelink opens a real-time session with a per-frame inference backend,
// streams media to it and plays the transformed stream's lifecycle out on
// the terminal. Recordings captured during a session are managed with the
// recordings subcommands.
//
// # Configuration
//
// Configuration merges, in order: an optional YAML file (--config), a .env
// file loaded at startup, and FRAMELINK_* environment variables. See
// session.LoadSessionConfig for the variable list.
//
// # Usage
//
//	export FRAMELINK_BACKEND_URL="http://localhost:8889/offer"
//	framelink stream --video clip.ivf --record --status-addr :8088
//	framelink recordings list
//	framelink recordings share <id>
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/framelink/framelink-sdk-go/pkg/session"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "framelink",
	Short: "Stream media to a framelink inference backend",
	Long: `framelink is the command line client for the framelink SDK.

It negotiates a WebRTC session with an inference backend, streams a local
media file to it, receives the transformed stream back and can record both
directions. The processing graph running on the backend is supplied at
negotiation time and can be edited live while streaming.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				log.Printf("could not load env file %s: %v", envFile, err)
			}
			return
		}
		// Best effort; a missing .env is normal.
		_ = godotenv.Load()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "env file to load (default .env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(recordingsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() session.Logger {
	if verbose {
		return session.NewDevelopmentLogger()
	}
	return session.NewProductionLogger()
}
