package main

import (
	"fmt"
	"os"

	"huddle/pkg/config"
	"huddle/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagURL      string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "huddle-peer",
	Short: "Headless participant for huddle rooms",
	Long: `huddle-peer connects to a huddle relay, joins a room and keeps a
WebRTC session with every other participant using perfect negotiation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "configs/huddle.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "relay websocket URL (overrides peer.signal_url)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides logging.level)")

	rootCmd.AddCommand(joinCmd, roomsCmd)
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagURL != "" {
		cfg.Peer.SignalURL = flagURL
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// newLogger writes to stderr so tables on stdout stay readable.
func newLogger(cfg *config.Config) *zap.SugaredLogger {
	return logger.NewWithFormat(cfg.Logging.Level, "console").Sugar()
}
