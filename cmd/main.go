package main

import (
	"context"
	"fmt"
	"os"

	"tutor-backend/internal/config"
	"tutor-backend/internal/provider"
	"tutor-backend/internal/service"
	"tutor-backend/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tutor",
	Short: "Visual tutoring chat backend",
	Long: `tutor answers questions as a stream of short explanations and
HTML visuals, one step at a time.

Run "tutor serve" for the HTTP API or "tutor ask" for a one-off question
in the terminal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads config, sets up logging and builds the chat service on the
// configured model backend.
func bootstrap(ctx context.Context) (*config.Config, *service.ChatService, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if err := logger.Init(level, cfg.Log.Format); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	gen, err := provider.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init model provider: %w", err)
	}

	return cfg, service.NewChatService(cfg, gen), nil
}
