package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"vidanon/internal/config"
)

var (
	configPath string
	cfg        config.Config
	logger     = log.New(os.Stderr, "[vidanon] ", log.Ltime)
)

var rootCmd = &cobra.Command{
	Use:   "vidanon",
	Short: "Detect and redact faces in videos",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VIDANON_CONFIG"), "Path to YAML configuration file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Printf("error: %v", err)
		os.Exit(1)
	}
}
