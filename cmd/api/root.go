package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-dashboard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "automaton",
	Short: "Security scan orchestration API",
	Long: `automaton runs security tool scans (static, dynamic, ZAP) as Runs of
Tasks, reconciles their status, stores reports and streams logs.`,
	SilenceUsage: true,
}

var (
	configPath string
	debugMode  bool
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.ExecuteContext(context.Background()))
}

func init() {
	def := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		def = v
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", def, "path to config.yaml (env CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
