package cmd

import (
	"fmt"
	"os"

	"baotun/internal/config"
	"baotun/internal/logging"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "baotun",
	Short:         "Intercept the traffic of a tun device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	logLevel   string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Specify the YAML config file.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level: debug, info, warn or error.")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and installs the logger it asks for.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	flush, err := logging.Setup(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, flush, nil
}
