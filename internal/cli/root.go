// Package cli is the obexpush command line.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bluetooth-obex/internal/config"
	"bluetooth-obex/internal/logging"
)

type ctxKey string

const (
	appCtxKey        ctxKey = "appConfig"
	appConfigPathKey ctxKey = "appConfigPath"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "obexpush",
		Short: "obexpush sends and receives files over Bluetooth OBEX Object Push",
		Long: `obexpush pushes files to nearby phones, tablets and computers over Bluetooth
using OBEX Object Push, and can accept files pushed from them. It talks to BlueZ
over the system D-Bus.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if strings.TrimSpace(logLevel) != "" {
				cfg.LogLevel = logLevel
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				logging.Warn("invalid log level, defaulting to info", logging.Fields{
					logging.FieldError: err.Error(),
				})
			}

			path := configPath
			if strings.TrimSpace(path) == "" {
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			ctx := context.WithValue(cmd.Context(), appCtxKey, cfg)
			ctx = context.WithValue(ctx, appConfigPathKey, path)
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(ScanCommand())
	rootCmd.AddCommand(SendCommand())
	rootCmd.AddCommand(ReceiveCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetAppConfig returns the config loaded by the root command.
func GetAppConfig(cmd *cobra.Command) *config.Config {
	if v := cmd.Context().Value(appCtxKey); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return config.Default()
}

func getAppConfigPath(cmd *cobra.Command) string {
	if v := cmd.Context().Value(appConfigPathKey); v != nil {
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}
