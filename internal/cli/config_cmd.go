package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"bluetooth-obex/internal/config"
	"bluetooth-obex/internal/logging"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the obexpush configuration file",
	}
	cmd.AddCommand(configInitCommand())
	cmd.AddCommand(configShowCommand())
	return cmd
}

func configInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getAppConfigPath(cmd)
			if path != "" && !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite it", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			written, err := config.Default().Save(path)
			if err != nil {
				return err
			}
			logging.Debug("config written", logging.Fields{logging.ConfigPath: written})
			pterm.Success.Printfln("Wrote %s", written)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pterm.Info.Printfln("Config file: %s", getAppConfigPath(cmd))
			return pterm.DefaultTable.WithHasHeader().WithData(configTable(GetAppConfig(cmd))).Render()
		},
	}
}

func configTable(cfg *config.Config) [][]string {
	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "(disabled)"
	}
	return [][]string{
		{"Key", "Value"},
		{"log_level", cfg.LogLevel},
		{"receive_dir", cfg.ReceiveDir},
		{"service_name", cfg.ServiceName},
		{"rfcomm_channel", strconv.Itoa(int(cfg.RFCOMMChannel))},
		{"spoof_type", strconv.FormatBool(cfg.SpoofType)},
		{"spoof_name", cfg.SpoofName},
		{"max_object_size", FormatSize(uint64(cfg.MaxObjectSize))},
		{"scan_timeout", cfg.ScanTimeout.String()},
		{"connect_timeout", cfg.ConnectTimeout.String()},
		{"decision_timeout", cfg.DecisionTimeout.String()},
		{"metrics_addr", metricsAddr},
	}
}
