package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"bluetooth-obex/internal/connmgr"
	"bluetooth-obex/internal/logging"
)

func ScanCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices that accept Object Push",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.ScanTimeout
			}
			devs, err := scanDevices(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			return renderDevices(devs)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to discover devices")
	return cmd
}

// scanDevices runs discovery for timeout behind a spinner.
func scanDevices(ctx context.Context, timeout time.Duration) ([]connmgr.Device, error) {
	m := connmgr.New()
	defer m.Close()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Scanning for %s...", timeout))
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devs, err := m.ScanPush(sctx)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	logging.Debug("scan finished", logging.Fields{"found": len(devs)})
	return devs, nil
}
