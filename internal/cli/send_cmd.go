package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"bluetooth-obex/internal/connmgr"
	"bluetooth-obex/internal/obex"
	"bluetooth-obex/internal/transfer"
)

func SendCommand() *cobra.Command {
	var device string
	var spoof bool
	var spoofName string

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Push a file to a device",
		Long: `Push a file to a device. Without --device, nearby devices are scanned and
offered for selection. --spoof announces the file as text/plain, which some
phones require before they accept unknown types.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			ctx := cmd.Context()
			if !cmd.Flags().Changed("spoof") {
				spoof = cfg.SpoofType
			}
			mode := cfg.SpoofNameMode()
			if cmd.Flags().Changed("spoof-name") {
				m, err := obex.ParseSpoofNameMode(spoofName)
				if err != nil {
					return err
				}
				mode = m
			}

			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}

			dev, err := pickDevice(ctx, device, cfg.ScanTimeout)
			if err != nil {
				return err
			}

			client := transfer.NewClient(transfer.ClientOptions{
				ConnectTimeout: cfg.ConnectTimeout,
				SpoofName:      mode,
			})
			bar := newProgressBar(filepath.Base(path))
			pterm.Info.Printfln("Sending %s (%s) to %s", filepath.Base(path), FormatSize(uint64(info.Size())), dev.DisplayName())
			err = client.Send(ctx, path, dev, bar.Update, spoof)
			bar.Stop()
			if err != nil {
				return describeSendError(err)
			}
			pterm.Success.Printfln("Sent %s to %s", filepath.Base(path), dev.DisplayName())
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Target device: BlueZ object path, address or name")
	cmd.Flags().BoolVar(&spoof, "spoof", false, "Announce the file as text/plain")
	cmd.Flags().StringVar(&spoofName, "spoof-name", "", "Name sent when spoofing: basename or extension")
	return cmd
}

// pickDevice resolves --device, or scans and asks when it is empty.
func pickDevice(ctx context.Context, device string, scanTimeout time.Duration) (connmgr.Device, error) {
	device = strings.TrimSpace(device)
	if strings.HasPrefix(device, "/") {
		return connmgr.Device{Path: device}, nil
	}
	devs, err := scanDevices(ctx, scanTimeout)
	if err != nil {
		return connmgr.Device{}, err
	}
	if device != "" {
		if d, ok := matchDevice(devs, device); ok {
			return d, nil
		}
		return connmgr.Device{}, fmt.Errorf("no push device matching %q found", device)
	}
	if len(devs) == 0 {
		return connmgr.Device{}, errors.New("no devices offering Object Push found")
	}
	options := make([]string, len(devs))
	for i, d := range devs {
		options[i] = deviceOption(i, d)
	}
	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a device").
		Show()
	if err != nil {
		return connmgr.Device{}, err
	}
	for i, opt := range options {
		if opt == choice {
			return devs[i], nil
		}
	}
	return connmgr.Device{}, errors.New("no device selected")
}

// matchDevice finds a device by address, then by alias or name, ignoring case.
func matchDevice(devs []connmgr.Device, query string) (connmgr.Device, bool) {
	for _, d := range devs {
		if strings.EqualFold(d.MAC, query) {
			return d, true
		}
	}
	for _, d := range devs {
		if strings.EqualFold(d.Alias, query) || strings.EqualFold(d.Name, query) {
			return d, true
		}
	}
	return connmgr.Device{}, false
}

// describeSendError adds a hint for the failures a user can act on.
func describeSendError(err error) error {
	switch obex.KindOf(err) {
	case obex.KindServiceNotFound:
		return fmt.Errorf("%w\nthe device does not offer Object Push; is Bluetooth file receiving enabled on it?", err)
	case obex.KindUnsupportedMediaType:
		return fmt.Errorf("%w\nthe device refused this file type; retry with --spoof", err)
	case obex.KindConnectionRejected:
		return fmt.Errorf("%w\nthe device refused the session", err)
	}
	return err
}
