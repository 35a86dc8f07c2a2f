package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"bluetooth-obex/internal/logging"
	"bluetooth-obex/internal/metrics"
	"bluetooth-obex/internal/obex"
	"bluetooth-obex/internal/transfer"
)

func ReceiveCommand() *cobra.Command {
	var dir string
	var yes bool
	var loop bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept a file pushed from another device",
		Long: `Register the Object Push service and wait for a device to push a file.
Each incoming file is offered for confirmation unless --yes is given. With
--loop, obexpush keeps listening after each transfer until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetAppConfig(cmd)
			ctx := cmd.Context()
			if !cmd.Flags().Changed("dir") {
				dir = cfg.ReceiveDir
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = cfg.MetricsAddr
			}

			var collector *metrics.TransferCollector
			if metricsAddr != "" {
				collector = metrics.NewTransferCollector("obexpush")
				stop := serveMetrics(metricsAddr, collector)
				defer stop()
			}

			results := make(chan transfer.Completion, 1)
			server := transfer.NewServer(transfer.ServerOptions{
				ServiceName:     cfg.ServiceName,
				Channel:         cfg.RFCOMMChannel,
				ReceiveDir:      dir,
				MaxObjectSize:   cfg.MaxObjectSize,
				DecisionTimeout: cfg.DecisionTimeout,
				Metrics:         collector,
				OnComplete:      func(c transfer.Completion) { results <- c },
			})
			defer server.StopListening()

			for {
				ui := &receivePrompt{autoAccept: yes}
				if err := server.StartListening(ctx, ui.progress, ui.decide); err != nil {
					return err
				}
				pterm.Info.Printfln("Waiting for a device to push a file to %s (channel %d)...", dir, cfg.RFCOMMChannel)
				c := <-results
				ui.stop()
				if err := reportCompletion(c); err != nil && !loop {
					return err
				}
				if !loop || ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory received files are saved to")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Accept every incoming file without asking")
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep listening after each transfer")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

// receivePrompt is the terminal side of one listening cycle.
type receivePrompt struct {
	autoAccept bool

	mu  sync.Mutex
	bar *progressBar
}

func (p *receivePrompt) decide(ctx context.Context, name string, size uint64) (bool, error) {
	if p.autoAccept {
		p.accepted(name)
		return true, nil
	}
	question := fmt.Sprintf("Accept %q", name)
	if size > 0 {
		question += fmt.Sprintf(" (%s)", FormatSize(size))
	}
	question += "?"

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := pterm.DefaultInteractiveConfirm.WithDefaultValue(false).Show(question)
		ch <- answer{ok, err}
	}()
	select {
	case a := <-ch:
		if a.ok && a.err == nil {
			p.accepted(name)
		}
		return a.ok, a.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *receivePrompt) accepted(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = newProgressBar(name)
	}
}

func (p *receivePrompt) progress(f float64) {
	p.mu.Lock()
	bar := p.bar
	p.mu.Unlock()
	if bar != nil {
		bar.Update(f)
	}
}

func (p *receivePrompt) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Stop()
	}
}

func reportCompletion(c transfer.Completion) error {
	switch {
	case c.Err == nil:
		pterm.Success.Printfln("Received %s (%s) from %s", c.File.Name, FormatSize(uint64(len(c.File.Content))), c.Remote.DisplayName())
		if c.Path != "" {
			pterm.Info.Printfln("Saved to %s", c.Path)
		}
		return nil
	case errors.Is(c.Err, context.Canceled):
		return nil
	case obex.KindOf(c.Err) == obex.KindDeclined:
		pterm.Warning.Println("Transfer declined")
		return nil
	case obex.KindOf(c.Err) == obex.KindAborted:
		pterm.Warning.Println("The sender aborted the transfer")
		return c.Err
	}
	pterm.Error.Println(c.Err.Error())
	return c.Err
}

// serveMetrics exposes collector on addr until the returned func is called.
func serveMetrics(addr string, collector *metrics.TransferCollector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", logging.Fields{
				logging.FieldError: err.Error(),
			})
		}
	}()
	logging.Info("serving metrics", logging.Fields{logging.FieldAddress: addr})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
