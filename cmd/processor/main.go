// Command processor runs the in-path middlebox, forwarding datagrams
// between the bus subject pairs of spec.md §6 with optional mitigation and
// a randomized per-packet delay.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bartuakyurek/covertchan/internal/bus"
	"github.com/bartuakyurek/covertchan/internal/config"
	"github.com/bartuakyurek/covertchan/internal/logging"
	"github.com/bartuakyurek/covertchan/internal/processor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfgPath := ""
	cfg := config.DefaultProcessorConfig()
	verbose := false

	cmd := &cobra.Command{
		Use:   "processor",
		Short: "Forward and optionally mitigate the covert channel in-path",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			level := logging.INFO
			if verbose {
				level = logging.DEBUG
			}
			log := logging.New("processor", level, os.Stderr)

			b, err := bus.DialWebSocket(loaded.NATSSurveyorServers)
			if err != nil {
				return fmt.Errorf("dialing bus at %s: %w", loaded.NATSSurveyorServers, err)
			}
			defer b.Close()

			p := processor.New(b, processor.Config{MeanDelay: cfg.MeanDelay, Mitigation: cfg.Mitigation}, log)

			go func() {
				for err := range p.Errors() {
					log.Error("processor error", logging.Fields{"error": err.Error()})
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				<-sigCh
				close(done)
			}()

			log.Info("processor running", logging.Fields{"mitigation": cfg.Mitigation, "mean_delay": cfg.MeanDelay.String()})
			return p.Run(done)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", verbose, "enable debug logging")
	cmd.PersistentFlags().DurationVar(&cfg.MeanDelay, "mean-delay", cfg.MeanDelay, "mean per-packet forwarding delay D (actual delay is uniform(0,2D))")
	cmd.PersistentFlags().BoolVar(&cfg.Mitigation, "mitigation", cfg.Mitigation, "recompute UDP checksums, defeating the covert channel")

	return cmd
}
