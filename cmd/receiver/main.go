// Command receiver runs the covert receiver's sniff loop, logging the
// decoded message from each completed chunk as a JSON line on stderr.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bartuakyurek/covertchan/internal/config"
	"github.com/bartuakyurek/covertchan/internal/logging"
	"github.com/bartuakyurek/covertchan/internal/netio"
	"github.com/bartuakyurek/covertchan/internal/receiver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfgPath := ""
	cfg := config.DefaultReceiverConfig()

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Sniff the covert channel and print decoded messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(cfgPath); err != nil {
				return err
			}

			level := logging.INFO
			if cfg.Verbose {
				level = logging.DEBUG
			}
			log := logging.New("receiver", level, os.Stderr)

			sock, err := netio.DialReceiver(cfg.AckPort)
			if err != nil {
				return fmt.Errorf("dialing receiver socket: %w", err)
			}
			defer sock.Close()

			r := receiver.New(sock, log)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				<-sigCh
				close(done)
			}()

			log.Info("listening", logging.Fields{"ack_port": cfg.AckPort})
			return sock.Serve(r, done)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")
	cmd.PersistentFlags().IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "overt UDP destination port")
	cmd.PersistentFlags().IntVar(&cfg.AckPort, "ack-port", cfg.AckPort, "UDP port ACKs are sent to")

	return cmd
}
