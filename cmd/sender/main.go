// Command sender drives one covert-channel send session over a raw UDP
// socket, per spec.md §6's CLI flag surface.
package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bartuakyurek/covertchan/internal/config"
	"github.com/bartuakyurek/covertchan/internal/logging"
	"github.com/bartuakyurek/covertchan/internal/netio"
	"github.com/bartuakyurek/covertchan/internal/sender"
	"github.com/bartuakyurek/covertchan/internal/sessionlog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfgPath := ""
	cfg := config.DefaultSenderConfig()
	var carrierFile string

	cmd := &cobra.Command{
		Use:   "sender",
		Short: "Send a covert message across the checksum side channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := loaded.RequireInsecurenetHostIP(); err != nil {
				return err
			}

			level := logging.INFO
			if cfg.Verbose {
				level = logging.DEBUG
			}
			log := logging.New("sender", level, os.Stderr)

			carrier := []byte(cfg.Carrier)
			if carrierFile != "" {
				data, err := os.ReadFile(carrierFile)
				if err != nil {
					return fmt.Errorf("reading carrier file: %w", err)
				}
				carrier = data
			}

			dstIP := net.ParseIP(loaded.InsecurenetHostIP)
			if dstIP == nil {
				return fmt.Errorf("INSECURENET_HOST_IP %q is not a valid IP", loaded.InsecurenetHostIP)
			}
			// The crafted IPv4 header's source address only needs to be a
			// routable peer for checksum purposes; this point-to-point link
			// uses the same configured host on both legs.
			srcIP := dstIP

			sock, err := netio.DialSender(srcIP, dstIP, netio.DefaultOvertPort, netio.DefaultAckPort, log)
			if err != nil {
				return fmt.Errorf("dialing sender socket: %w", err)
			}
			defer sock.Close()

			params := sender.Params{
				MaxUDPPayload:     cfg.MaxUDPPayload,
				Window:            cfg.Window,
				Timeout:           cfg.Timeout,
				MaxTransmissions:  cfg.MaxTransmissions,
				PostSendWait:      cfg.PostSendWait,
				CovertProbability: cfg.CovertProbability,
			}
			s := sender.New(sock, params, log)
			go sock.ListenAcks(s)

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			mode := sender.ChooseMode(rng, cfg.CovertProbability)

			start := time.Now()
			if err := s.Send(carrier, cfg.Covert, mode); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			elapsed := time.Since(start)

			log.Info("session complete", logging.Fields{
				"capacity":    s.Capacity(),
				"transmitted": s.Transmitted(),
				"elapsed_ms":  elapsed.Milliseconds(),
			})

			if loaded.DataPath != "" {
				slog, err := newSessionLogger(loaded.DataPath)
				if err != nil {
					log.Warn("session log unavailable", logging.Fields{"error": err.Error()})
				} else {
					defer slog.Close()
					rec := sessionlog.Record{
						Timestamp:        time.Now(),
						Mode:             modeName(mode),
						CovertLen:        len(cfg.Covert),
						CarrierLen:       len(carrier),
						Capacity:         s.Capacity(),
						Transmitted:      s.Transmitted(),
						Elapsed:          elapsed,
						Window:           cfg.Window,
						Timeout:          cfg.Timeout,
						MaxTransmissions: cfg.MaxTransmissions,
					}
					if err := slog.Append(rec); err != nil {
						log.Warn("session log append failed", logging.Fields{"error": err.Error()})
					}
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")
	cmd.PersistentFlags().StringVar(&cfg.Covert, "covert", cfg.Covert, "covert payload string (<=255 bytes)")
	cmd.PersistentFlags().StringVar(&cfg.Carrier, "carrier", cfg.Carrier, "inline carrier text")
	cmd.PersistentFlags().StringVar(&carrierFile, "carrier-file", "", "path to a file supplying the carrier bytes")
	cmd.PersistentFlags().IntVar(&cfg.MaxUDPPayload, "max-udp-payload", cfg.MaxUDPPayload, "max UDP payload size in bytes")
	cmd.PersistentFlags().DurationVar(&cfg.PostSendWait, "wait", cfg.PostSendWait, "post-send drain interval")
	cmd.PersistentFlags().IntVar(&cfg.Window, "window", cfg.Window, "sliding window size")
	cmd.PersistentFlags().IntVar(&cfg.MaxTransmissions, "max-transmissions", cfg.MaxTransmissions, "maximum transmissions per sequence (1 = no retransmit)")
	cmd.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-packet ACK timeout")
	cmd.PersistentFlags().Float64Var(&cfg.CovertProbability, "covert-probability", cfg.CovertProbability, "probability of embedding the real covert string vs. a random dummy")

	return cmd
}

func newSessionLogger(dataPath string) (*sessionlog.Logger, error) {
	opts := []sessionlog.Option{}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		opts = append(opts, sessionlog.WithRedis(addr))
	}
	return sessionlog.New(dataPath+"/sessions.csv", opts...)
}

func modeName(m sender.Mode) string {
	if m == sender.ModeCovert {
		return "covert"
	}
	return "overt-dummy"
}
