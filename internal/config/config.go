// Package config loads the YAML configuration shared by the sender,
// receiver, and processor, following the teacher's pkg/config.Config
// pattern (a tagged root struct loaded via gopkg.in/yaml.v3), then applies
// the environment-variable overrides spec.md §6 names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by all three binaries. The
// binaries read only top-level fields (cmd/sender: InsecurenetHostIP and
// DataPath; cmd/processor: NATSSurveyorServers; cmd/receiver: none). The
// Sender, Receiver and Processor substructs are loaded from YAML, but the
// CLIs take those settings from their command-line flags, not from here.
type Config struct {
	Sender    SenderConfig    `yaml:"sender"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Processor ProcessorConfig `yaml:"processor"`

	// InsecurenetHostIP is the peer IP: the sender's destination. The
	// receiver does not read it; it ACKs to each inbound datagram's source
	// IP. Overridden by INSECURENET_HOST_IP.
	InsecurenetHostIP string `yaml:"insecurenet_host_ip"`
	// NATSSurveyorServers is the message-bus dial URL for the processor.
	// Overridden by NATS_SURVEYOR_SERVERS.
	NATSSurveyorServers string `yaml:"nats_surveyor_servers"`
	// DataPath is the external CSV/metadata directory for session logging.
	// Overridden by DATA_PATH.
	DataPath string `yaml:"data_path"`
}

// SenderConfig carries the sender CLI flag surface of spec.md §6.
type SenderConfig struct {
	Verbose          bool          `yaml:"verbose"`
	Covert           string        `yaml:"covert"`
	Carrier          string        `yaml:"carrier"`
	MaxUDPPayload    int           `yaml:"max_udp_payload"`
	PostSendWait     time.Duration `yaml:"post_send_wait"`
	Window           int           `yaml:"window"`
	MaxTransmissions int           `yaml:"max_transmissions"`
	Timeout          time.Duration `yaml:"timeout"`
	CovertProbability float64      `yaml:"covert_probability"`
}

// ReceiverConfig carries the receiver CLI flag surface of spec.md §6.
type ReceiverConfig struct {
	Verbose    bool `yaml:"verbose"`
	ListenPort int  `yaml:"listen_port"`
	AckPort    int  `yaml:"ack_port"`
}

// ProcessorConfig carries the processor CLI flag surface of spec.md §6.
type ProcessorConfig struct {
	MeanDelay  time.Duration `yaml:"mean_delay"`
	Mitigation bool          `yaml:"mitigation"`
}

// DefaultSenderConfig holds the sender's flag defaults, the same values as
// sender.DefaultParams.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxUDPPayload:     1472,
		PostSendWait:      1 * time.Second,
		Window:            5,
		MaxTransmissions:  3,
		Timeout:           500 * time.Millisecond,
		CovertProbability: 1.0,
	}
}

// DefaultReceiverConfig is the receiver's default listen/ack ports.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{ListenPort: 8888, AckPort: 9999}
}

// DefaultProcessorConfig is the processor's default delay/mitigation state.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{MeanDelay: 0, Mitigation: false}
}

// Load reads a YAML config file at path, applying defaults first so a
// partial file only needs to set the fields it wants to change.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Sender:    DefaultSenderConfig(),
		Receiver:  DefaultReceiverConfig(),
		Processor: DefaultProcessorConfig(),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the three environment variables spec.md §6 names.
func (c *Config) applyEnv() {
	if v := os.Getenv("INSECURENET_HOST_IP"); v != "" {
		c.InsecurenetHostIP = v
	}
	if v := os.Getenv("NATS_SURVEYOR_SERVERS"); v != "" {
		c.NATSSurveyorServers = v
	}
	if v := os.Getenv("DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if c.NATSSurveyorServers == "" {
		c.NATSSurveyorServers = "nats://nats:4222"
	}
}

// RequireInsecurenetHostIP fails fast (per spec.md §7's "environment
// variable missing" policy) when the peer IP was never set.
func (c *Config) RequireInsecurenetHostIP() error {
	if c.InsecurenetHostIP == "" {
		return fmt.Errorf("config: INSECURENET_HOST_IP is required but not set")
	}
	return nil
}
