package link

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pulsekit/pulse2/logger"
)

// Defaults for link negotiation and interface behavior.
const (
	DefaultMTU             = 1500
	DefaultRestartInterval = 400 * time.Millisecond
	DefaultMaxConfigure    = 10
	DefaultMaxTerminate    = 2
	DefaultMaxFailure      = 5

	DefaultPingAttempts = 3
	DefaultPingTimeout  = time.Second

	DefaultSocketQueueSize = 16
	DefaultReadChunkSize   = 4096
)

// Validation limits.
const (
	MinMTU             = 128
	MinRestartInterval = 10 * time.Millisecond
	MaxRestartInterval = time.Minute
)

// Config holds all configuration for an Interface and its link.
type Config struct {
	mtu            int
	maxFrameLength int
	readChunkSize  int

	restartInterval time.Duration
	maxConfigure    int
	maxTerminate    int
	maxFailure      int

	pingAttempts int
	pingTimeout  time.Duration

	socketQueueSize int

	// transports maps transport names to factories; the Link constructs one
	// transport per entry once the link comes up.
	transports map[string]TransportFactory

	dumper PacketDumper
	logger logger.Logger
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config) error

// NewConfig creates a link configuration with defaults, applying opts in
// order and validating the result.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		mtu:             DefaultMTU,
		maxFrameLength:  0, // frame.DefaultMaxFrameLength
		readChunkSize:   DefaultReadChunkSize,
		restartInterval: DefaultRestartInterval,
		maxConfigure:    DefaultMaxConfigure,
		maxTerminate:    DefaultMaxTerminate,
		maxFailure:      DefaultMaxFailure,
		pingAttempts:    DefaultPingAttempts,
		pingTimeout:     DefaultPingTimeout,
		socketQueueSize: DefaultSocketQueueSize,
		transports:      make(map[string]TransportFactory),
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.mtu < MinMTU {
		return fmt.Errorf("link: mtu %d below minimum %d", cfg.mtu, MinMTU)
	}
	if cfg.restartInterval < MinRestartInterval || cfg.restartInterval > MaxRestartInterval {
		return fmt.Errorf("link: restart interval %v out of range [%v, %v]",
			cfg.restartInterval, MinRestartInterval, MaxRestartInterval)
	}
	if cfg.maxConfigure < 1 || cfg.maxTerminate < 1 || cfg.maxFailure < 1 {
		return fmt.Errorf("link: retry budgets must be at least 1")
	}
	if cfg.pingAttempts < 1 || cfg.pingTimeout <= 0 {
		return fmt.Errorf("link: invalid ping settings")
	}
	if cfg.socketQueueSize < 1 {
		return fmt.Errorf("link: socket queue size must be at least 1")
	}

	return nil
}

// MTU returns the configured link MTU.
func (cfg *Config) MTU() int { return cfg.mtu }

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger { return cfg.logger }

// SocketQueueSize returns the receive queue capacity for sockets.
func (cfg *Config) SocketQueueSize() int { return cfg.socketQueueSize }

// PingAttempts returns the configured echo attempts per ping.
func (cfg *Config) PingAttempts() int { return cfg.pingAttempts }

// PingTimeout returns the configured per-attempt echo reply timeout.
func (cfg *Config) PingTimeout() time.Duration { return cfg.pingTimeout }

// WithMTU sets the link MTU.
func WithMTU(mtu int) ConfigOption {
	return func(cfg *Config) error {
		cfg.mtu = mtu
		return nil
	}
}

// WithMaxFrameLength bounds the encoded frame size accepted by the splitter.
func WithMaxFrameLength(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.maxFrameLength = n
		return nil
	}
}

// WithRestartInterval sets the control-protocol restart timer interval.
func WithRestartInterval(d time.Duration) ConfigOption {
	return func(cfg *Config) error {
		cfg.restartInterval = d
		return nil
	}
}

// WithMaxConfigure bounds Configure-Request retransmission.
func WithMaxConfigure(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.maxConfigure = n
		return nil
	}
}

// WithMaxTerminate bounds Terminate-Request retransmission.
func WithMaxTerminate(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.maxTerminate = n
		return nil
	}
}

// WithMaxFailure bounds Configure-Nak transmissions before escalating to
// Configure-Reject.
func WithMaxFailure(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.maxFailure = n
		return nil
	}
}

// WithPingAttempts sets how many echo attempts a ping makes before failing.
func WithPingAttempts(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.pingAttempts = n
		return nil
	}
}

// WithPingTimeout sets the per-attempt echo reply timeout.
func WithPingTimeout(d time.Duration) ConfigOption {
	return func(cfg *Config) error {
		cfg.pingTimeout = d
		return nil
	}
}

// WithSocketQueueSize sets the receive queue capacity of sockets created by
// this interface and its transports.
func WithSocketQueueSize(n int) ConfigOption {
	return func(cfg *Config) error {
		cfg.socketQueueSize = n
		return nil
	}
}

// WithTransport registers a transport factory under the given name.
func WithTransport(name string, factory TransportFactory) ConfigOption {
	return func(cfg *Config) error {
		if _, ok := cfg.transports[name]; ok {
			return fmt.Errorf("link: transport %q registered twice", name)
		}
		cfg.transports[name] = factory

		return nil
	}
}

// WithTransports registers a set of transport factories by name.
func WithTransports(factories map[string]TransportFactory) ConfigOption {
	return func(cfg *Config) error {
		for name, factory := range factories {
			if _, ok := cfg.transports[name]; ok {
				return fmt.Errorf("link: transport %q registered twice", name)
			}
			cfg.transports[name] = factory
		}

		return nil
	}
}

// WithPacketDumper attaches a capture sink receiving every sent and received
// datagram.
func WithPacketDumper(dumper PacketDumper) ConfigOption {
	return func(cfg *Config) error {
		cfg.dumper = dumper
		return nil
	}
}

// WithLogger sets the logger used by the interface and everything it owns.
func WithLogger(l logger.Logger) ConfigOption {
	return func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("link: logger is nil")
		}
		cfg.logger = l

		return nil
	}
}

// fileConfig mirrors the TOML representation of a Config.
type fileConfig struct {
	MTU               int   `toml:"mtu"`
	MaxFrameLength    int   `toml:"max_frame_length"`
	RestartIntervalMS int64 `toml:"restart_interval_ms"`
	MaxConfigure      int   `toml:"max_configure"`
	MaxTerminate      int   `toml:"max_terminate"`
	MaxFailure        int   `toml:"max_failure"`
	PingAttempts      int   `toml:"ping_attempts"`
	PingTimeoutMS     int64 `toml:"ping_timeout_ms"`
	SocketQueueSize   int   `toml:"socket_queue_size"`
}

// LoadConfigFile reads a TOML configuration file and returns a Config with
// the file's settings applied first and opts applied on top.
func LoadConfigFile(path string, opts ...ConfigOption) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("link: parse config file: %w", err)
	}

	fileOpts := make([]ConfigOption, 0, 8)
	if fc.MTU > 0 {
		fileOpts = append(fileOpts, WithMTU(fc.MTU))
	}
	if fc.MaxFrameLength > 0 {
		fileOpts = append(fileOpts, WithMaxFrameLength(fc.MaxFrameLength))
	}
	if fc.RestartIntervalMS > 0 {
		fileOpts = append(fileOpts, WithRestartInterval(time.Duration(fc.RestartIntervalMS)*time.Millisecond))
	}
	if fc.MaxConfigure > 0 {
		fileOpts = append(fileOpts, WithMaxConfigure(fc.MaxConfigure))
	}
	if fc.MaxTerminate > 0 {
		fileOpts = append(fileOpts, WithMaxTerminate(fc.MaxTerminate))
	}
	if fc.MaxFailure > 0 {
		fileOpts = append(fileOpts, WithMaxFailure(fc.MaxFailure))
	}
	if fc.PingAttempts > 0 {
		fileOpts = append(fileOpts, WithPingAttempts(fc.PingAttempts))
	}
	if fc.PingTimeoutMS > 0 {
		fileOpts = append(fileOpts, WithPingTimeout(time.Duration(fc.PingTimeoutMS)*time.Millisecond))
	}
	if fc.SocketQueueSize > 0 {
		fileOpts = append(fileOpts, WithSocketQueueSize(fc.SocketQueueSize))
	}

	return NewConfig(append(fileOpts, opts...)...)
}
