// Package config holds the transport Parameters and their loading from YAML
// files and RUDP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxUDPPayload is the largest datagram payload UDP can carry over IPv4.
const MaxUDPPayload = 65507

// DataHeaderSize is the fixed size of a data packet header.
const DataHeaderSize = 16

// LinkType describes the expected capacity of the local link. It seeds the
// initial congestion-control sending rate.
type LinkType string

const (
	LinkWireless     LinkType = "wireless"
	LinkT1           LinkType = "t1"
	LinkE1           LinkType = "e1"
	LinkEthernet10M  LinkType = "10m-ethernet"
	LinkEthernet100M LinkType = "100m-ethernet"
	LinkEthernet1G   LinkType = "1g-ethernet"
)

var linkCapacity = map[LinkType]float64{
	LinkWireless:     11e6,
	LinkT1:           1.544e6,
	LinkE1:           2.048e6,
	LinkEthernet10M:  10e6,
	LinkEthernet100M: 100e6,
	LinkEthernet1G:   1e9,
}

// BitsPerSecond returns the nominal capacity of the link.
func (l LinkType) BitsPerSecond() float64 {
	if bps, ok := linkCapacity[l]; ok {
		return bps
	}
	return linkCapacity[LinkEthernet1G]
}

// Parameters is the immutable tuning surface shared by every component.
// A value must not be modified once it has been handed to a Multiplexer or
// ConnectionManager.
type Parameters struct {
	// ThreadCount bounds concurrent connect and ping workers.
	ThreadCount int `mapstructure:"thread_count" yaml:"thread_count"`
	// MaxTransports bounds the live connections one ConnectionManager registers.
	MaxTransports int `mapstructure:"max_transports" yaml:"max_transports"`

	// Congestion window, in packets.
	DefaultWindowSize uint32 `mapstructure:"default_window_size" yaml:"default_window_size"`
	MaximumWindowSize uint32 `mapstructure:"maximum_window_size" yaml:"maximum_window_size"`

	// Datagram size, including the packet header.
	DefaultSize uint32 `mapstructure:"default_size" yaml:"default_size"`
	MaxSize     uint32 `mapstructure:"max_size" yaml:"max_size"`

	// Payload carried by one data packet.
	DefaultDataSize uint32 `mapstructure:"default_data_size" yaml:"default_data_size"`
	MaxDataSize     uint32 `mapstructure:"max_data_size" yaml:"max_data_size"`

	// DefaultSendTimeout is the retransmission timeout for unacknowledged data
	// and the handshake/ping resend interval.
	DefaultSendTimeout time.Duration `mapstructure:"default_send_timeout" yaml:"default_send_timeout"`
	// DefaultReceiveTimeout is the interval at which missing packets are re-NAKed.
	DefaultReceiveTimeout time.Duration `mapstructure:"default_receive_timeout" yaml:"default_receive_timeout"`
	// DefaultSendDelay is the minimum gap between two paced data packets.
	DefaultSendDelay time.Duration `mapstructure:"default_send_delay" yaml:"default_send_delay"`
	// DefaultReceiveDelay is how long a detected gap may persist before it is NAKed.
	DefaultReceiveDelay time.Duration `mapstructure:"default_receive_delay" yaml:"default_receive_delay"`
	// DefaultAckTimeout is how long an ack may stay unconfirmed before it is resent.
	DefaultAckTimeout      time.Duration `mapstructure:"default_ack_timeout" yaml:"default_ack_timeout"`
	AckInterval            time.Duration `mapstructure:"ack_interval" yaml:"ack_interval"`
	SpeedCalculateInterval time.Duration `mapstructure:"speed_calculate_interval" yaml:"speed_calculate_interval"`
	// SlowSpeedThreshold in bits per second. Zero disables the check.
	SlowSpeedThreshold uint32 `mapstructure:"slow_speed_threshold" yaml:"slow_speed_threshold"`

	RendezvousConnectTimeout time.Duration `mapstructure:"rendezvous_connect_timeout" yaml:"rendezvous_connect_timeout"`
	BootstrapConnectTimeout  time.Duration `mapstructure:"bootstrap_connect_timeout" yaml:"bootstrap_connect_timeout"`
	PingTimeout              time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`

	KeepaliveInterval        time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	KeepaliveTimeout         time.Duration `mapstructure:"keepalive_timeout" yaml:"keepalive_timeout"`
	MaximumKeepaliveFailures uint32        `mapstructure:"maximum_keepalive_failures" yaml:"maximum_keepalive_failures"`

	// BootstrapConnectionLifespan is how long a temporary or unvalidated
	// connection lives before it is closed.
	BootstrapConnectionLifespan time.Duration `mapstructure:"bootstrap_connection_lifespan" yaml:"bootstrap_connection_lifespan"`
	// DisconnectionTimeout bounds the flush of pending data after Close.
	DisconnectionTimeout time.Duration `mapstructure:"disconnection_timeout" yaml:"disconnection_timeout"`

	ConnectionType LinkType `mapstructure:"connection_type" yaml:"connection_type"`

	// DefaultPort is tried first when a Multiplexer is opened on port 0.
	// Zero disables the attempt.
	DefaultPort uint16 `mapstructure:"default_port" yaml:"default_port"`
	// SocketBufferSize sets SO_RCVBUF/SO_SNDBUF on the UDP socket. Zero keeps
	// the OS defaults.
	SocketBufferSize int `mapstructure:"socket_buffer_size" yaml:"socket_buffer_size"`
	// MaxMessageSize bounds a single message handed to Send.
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size"`
}

// Default returns Parameters populated with the stock values.
func Default() *Parameters {
	return &Parameters{
		ThreadCount:                 8,
		MaxTransports:               64,
		DefaultWindowSize:           16,
		MaximumWindowSize:           512,
		DefaultSize:                 1480,
		MaxSize:                     25980,
		DefaultDataSize:             1480 - DataHeaderSize,
		MaxDataSize:                 25980 - DataHeaderSize,
		DefaultSendTimeout:          1 * time.Second,
		DefaultReceiveTimeout:       200 * time.Millisecond,
		DefaultSendDelay:            10 * time.Microsecond,
		DefaultReceiveDelay:         10 * time.Millisecond,
		DefaultAckTimeout:           1 * time.Second,
		AckInterval:                 100 * time.Millisecond,
		SpeedCalculateInterval:      1 * time.Second,
		SlowSpeedThreshold:          1024,
		RendezvousConnectTimeout:    10 * time.Second,
		BootstrapConnectTimeout:     5 * time.Second,
		PingTimeout:                 2 * time.Second,
		KeepaliveInterval:           2 * time.Second,
		KeepaliveTimeout:            1 * time.Second,
		MaximumKeepaliveFailures:    5,
		BootstrapConnectionLifespan: 10 * time.Minute,
		DisconnectionTimeout:        1 * time.Second,
		ConnectionType:              LinkEthernet1G,
		DefaultPort:                 5483,
		SocketBufferSize:            0,
		MaxMessageSize:              8 << 20,
	}
}

// Load reads Parameters from path (if non-empty), otherwise searches the
// usual locations for rudp.yaml. Environment variables prefixed with RUDP_
// override file values, e.g. RUDP_ACK_INTERVAL=50ms.
func Load(path string) (*Parameters, error) {
	p := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RUDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	for key, value := range p.settings() {
		v.SetDefault(key, value)
	}

	if path == "" {
		if envPath := os.Getenv("RUDP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rudp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rudp"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// settings flattens p into viper keys.
func (p *Parameters) settings() map[string]any {
	return map[string]any{
		"thread_count":                  p.ThreadCount,
		"max_transports":                p.MaxTransports,
		"default_window_size":           p.DefaultWindowSize,
		"maximum_window_size":           p.MaximumWindowSize,
		"default_size":                  p.DefaultSize,
		"max_size":                      p.MaxSize,
		"default_data_size":             p.DefaultDataSize,
		"max_data_size":                 p.MaxDataSize,
		"default_send_timeout":          p.DefaultSendTimeout,
		"default_receive_timeout":       p.DefaultReceiveTimeout,
		"default_send_delay":            p.DefaultSendDelay,
		"default_receive_delay":         p.DefaultReceiveDelay,
		"default_ack_timeout":           p.DefaultAckTimeout,
		"ack_interval":                  p.AckInterval,
		"speed_calculate_interval":      p.SpeedCalculateInterval,
		"slow_speed_threshold":          p.SlowSpeedThreshold,
		"rendezvous_connect_timeout":    p.RendezvousConnectTimeout,
		"bootstrap_connect_timeout":     p.BootstrapConnectTimeout,
		"ping_timeout":                  p.PingTimeout,
		"keepalive_interval":            p.KeepaliveInterval,
		"keepalive_timeout":             p.KeepaliveTimeout,
		"maximum_keepalive_failures":    p.MaximumKeepaliveFailures,
		"bootstrap_connection_lifespan": p.BootstrapConnectionLifespan,
		"disconnection_timeout":         p.DisconnectionTimeout,
		"connection_type":               string(p.ConnectionType),
		"default_port":                  p.DefaultPort,
		"socket_buffer_size":            p.SocketBufferSize,
		"max_message_size":              p.MaxMessageSize,
	}
}

// Validate checks the relations between fields.
func (p *Parameters) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(p.ThreadCount > 0, "thread_count must be positive")
	check(p.MaxTransports > 0, "max_transports must be positive")
	check(p.DefaultWindowSize >= 2, "default_window_size must be at least 2")
	check(p.DefaultWindowSize <= p.MaximumWindowSize, "default_window_size exceeds maximum_window_size")
	check(p.MaxSize <= MaxUDPPayload, "max_size %d exceeds the UDP payload limit %d", p.MaxSize, MaxUDPPayload)
	check(p.DefaultSize <= p.MaxSize, "default_size exceeds max_size")
	check(p.DefaultDataSize > 0 && p.DefaultDataSize+DataHeaderSize <= p.DefaultSize,
		"default_data_size must fit default_size")
	check(p.MaxDataSize+DataHeaderSize <= p.MaxSize, "max_data_size must fit max_size")
	check(p.DefaultDataSize <= p.MaxDataSize, "default_data_size exceeds max_data_size")
	check(p.DefaultSendTimeout > 0, "default_send_timeout must be positive")
	check(p.DefaultReceiveTimeout > 0, "default_receive_timeout must be positive")
	check(p.DefaultAckTimeout > 0, "default_ack_timeout must be positive")
	check(p.AckInterval > 0, "ack_interval must be positive")
	check(p.SpeedCalculateInterval > 0, "speed_calculate_interval must be positive")
	check(p.KeepaliveInterval > 0, "keepalive_interval must be positive")
	check(p.KeepaliveTimeout > 0 && p.KeepaliveTimeout < p.KeepaliveInterval,
		"keepalive_timeout must be positive and shorter than keepalive_interval")
	check(p.PingTimeout > 0, "ping_timeout must be positive")
	check(p.DisconnectionTimeout >= 0, "disconnection_timeout must not be negative")
	check(p.MaxMessageSize > 0 && p.MaxMessageSize <= math.MaxInt32, "max_message_size out of range")
	if _, ok := linkCapacity[p.ConnectionType]; !ok {
		errs = append(errs, fmt.Errorf("unknown connection_type %q", p.ConnectionType))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid parameters: %w", errors.Join(errs...))
	}
	return nil
}
