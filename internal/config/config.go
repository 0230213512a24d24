package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values
const (
	DefaultRelayURL           = "ws://localhost:8080/ws"
	DefaultListenAddr         = ":8080"
	DefaultCodec              = "json"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultBaseBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff         = 30 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
)

// Environment variables consulted when a flag is not set
const (
	EnvRelayURL           = "WARPMESH_RELAY"
	EnvListenAddr         = "WARPMESH_LISTEN"
	EnvCodec              = "WARPMESH_CODEC"
	EnvForceRelay         = "WARPMESH_FORCE_RELAY"
	EnvBaseBackoff        = "WARPMESH_BASE_BACKOFF"
	EnvMaxBackoff         = "WARPMESH_MAX_BACKOFF"
	EnvNegotiationTimeout = "WARPMESH_NEGOTIATION_TIMEOUT"
	EnvSTUNServer         = "STUN_SERVER"
	EnvTURNServer         = "TURN_SERVER"
	EnvTURNUser           = "TURN_USERNAME"
	EnvTURNPass           = "TURN_PASSWORD"
)

// Config holds application configuration
type Config struct {
	// RelayURL is the websocket endpoint of the signaling relay
	RelayURL string

	// ListenAddr is where the relay server listens
	ListenAddr string

	// Codec is the relay wire codec: json or msgpack
	Codec string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Reconnection and negotiation timing
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	NegotiationTimeout time.Duration
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	RelayURL           string
	ListenAddr         string
	Codec              string
	STUNServer         string
	TURNServer         string
	TURNUser           string
	TURNPass           string
	ForceRelay         bool
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	NegotiationTimeout time.Duration
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		RelayURL:   stringValue(opts.RelayURL, EnvRelayURL, DefaultRelayURL),
		ListenAddr: stringValue(opts.ListenAddr, EnvListenAddr, DefaultListenAddr),
		Codec:      strings.ToLower(stringValue(opts.Codec, EnvCodec, DefaultCodec)),
		STUNServer: stringValue(opts.STUNServer, EnvSTUNServer, DefaultSTUN),
		TURNServer: stringValue(opts.TURNServer, EnvTURNServer, ""),
		TURNUser:   stringValue(opts.TURNUser, EnvTURNUser, ""),
		TURNPass:   stringValue(opts.TURNPass, EnvTURNPass, ""),
		ForceRelay: opts.ForceRelay,
	}

	if cfg.Codec != "json" && cfg.Codec != "msgpack" {
		return nil, fmt.Errorf("unsupported codec %q: want json or msgpack", cfg.Codec)
	}

	// Force relay: CLI flag > env
	if !cfg.ForceRelay {
		if v, ok := os.LookupEnv(EnvForceRelay); ok && v != "" {
			force, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", EnvForceRelay, err)
			}
			cfg.ForceRelay = force
		}
	}

	var err error
	if cfg.BaseBackoff, err = durationValue(opts.BaseBackoff, EnvBaseBackoff, DefaultBaseBackoff); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = durationValue(opts.MaxBackoff, EnvMaxBackoff, DefaultMaxBackoff); err != nil {
		return nil, err
	}
	if cfg.NegotiationTimeout, err = durationValue(opts.NegotiationTimeout, EnvNegotiationTimeout, DefaultNegotiationTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		return nil, fmt.Errorf("max backoff %s is below base backoff %s", cfg.MaxBackoff, cfg.BaseBackoff)
	}

	return cfg, nil
}

func stringValue(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func durationValue(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", env)
	}
	return d, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turn:"), "turns:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
