// Package config provides configuration management for gomine.
// Values come from built-in defaults, then an optional TOML file, then
// environment variables, each layer overriding the one before.
package config

import (
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Offload transports
const (
	OffloadNone   = ""
	OffloadStream = "stream"
	OffloadTCP    = "tcp"
	OffloadZMQ    = "zmq"
)

// Config holds the configuration of the miner
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string
	Network     string

	// Bitcoin Core connection
	BitcoinRPCHost       string
	BitcoinRPCPort       int
	BitcoinRPCUser       string
	BitcoinRPCPassword   string
	BitcoinZMQAddr       string
	TemplatePollInterval time.Duration

	// Work construction
	RewardAddress   string
	CoinbaseMessage string
	HeightPrefix    bool
	SearchTimeout   time.Duration

	// Local search
	Workers        int
	SampleInterval int
	UseSIMD        bool

	// Offload device
	OffloadTransport    string
	OffloadEndpoint     string
	OffloadTargetPrefix string
	OffloadFallback     bool
	OffloadDialTimeout  time.Duration

	// Sinks. An empty URL or broker list disables the sink.
	KafkaBrokers  []string
	EventEncoding string
	PostgresURL   string
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "gomine",
		Version:     "dev",
		Environment: "development",
		Network:     "mainnet",

		BitcoinRPCHost:       "localhost",
		BitcoinRPCPort:       8332,
		BitcoinZMQAddr:       "",
		TemplatePollInterval: 5 * time.Second,

		CoinbaseMessage: "Hello from gomine!",
		SearchTimeout:   60 * time.Second,

		SampleInterval: 1 << 20,
		UseSIMD:        true,

		OffloadDialTimeout: 5 * time.Second,
		OffloadFallback:    true,

		EventEncoding: "json",
		InfluxOrg:     "gomine",
		InfluxBucket:  "mining",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load loads configuration from environment variables over the defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads path as TOML beneath the environment. An empty path skips
// the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyTOML(data); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Network = getEnv("BITCOIN_NETWORK", c.Network)

	c.BitcoinRPCHost = getEnv("BITCOIN_RPC_HOST", c.BitcoinRPCHost)
	c.BitcoinRPCPort = getEnvInt("BITCOIN_RPC_PORT", c.BitcoinRPCPort)
	c.BitcoinRPCUser = getEnv("BITCOIN_RPC_USER", c.BitcoinRPCUser)
	c.BitcoinRPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.BitcoinRPCPassword)
	c.BitcoinZMQAddr = getEnv("BITCOIN_ZMQ_ADDR", c.BitcoinZMQAddr)
	c.TemplatePollInterval = getEnvDuration("TEMPLATE_POLL_INTERVAL", c.TemplatePollInterval)

	c.RewardAddress = getEnv("REWARD_ADDRESS", c.RewardAddress)
	c.CoinbaseMessage = getEnv("COINBASE_MESSAGE", c.CoinbaseMessage)
	c.HeightPrefix = getEnvBool("COINBASE_HEIGHT_PREFIX", c.HeightPrefix)
	c.SearchTimeout = getEnvDuration("SEARCH_TIMEOUT", c.SearchTimeout)

	c.Workers = getEnvInt("SEARCH_WORKERS", c.Workers)
	c.SampleInterval = getEnvInt("SEARCH_SAMPLE_INTERVAL", c.SampleInterval)
	c.UseSIMD = getEnvBool("SHA256_SIMD", c.UseSIMD)

	c.OffloadTransport = getEnv("OFFLOAD_TRANSPORT", c.OffloadTransport)
	c.OffloadEndpoint = getEnv("OFFLOAD_ENDPOINT", c.OffloadEndpoint)
	c.OffloadTargetPrefix = getEnv("OFFLOAD_TARGET_PREFIX", c.OffloadTargetPrefix)
	c.OffloadFallback = getEnvBool("OFFLOAD_FALLBACK", c.OffloadFallback)
	c.OffloadDialTimeout = getEnvDuration("OFFLOAD_DIAL_TIMEOUT", c.OffloadDialTimeout)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.EventEncoding = getEnv("EVENT_ENCODING", c.EventEncoding)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	if c.TemplatePollInterval <= 0 {
		return fmt.Errorf("TEMPLATE_POLL_INTERVAL must be positive")
	}

	if len(c.CoinbaseMessage) > 90 {
		return fmt.Errorf("COINBASE_MESSAGE must be at most 90 bytes")
	}

	if c.SearchTimeout < 0 {
		return fmt.Errorf("SEARCH_TIMEOUT cannot be negative")
	}

	if c.Workers < 0 {
		return fmt.Errorf("SEARCH_WORKERS cannot be negative")
	}

	if c.SampleInterval <= 0 || int64(c.SampleInterval) > math.MaxUint32 {
		return fmt.Errorf("SEARCH_SAMPLE_INTERVAL must be between 1 and 2^32-1")
	}

	switch c.OffloadTransport {
	case OffloadNone:
	case OffloadStream, OffloadTCP, OffloadZMQ:
		if c.OffloadEndpoint == "" {
			return fmt.Errorf("OFFLOAD_ENDPOINT is required for transport %q", c.OffloadTransport)
		}
	default:
		return fmt.Errorf("OFFLOAD_TRANSPORT must be one of stream, tcp, zmq")
	}

	if c.OffloadTargetPrefix != "" {
		b, err := hex.DecodeString(c.OffloadTargetPrefix)
		if err != nil || len(b) == 0 || len(b) > 32 {
			return fmt.Errorf("OFFLOAD_TARGET_PREFIX must be 1 to 32 hex bytes")
		}
	}

	if c.EventEncoding != "json" && c.EventEncoding != "proto" {
		return fmt.Errorf("EVENT_ENCODING must be json or proto")
	}

	return nil
}

// TargetPrefix returns the decoded device target prefix, nil when unset.
func (c *Config) TargetPrefix() []byte {
	if c.OffloadTargetPrefix == "" {
		return nil
	}
	b, _ := hex.DecodeString(c.OffloadTargetPrefix)
	return b
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fileConfig is the TOML layout. Zero values leave the lower layer alone,
// so booleans are pointers.
type fileConfig struct {
	Network string `toml:"network"`

	Node struct {
		RPCHost      string `toml:"rpc_host"`
		RPCPort      int    `toml:"rpc_port"`
		RPCUser      string `toml:"rpc_user"`
		RPCPassword  string `toml:"rpc_password"`
		ZMQAddr      string `toml:"zmq_addr"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"node"`

	Work struct {
		RewardAddress   string `toml:"reward_address"`
		CoinbaseMessage string `toml:"coinbase_message"`
		HeightPrefix    *bool  `toml:"height_prefix"`
		Timeout         string `toml:"timeout"`
	} `toml:"work"`

	Search struct {
		Workers        int   `toml:"workers"`
		SampleInterval int   `toml:"sample_interval"`
		SIMD           *bool `toml:"simd"`
	} `toml:"search"`

	Offload struct {
		Transport    string `toml:"transport"`
		Endpoint     string `toml:"endpoint"`
		TargetPrefix string `toml:"target_prefix"`
		Fallback     *bool  `toml:"fallback"`
		DialTimeout  string `toml:"dial_timeout"`
	} `toml:"offload"`

	Sinks struct {
		KafkaBrokers  []string `toml:"kafka_brokers"`
		EventEncoding string   `toml:"event_encoding"`
		PostgresURL   string   `toml:"postgres_url"`
		RedisURL      string   `toml:"redis_url"`
		InfluxURL     string   `toml:"influx_url"`
		InfluxToken   string   `toml:"influx_token"`
		InfluxOrg     string   `toml:"influx_org"`
		InfluxBucket  string   `toml:"influx_bucket"`
	} `toml:"sinks"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) applyTOML(data []byte) error {
	var f fileConfig
	if err := toml.Unmarshal(data, &f); err != nil {
		return err
	}

	setString(&c.Network, f.Network)
	setString(&c.BitcoinRPCHost, f.Node.RPCHost)
	setInt(&c.BitcoinRPCPort, f.Node.RPCPort)
	setString(&c.BitcoinRPCUser, f.Node.RPCUser)
	setString(&c.BitcoinRPCPassword, f.Node.RPCPassword)
	setString(&c.BitcoinZMQAddr, f.Node.ZMQAddr)
	if err := setDuration(&c.TemplatePollInterval, "node.poll_interval", f.Node.PollInterval); err != nil {
		return err
	}

	setString(&c.RewardAddress, f.Work.RewardAddress)
	setString(&c.CoinbaseMessage, f.Work.CoinbaseMessage)
	setBool(&c.HeightPrefix, f.Work.HeightPrefix)
	if err := setDuration(&c.SearchTimeout, "work.timeout", f.Work.Timeout); err != nil {
		return err
	}

	setInt(&c.Workers, f.Search.Workers)
	setInt(&c.SampleInterval, f.Search.SampleInterval)
	setBool(&c.UseSIMD, f.Search.SIMD)

	setString(&c.OffloadTransport, f.Offload.Transport)
	setString(&c.OffloadEndpoint, f.Offload.Endpoint)
	setString(&c.OffloadTargetPrefix, f.Offload.TargetPrefix)
	setBool(&c.OffloadFallback, f.Offload.Fallback)
	if err := setDuration(&c.OffloadDialTimeout, "offload.dial_timeout", f.Offload.DialTimeout); err != nil {
		return err
	}

	if len(f.Sinks.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Sinks.KafkaBrokers
	}
	setString(&c.EventEncoding, f.Sinks.EventEncoding)
	setString(&c.PostgresURL, f.Sinks.PostgresURL)
	setString(&c.RedisURL, f.Sinks.RedisURL)
	setString(&c.InfluxURL, f.Sinks.InfluxURL)
	setString(&c.InfluxToken, f.Sinks.InfluxToken)
	setString(&c.InfluxOrg, f.Sinks.InfluxOrg)
	setString(&c.InfluxBucket, f.Sinks.InfluxBucket)

	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
