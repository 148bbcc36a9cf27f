// Package config provides configuration loading for erc20-deployer.
//
// The configuration mirrors a Truffle project's truffle-config.js: a table of
// named networks, a compiler pin, enabled plugins and explorer API keys. Secrets
// are never stored in the file; network providers name the environment
// variables that hold them and the loader resolves those once.
//
// A networks entry in the file with the name of a built-in network is merged
// onto it: setting confirmations for rinkeby keeps its provider, network_id
// and skip_dry_run.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// VerifyPlugin is the plugin name that enables the verify command.
const VerifyPlugin = "truffle-plugin-verify"

// ErrUnknownNetwork is returned when a network name is not configured.
var ErrUnknownNetwork = errors.New("unknown network")

// Config holds all configuration for the deployer.
type Config struct {
	Networks    map[string]Network `mapstructure:"networks" yaml:"networks,omitempty"`
	Compilers   Compilers          `mapstructure:"compilers" yaml:"compilers,omitempty"`
	Plugins     []string           `mapstructure:"plugins" yaml:"plugins,omitempty"`
	APIKeys     APIKeys            `mapstructure:"api_keys" yaml:"api_keys,omitempty"`
	BuildDir    string             `mapstructure:"build_dir" yaml:"build_dir,omitempty"`
	ManifestDir string             `mapstructure:"manifest_dir" yaml:"manifest_dir,omitempty"`
	Etherscan   EtherscanConfig    `mapstructure:"etherscan" yaml:"etherscan,omitempty"`
	Database    DatabaseConfig     `mapstructure:"database" yaml:"database,omitempty"`
	Redis       RedisConfig        `mapstructure:"redis" yaml:"redis,omitempty"`
	Metrics     MetricsConfig      `mapstructure:"metrics" yaml:"metrics,omitempty"`
	Log         LogConfig          `mapstructure:"log" yaml:"log,omitempty"`
}

// Compilers pins the toolchain used to build the artifacts.
type Compilers struct {
	Solc SolcConfig `mapstructure:"solc" yaml:"solc,omitempty"`
}

// SolcConfig holds the solc version constraint, e.g. "0.8.12" or "^0.8.0".
type SolcConfig struct {
	Version string `mapstructure:"version" yaml:"version,omitempty"`
}

// APIKeys holds explorer API keys. EtherscanEnv names the variable the key is
// read from.
type APIKeys struct {
	EtherscanEnv string `mapstructure:"etherscan_env" yaml:"etherscan_env,omitempty"`
	Etherscan    string `mapstructure:"-" yaml:"etherscan,omitempty"`
}

// EtherscanConfig tunes the verification client.
type EtherscanConfig struct {
	// APIURLs overrides the explorer API URL per chain id ("4" -> URL).
	APIURLs      map[string]string `mapstructure:"api_urls" yaml:"api_urls,omitempty"`
	RateLimit    float64           `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	PollInterval time.Duration     `mapstructure:"poll_interval" yaml:"poll_interval,omitempty"`
}

// DatabaseConfig enables the Postgres deployment history when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn,omitempty"`
	MaxConns        int           `mapstructure:"max_conns" yaml:"max_conns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != ""
}

// RedisConfig enables the cross-process migration lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db,omitempty"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl,omitempty"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// MetricsConfig holds Prometheus Pushgateway settings.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url,omitempty"`
	Job            string `mapstructure:"job" yaml:"job,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level,omitempty"` // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format,omitempty"` // text, json
}

// Options controls how Load finds its inputs.
type Options struct {
	// ConfigFile is an explicit config path. When empty, deployer.yaml is
	// searched in ".", "./config" and "$HOME/.erc20-deployer".
	ConfigFile string
	// Getenv resolves provider secrets. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load reads configuration from the built-in network table, an optional
// config file, and environment variables.
func Load(opts Options) (*Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("deployer")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.erc20-deployer")
		}
	}

	v.SetEnvPrefix("ERC20_DEPLOYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// File networks overlay the built-in table. Fields a file entry sets
	// replace the built-in values; the rest are kept.
	networks := DefaultNetworks()
	for name, n := range cfg.Networks {
		key := strings.ToLower(name)
		base, ok := networks[key]
		if !ok {
			networks[key] = n
			continue
		}
		if sub := v.Sub("networks." + key); sub != nil {
			if err := sub.Unmarshal(&base); err != nil {
				return nil, fmt.Errorf("failed to unmarshal network %s: %w", key, err)
			}
		}
		networks[key] = base
	}
	for name, n := range networks {
		networks[name] = n.resolve(getenv)
	}
	cfg.Networks = networks

	if cfg.APIKeys.EtherscanEnv != "" {
		cfg.APIKeys.Etherscan = getenv(cfg.APIKeys.EtherscanEnv)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("compilers.solc.version", "0.8.12")
	v.SetDefault("plugins", []string{VerifyPlugin})
	v.SetDefault("api_keys.etherscan_env", "ETHERSCAN_API_KEY")

	v.SetDefault("build_dir", "build/contracts")
	v.SetDefault("manifest_dir", ".deployments")

	v.SetDefault("etherscan.rate_limit", 5.0)
	v.SetDefault("etherscan.poll_interval", "5s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30m")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "erc20_deployer")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Network returns the named network.
func (c *Config) Network(name string) (Network, error) {
	n, ok := c.Networks[strings.ToLower(name)]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q (configured: %s)", ErrUnknownNetwork, name, strings.Join(c.NetworkNames(), ", "))
	}
	return n, nil
}

// NetworkNames returns the configured network names in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VerifyEnabled reports whether the verification plugin is enabled.
func (c *Config) VerifyEnabled() bool {
	for _, p := range c.Plugins {
		if p == VerifyPlugin || p == "verify" {
			return true
		}
	}
	return false
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	out := c
	out.Networks = make(map[string]Network, len(c.Networks))
	for name, n := range c.Networks {
		if n.Provider != nil {
			p := *n.Provider
			p.PrivateKey = mask(p.PrivateKey)
			p.APIKey = mask(p.APIKey)
			n.Provider = &p
		}
		out.Networks[name] = n
	}
	out.APIKeys.Etherscan = mask(c.APIKeys.Etherscan)
	out.Redis.Password = mask(c.Redis.Password)
	out.Database.DSN = mask(c.Database.DSN)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
