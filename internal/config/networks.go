package config

import (
	"fmt"
	"sort"
)

// Provider kinds.
const (
	ProviderPrivateKey   = "private-key"
	ProviderRemoteSigner = "remote-signer"
)

// DefaultHost is used for host/port networks that omit host.
const DefaultHost = "127.0.0.1"

// AnyNetworkID matches any chain.
const AnyNetworkID = "*"

// Network is one named connection profile. A network either points at a
// local node (Host/Port) or carries a signing Provider.
type Network struct {
	Host       string          `mapstructure:"host" yaml:"host,omitempty"`
	Port       int             `mapstructure:"port" yaml:"port,omitempty"`
	NetworkID  string          `mapstructure:"network_id" yaml:"network_id,omitempty"`
	Provider   *ProviderConfig `mapstructure:"provider" yaml:"provider,omitempty"`
	SkipDryRun bool            `mapstructure:"skip_dry_run" yaml:"skip_dry_run,omitempty"`

	From          string `mapstructure:"from" yaml:"from,omitempty"`
	Gas           uint64 `mapstructure:"gas" yaml:"gas,omitempty"`
	GasPrice      string `mapstructure:"gas_price" yaml:"gas_price,omitempty"` // e.g. "20gwei"
	Confirmations uint64 `mapstructure:"confirmations" yaml:"confirmations,omitempty"`
	TimeoutBlocks uint64 `mapstructure:"timeout_blocks" yaml:"timeout_blocks,omitempty"`
}

// ProviderConfig describes how to build a signing provider. The *Env fields
// name environment variables; the matching plain fields hold the resolved
// values and are never read from the file.
type ProviderConfig struct {
	Kind          string `mapstructure:"kind" yaml:"kind,omitempty"`
	PrivateKeyEnv string `mapstructure:"private_key_env" yaml:"private_key_env,omitempty"`
	URLEnv        string `mapstructure:"url_env" yaml:"url_env,omitempty"`
	SignerURLEnv  string `mapstructure:"signer_url_env" yaml:"signer_url_env,omitempty"`
	APIKeyEnv     string `mapstructure:"api_key_env" yaml:"api_key_env,omitempty"`

	PrivateKey string `mapstructure:"-" yaml:"private_key,omitempty"`
	URL        string `mapstructure:"-" yaml:"url,omitempty"`
	SignerURL  string `mapstructure:"-" yaml:"signer_url,omitempty"`
	APIKey     string `mapstructure:"-" yaml:"api_key,omitempty"`
}

// DefaultNetworks returns the built-in network table.
func DefaultNetworks() map[string]Network {
	return map[string]Network{
		"development": {
			Host:      DefaultHost,
			Port:      8545,
			NetworkID: AnyNetworkID,
		},
		"develop": {
			Port: 8545,
		},
		"rinkeby": {
			Provider:   privateKeyProvider("PRIVATE_KEY", "RINKEBY_INFURA_URL"),
			NetworkID:  "4",
			SkipDryRun: true,
		},
		"ropsten": {
			Provider:   privateKeyProvider("PRIVATE_KEY", "ROPSTEN_INFURA_URL"),
			NetworkID:  "3",
			SkipDryRun: true,
		},
	}
}

func privateKeyProvider(keyEnv, urlEnv string) *ProviderConfig {
	return &ProviderConfig{
		Kind:          ProviderPrivateKey,
		PrivateKeyEnv: keyEnv,
		URLEnv:        urlEnv,
	}
}

// resolve fills provider values from the environment. It never fails: an
// absent variable resolves to an empty string.
func (n Network) resolve(getenv func(string) string) Network {
	if n.Provider == nil {
		return n
	}
	p := *n.Provider
	if p.Kind == "" {
		p.Kind = ProviderPrivateKey
	}
	if p.PrivateKeyEnv != "" {
		p.PrivateKey = getenv(p.PrivateKeyEnv)
	}
	if p.URLEnv != "" {
		p.URL = getenv(p.URLEnv)
	}
	if p.SignerURLEnv != "" {
		p.SignerURL = getenv(p.SignerURLEnv)
	}
	if p.APIKeyEnv != "" {
		p.APIKey = getenv(p.APIKeyEnv)
	}
	n.Provider = &p
	return n
}

// Keys returns the truffle-config keys this network declares, sorted.
func (n Network) Keys() []string {
	var keys []string
	add := func(set bool, key string) {
		if set {
			keys = append(keys, key)
		}
	}
	add(n.Host != "", "host")
	add(n.Port != 0, "port")
	add(n.NetworkID != "", "network_id")
	add(n.Provider != nil, "provider")
	add(n.SkipDryRun, "skipDryRun")
	add(n.From != "", "from")
	add(n.Gas != 0, "gas")
	add(n.GasPrice != "", "gasPrice")
	add(n.Confirmations != 0, "confirmations")
	add(n.TimeoutBlocks != 0, "timeoutBlocks")
	sort.Strings(keys)
	return keys
}

// IsLocal reports whether the network talks to a node directly rather than
// through a provider.
func (n Network) IsLocal() bool {
	return n.Provider == nil
}

// RPCURL returns the JSON-RPC endpoint of the network.
func (n Network) RPCURL() string {
	if n.Provider != nil {
		return n.Provider.URL
	}
	host := n.Host
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("http://%s:%d", host, n.Port)
}

// MatchesNetworkID reports whether a node reporting id satisfies the
// network's network_id. An empty network_id behaves like "*".
func (n Network) MatchesNetworkID(id string) bool {
	return n.NetworkID == "" || n.NetworkID == AnyNetworkID || n.NetworkID == id
}
