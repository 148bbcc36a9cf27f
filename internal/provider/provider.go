// Package provider builds the signing provider for a configured network: a
// chain connection paired with the account that sends transactions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/erc20simple/erc20-deployer/internal/chain"
	"github.com/erc20simple/erc20-deployer/internal/config"
)

// Provider kinds. The first two mirror config; KindNode is used for
// host/port networks.
const (
	KindPrivateKey   = config.ProviderPrivateKey
	KindRemoteSigner = config.ProviderRemoteSigner
	KindNode         = "node"
)

var (
	// ErrNetworkMismatch is returned when the endpoint reports a different
	// network id than the one configured.
	ErrNetworkMismatch = errors.New("network id mismatch")
	// ErrNoAccounts is returned when a node exposes no accounts.
	ErrNoAccounts = errors.New("node has no accounts")
)

// Provider is a connected backend plus the signer used for transactions.
type Provider struct {
	Kind    string
	URL     string
	ChainID *big.Int
	Backend chain.Backend
	Signer  Signer
}

// From returns the sending account.
func (p *Provider) From() common.Address {
	return p.Signer.Address()
}

// Close releases the backend connection.
func (p *Provider) Close() {
	if p.Backend != nil {
		p.Backend.Close()
	}
}

// Dialer opens a chain connection. Tests swap it for an in-memory backend.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Conn is a backend that can also list node accounts.
type Conn interface {
	chain.Backend
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Builder creates providers for configured networks.
type Builder struct {
	Dial       Dialer
	HTTPClient HTTPClient
	Logger     *slog.Logger
}

// NewBuilder returns a Builder that dials real endpoints.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		Dial: func(ctx context.Context, url string) (Conn, error) {
			c, err := chain.Dial(ctx, url)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Logger: logger,
	}
}

var validate = validator.New()

type privateKeySettings struct {
	PrivateKey string `validate:"required"`
	URL        string `validate:"required,url"`
}

type remoteSignerSettings struct {
	URL       string `validate:"required,url"`
	SignerURL string `validate:"required,url"`
	From      string `validate:"omitempty,eth_addr"`
}

type nodeSettings struct {
	Port int    `validate:"required,min=1,max=65535"`
	From string `validate:"omitempty,eth_addr"`
}

// ForNetwork validates the network's settings, connects to its endpoint and
// checks the reported network id. Validation only happens here, when a
// network is actually used.
func (b *Builder) ForNetwork(ctx context.Context, name string, n config.Network) (*Provider, error) {
	var (
		p   *Provider
		err error
	)
	switch {
	case n.Provider == nil:
		p, err = b.node(ctx, name, n)
	case n.Provider.Kind == KindPrivateKey:
		p, err = b.privateKey(ctx, name, n)
	case n.Provider.Kind == KindRemoteSigner:
		p, err = b.remoteSigner(ctx, name, n)
	default:
		return nil, fmt.Errorf("network %s: unknown provider kind %q", name, n.Provider.Kind)
	}
	if err != nil {
		return nil, err
	}

	if err := CheckNetworkID(ctx, p.Backend, n); err != nil {
		p.Close()
		return nil, fmt.Errorf("network %s: %w", name, err)
	}

	b.Logger.Info("Provider ready",
		slog.String("network", name),
		slog.String("kind", p.Kind),
		slog.String("chain_id", p.ChainID.String()),
		slog.String("from", p.From().Hex()),
	)
	return p, nil
}

func (b *Builder) privateKey(ctx context.Context, name string, n config.Network) (*Provider, error) {
	pc := n.Provider
	err := validateSettings(name, privateKeySettings{PrivateKey: pc.PrivateKey, URL: pc.URL}, map[string]string{
		"PrivateKey": envLabel(pc.PrivateKeyEnv, "private key"),
		"URL":        envLabel(pc.URLEnv, "RPC URL"),
	})
	if err != nil {
		return nil, err
	}

	conn, chainID, err := b.connect(ctx, pc.URL)
	if err != nil {
		return nil, err
	}
	signer, err := NewKeySigner(pc.PrivateKey, chainID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("network %s: %w", name, err)
	}
	if n.From != "" && !strings.EqualFold(n.From, signer.Address().Hex()) {
		conn.Close()
		return nil, fmt.Errorf("network %s: from %s does not match private key account %s", name, n.From, signer.Address().Hex())
	}
	return &Provider{Kind: KindPrivateKey, URL: pc.URL, ChainID: chainID, Backend: conn, Signer: signer}, nil
}

func (b *Builder) remoteSigner(ctx context.Context, name string, n config.Network) (*Provider, error) {
	pc := n.Provider
	err := validateSettings(name, remoteSignerSettings{URL: pc.URL, SignerURL: pc.SignerURL, From: n.From}, map[string]string{
		"URL":       envLabel(pc.URLEnv, "RPC URL"),
		"SignerURL": envLabel(pc.SignerURLEnv, "signer URL"),
		"From":      "from",
	})
	if err != nil {
		return nil, err
	}

	conn, chainID, err := b.connect(ctx, pc.URL)
	if err != nil {
		return nil, err
	}

	from := common.HexToAddress(n.From)
	if n.From == "" {
		// Ask the signing service which key it holds.
		signerConn, err := b.Dial(ctx, pc.SignerURL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		from, err = firstAccount(ctx, signerConn, "")
		signerConn.Close()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("network %s: signer: %w", name, err)
		}
	}

	signer := NewRPCSigner(RPCSignerConfig{
		Endpoint:   pc.SignerURL,
		APIKey:     pc.APIKey,
		From:       from,
		ChainID:    chainID,
		HTTPClient: b.HTTPClient,
		Logger:     b.Logger,
	})
	return &Provider{Kind: KindRemoteSigner, URL: pc.URL, ChainID: chainID, Backend: conn, Signer: signer}, nil
}

func (b *Builder) node(ctx context.Context, name string, n config.Network) (*Provider, error) {
	err := validateSettings(name, nodeSettings{Port: n.Port, From: n.From}, map[string]string{
		"Port": "port",
		"From": "from",
	})
	if err != nil {
		return nil, err
	}

	url := n.RPCURL()
	conn, chainID, err := b.connect(ctx, url)
	if err != nil {
		return nil, err
	}
	from, err := firstAccount(ctx, conn, n.From)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("network %s: %w", name, err)
	}

	signer := NewRPCSigner(RPCSignerConfig{
		Endpoint:   url,
		From:       from,
		ChainID:    chainID,
		MaxRetries: 1,
		HTTPClient: b.HTTPClient,
		Logger:     b.Logger,
	})
	return &Provider{Kind: KindNode, URL: url, ChainID: chainID, Backend: conn, Signer: signer}, nil
}

func (b *Builder) connect(ctx context.Context, url string) (Conn, *big.Int, error) {
	conn, err := b.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to get chain ID from %s: %w", url, err)
	}
	return conn, chainID, nil
}

// firstAccount picks want from the node's accounts, or the first account
// when want is empty.
func firstAccount(ctx context.Context, conn Conn, want string) (common.Address, error) {
	accounts, err := conn.Accounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccounts
	}
	if want == "" {
		return accounts[0], nil
	}
	target := common.HexToAddress(want)
	for _, a := range accounts {
		if a == target {
			return a, nil
		}
	}
	return common.Address{}, fmt.Errorf("account %s is not managed by the node", target.Hex())
}

// CheckNetworkID compares the endpoint's net_version with the configured
// network_id. "*" and an empty id match anything.
func CheckNetworkID(ctx context.Context, backend chain.Backend, n config.Network) error {
	if n.NetworkID == "" || n.NetworkID == config.AnyNetworkID {
		return nil
	}
	id, err := backend.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get network ID: %w", err)
	}
	if !n.MatchesNetworkID(id.String()) {
		return fmt.Errorf("%w: endpoint reports %s, configured %s", ErrNetworkMismatch, id, n.NetworkID)
	}
	return nil
}

// validateSettings runs struct validation and reports every failing field
// by the name the user configures it under.
func validateSettings(network string, settings any, labels map[string]string) error {
	err := validate.Struct(settings)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var result *multierror.Error
	for _, fe := range verrs {
		label := labels[fe.Field()]
		if label == "" {
			label = fe.Field()
		}
		if fe.Tag() == "required" {
			result = multierror.Append(result, fmt.Errorf("%s is not set", label))
		} else {
			result = multierror.Append(result, fmt.Errorf("%s is invalid (%s)", label, fe.Tag()))
		}
	}
	return fmt.Errorf("network %s: %w", network, result.ErrorOrNil())
}

func envLabel(env, what string) string {
	if env == "" {
		return what
	}
	return "$" + env
}
