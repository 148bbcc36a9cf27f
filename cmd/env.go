package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/provider"
)

// newBuilder creates the provider builder. Tests replace it to dial an
// in-memory chain.
var newBuilder = provider.NewBuilder

// networkEnv is everything a command needs to send transactions to the
// selected network.
type networkEnv struct {
	cfg       *config.Config
	name      string
	network   config.Network
	provider  *provider.Provider
	deployer  *deployer.Deployer
	artifacts *artifact.Store
	manifest  *manifest.Session
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func openNetwork(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*networkEnv, error) {
	n, err := cfg.Network(networkName)
	if err != nil {
		return nil, err
	}
	gasPrice, err := n.GasPriceWei()
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", networkName, err)
	}
	artifacts, err := artifact.NewStore(cfg.BuildDir, cfg.Compilers.Solc.Version)
	if err != nil {
		return nil, err
	}

	p, err := newBuilder(logger).ForNetwork(ctx, networkName, n)
	if err != nil {
		return nil, err
	}
	session, err := manifest.NewStore(cfg.ManifestDir).Open(p.ChainID.Uint64())
	if err != nil {
		p.Close()
		return nil, err
	}

	met := metrics.New()
	d := deployer.FromProvider(p, deployer.Options{
		Network:       networkName,
		Gas:           n.Gas,
		GasPrice:      gasPrice,
		Confirmations: n.Confirmations,
		TimeoutBlocks: n.TimeoutBlocks,
		Metrics:       met,
		Logger:        logger,
	})

	return &networkEnv{
		cfg:       cfg,
		name:      networkName,
		network:   n,
		provider:  p,
		deployer:  d,
		artifacts: artifacts,
		manifest:  session,
		metrics:   met,
		logger:    logger,
	}, nil
}

// pushMetrics sends the run's metrics to the configured Pushgateway. Push
// failures are logged only.
func (e *networkEnv) pushMetrics(ctx context.Context) {
	if err := e.metrics.Push(ctx, e.cfg.Metrics.PushgatewayURL, e.cfg.Metrics.Job); err != nil {
		e.logger.Warn("Failed to push metrics", slog.String("error", err.Error()))
	}
}

func (e *networkEnv) Close() {
	e.provider.Close()
}
