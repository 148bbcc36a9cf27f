// Package verify publishes contract sources to Etherscan, the way
// truffle-plugin-verify does, using the deployment manifest to find what was
// deployed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
)

// Verification outcomes, also used as metric labels.
const (
	OutcomeVerified = "verified"
	OutcomeSkipped  = "already"
	OutcomeFailed   = "failed"
)

// Target is one deployed contract to verify.
type Target struct {
	Contract        string
	Address         common.Address
	ConstructorArgs []byte
}

// Options tunes a Verifier.
type Options struct {
	// PollInterval is the delay between status checks.
	PollInterval time.Duration
	// MaxPolls bounds status checks per request.
	MaxPolls int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Artifacts resolves contract artifacts by name.
type Artifacts interface {
	Require(name string) (*artifact.Artifact, error)
}

// Verifier verifies contracts against one explorer.
type Verifier struct {
	etherscan *EtherscanClient
	artifacts Artifacts
	sources   SourceLookup
	opts      Options
	logger    *slog.Logger

	numVerified int
	numSkipped  int
	numFailed   int
}

// NewVerifier creates a Verifier.
func NewVerifier(client *EtherscanClient, artifacts Artifacts, sources SourceLookup, opts Options) *Verifier {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 24
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{etherscan: client, artifacts: artifacts, sources: sources, opts: opts, logger: logger}
}

// Counts returns how many contracts were verified, skipped and failed.
func (v *Verifier) Counts() (verified, skipped, failed int) {
	return v.numVerified, v.numSkipped, v.numFailed
}

// VerifyAll verifies every target and links every proxy. Failures do not
// stop the remaining contracts; they are returned together.
func (v *Verifier) VerifyAll(ctx context.Context, targets []Target, proxies []manifest.Proxy) error {
	var result *multierror.Error
	for _, t := range targets {
		if err := v.VerifyContract(ctx, t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, p := range proxies {
		if err := v.VerifyProxy(ctx, p.Address, p.Implementation); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// VerifyContract submits one contract's source and waits for the verdict.
func (v *Verifier) VerifyContract(ctx context.Context, t Target) error {
	logger := v.logger.With(slog.String("contract", t.Contract), slog.String("address", t.Address.Hex()))

	verified, err := v.etherscan.IsVerified(ctx, t.Address)
	if err != nil {
		return v.fail(fmt.Errorf("%s: %w", t.Contract, err))
	}
	if verified {
		logger.Info("Contract already verified")
		v.skip()
		return nil
	}

	a, err := v.artifacts.Require(t.Contract)
	if err != nil {
		return v.fail(err)
	}
	input, qualified, err := BuildInput(a, v.sources)
	if err != nil {
		return v.fail(err)
	}
	req := SourceRequest{
		Address:         t.Address,
		Input:           input,
		ContractName:    qualified,
		CompilerVersion: EtherscanCompilerVersion(a.Compiler.Version),
		ConstructorArgs: t.ConstructorArgs,
	}

	logger.Info("Submitting source", slog.String("compiler", req.CompilerVersion))

	var guid string
	for attempt := 1; ; attempt++ {
		guid, err = v.etherscan.VerifySource(ctx, req)
		if !errors.Is(err, ErrCodeNotIndexed) || attempt >= v.opts.MaxPolls {
			break
		}
		logger.Debug("Explorer has not indexed the contract yet", slog.Int("attempt", attempt))
		if err := sleep(ctx, v.opts.PollInterval); err != nil {
			return v.fail(err)
		}
	}
	if errors.Is(err, ErrAlreadyVerified) {
		logger.Info("Contract already verified")
		v.skip()
		return nil
	}
	if err != nil {
		return v.fail(fmt.Errorf("%s: %w", t.Contract, err))
	}

	status, msg, err := v.poll(ctx, guid, v.etherscan.CheckStatus)
	if err != nil {
		return v.fail(fmt.Errorf("%s: %w", t.Contract, err))
	}
	switch status {
	case StatusPass:
		logger.Info("Contract verified")
		v.pass()
		return nil
	case StatusAlready:
		v.skip()
		return nil
	default:
		return v.fail(fmt.Errorf("%s: verification failed: %s", t.Contract, msg))
	}
}

// VerifyProxy links a proxy to its implementation on the explorer.
func (v *Verifier) VerifyProxy(ctx context.Context, proxy, impl common.Address) error {
	logger := v.logger.With(slog.String("proxy", proxy.Hex()), slog.String("implementation", impl.Hex()))
	logger.Info("Linking proxy")

	guid, err := v.etherscan.VerifyProxy(ctx, proxy, impl)
	if err != nil {
		return v.fail(fmt.Errorf("proxy %s: %w", proxy.Hex(), err))
	}
	status, msg, err := v.poll(ctx, guid, v.etherscan.CheckProxyStatus)
	if err != nil {
		return v.fail(fmt.Errorf("proxy %s: %w", proxy.Hex(), err))
	}
	if status != StatusPass && status != StatusAlready {
		return v.fail(fmt.Errorf("proxy %s: %s", proxy.Hex(), msg))
	}
	logger.Info("Proxy linked")
	v.pass()
	return nil
}

func (v *Verifier) poll(ctx context.Context, guid string, check func(context.Context, string) (Status, string, error)) (Status, string, error) {
	for i := 0; i < v.opts.MaxPolls; i++ {
		if err := sleep(ctx, v.opts.PollInterval); err != nil {
			return StatusPending, "", err
		}
		status, msg, err := check(ctx, guid)
		if err != nil {
			return StatusPending, "", err
		}
		if status != StatusPending {
			return status, msg, nil
		}
	}
	return StatusPending, "", fmt.Errorf("verification %s still pending after %d checks", guid, v.opts.MaxPolls)
}

func (v *Verifier) pass() {
	v.numVerified++
	v.opts.Metrics.Verification(OutcomeVerified)
}

func (v *Verifier) skip() {
	v.numSkipped++
	v.opts.Metrics.Verification(OutcomeSkipped)
}

func (v *Verifier) fail(err error) error {
	v.numFailed++
	v.opts.Metrics.Verification(OutcomeFailed)
	v.logger.Error("Verification failed", slog.String("error", err.Error()))
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Targets selects what to verify for the named contracts from a manifest:
// the latest implementation of each and, when withProxies is set, the
// proxies pointing at them.
func Targets(m *manifest.Manifest, contracts []string, withProxies bool) ([]Target, []manifest.Proxy, error) {
	var (
		targets []Target
		proxies []manifest.Proxy
		missing *multierror.Error
	)
	for _, name := range contracts {
		var impls []manifest.Impl
		for _, impl := range m.Impls {
			if impl.Contract == name {
				impls = append(impls, impl)
			}
		}
		if len(impls) == 0 {
			missing = multierror.Append(missing, fmt.Errorf("%s has no deployment on %s", name, manifest.ChainName(m.ChainID)))
			continue
		}
		sort.Slice(impls, func(i, j int) bool { return impls[i].DeployedAt.After(impls[j].DeployedAt) })
		targets = append(targets, Target{Contract: name, Address: impls[0].Address})

		if withProxies {
			proxies = append(proxies, m.ProxiesFor(name)...)
		}
	}
	return targets, proxies, missing.ErrorOrNil()
}
