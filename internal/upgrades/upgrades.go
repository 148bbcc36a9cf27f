// Package upgrades deploys and upgrades ERC-1967 proxies the way
// @openzeppelin/truffle-upgrades does: implementation first, then a proxy
// whose constructor delegates to the initializer, with every deployment
// recorded in the manifest.
package upgrades

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/erc1967"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/upgrades/proxies"
)

// Proxy kinds.
const (
	KindUUPS        = "uups"
	KindTransparent = "transparent"
	KindBeacon      = "beacon"
)

// Artifact names of the proxy contracts. An artifact of the same name in
// the build directory takes precedence over the embedded contract.
const (
	ERC1967ProxyContract = "ERC1967Proxy"
	TransparentContract  = "TransparentUpgradeableProxy"
	ProxyAdminContract   = "ProxyAdmin"
)

var (
	// ErrUnsupportedKind is returned for proxy kinds this tool cannot deploy.
	ErrUnsupportedKind = errors.New("unsupported proxy kind")
	// ErrNotUUPS is returned when a uups deployment targets a contract
	// without upgrade functions, or whose proxiableUUID is wrong.
	ErrNotUUPS = errors.New("implementation is not UUPS upgradeable")
	// ErrSlotMismatch is returned when a proxy's implementation slot does
	// not hold the expected address.
	ErrSlotMismatch = errors.New("implementation slot mismatch")
	// ErrUnknownProxy is returned when upgrading an address that is not a
	// proxy.
	ErrUnknownProxy = errors.New("not a known proxy")
)

var (
	funcUpgradeTo           = w3.MustNewFunc("upgradeTo(address newImplementation)", "")
	funcUpgradeToAndCall    = w3.MustNewFunc("upgradeToAndCall(address newImplementation, bytes data)", "")
	funcProxiableUUID       = w3.MustNewFunc("proxiableUUID()", "bytes32")
	funcAdminUpgrade        = w3.MustNewFunc("upgrade(address proxy, address implementation)", "")
	funcAdminUpgradeAndCall = w3.MustNewFunc("upgradeAndCall(address proxy, address implementation, bytes data)", "")
)

// Options mirrors the deployProxy options object.
type Options struct {
	// Kind is uups or transparent. Empty picks uups when the implementation
	// has upgrade functions and transparent otherwise.
	Kind string
	// Initializer is the function called through the proxy at deployment.
	// Empty skips the call.
	Initializer string
}

// UpgradeOptions mirrors the upgradeProxy options object.
type UpgradeOptions struct {
	// Kind overrides the kind recorded in the manifest.
	Kind string
	// Call, if set, is invoked with CallArgs on the new implementation
	// through upgradeToAndCall.
	Call     string
	CallArgs []any
}

// Deployment describes a deployed or upgraded proxy.
type Deployment struct {
	Contract       string         `json:"contract"`
	Kind           string         `json:"kind"`
	Proxy          common.Address `json:"proxy"`
	Implementation common.Address `json:"implementation"`
	Admin          common.Address `json:"admin,omitempty"`
	ImplReused     bool           `json:"implReused"`
	TxHash         common.Hash    `json:"txHash"`
	DryRun         bool           `json:"dryRun,omitempty"`
}

// Artifacts resolves contract artifacts by name.
type Artifacts interface {
	Require(name string) (*artifact.Artifact, error)
}

// Upgrader deploys proxies from one account.
type Upgrader struct {
	deployer  *deployer.Deployer
	artifacts Artifacts
	manifest  *manifest.Session
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Upgrader. metrics may be nil.
func New(d *deployer.Deployer, artifacts Artifacts, m *manifest.Session, met *metrics.Metrics) *Upgrader {
	return &Upgrader{
		deployer:  d,
		artifacts: artifacts,
		manifest:  m,
		metrics:   met,
		logger:    d.Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DeployProxy deploys impl behind a new proxy and calls the initializer with
// args through the proxy constructor.
func (u *Upgrader) DeployProxy(ctx context.Context, impl *artifact.Artifact, args []any, opts Options) (*Deployment, error) {
	kind, err := resolveKind(impl, opts.Kind)
	if err != nil {
		return nil, err
	}

	// Everything that can fail offline is checked before the first
	// transaction.
	var initData []byte
	if opts.Initializer != "" {
		initData, err = impl.Pack(opts.Initializer, args...)
		if err != nil {
			return nil, fmt.Errorf("encode initializer: %w", err)
		}
	} else if len(args) > 0 {
		return nil, fmt.Errorf("%s: %d initializer arguments given without an initializer", impl.ContractName, len(args))
	}

	proxyName := ERC1967ProxyContract
	if kind == KindTransparent {
		proxyName = TransparentContract
	}
	proxyArt, err := u.proxyArtifact(proxyName)
	if err != nil {
		return nil, fmt.Errorf("%s proxy: %w", kind, err)
	}

	u.logger.Info("Deploying proxy",
		slog.String("contract", impl.ContractName),
		slog.String("kind", kind),
		slog.String("initializer", opts.Initializer),
	)

	implAddr, reused, err := u.deployImpl(ctx, impl)
	if err != nil {
		return nil, err
	}

	dep := &Deployment{
		Contract:       impl.ContractName,
		Kind:           kind,
		Implementation: implAddr,
		ImplReused:     reused,
		DryRun:         u.deployer.DryRun(),
	}

	var ctorArgs []any
	switch kind {
	case KindUUPS:
		ctorArgs = []any{implAddr, initData}
	case KindTransparent:
		admin, err := u.deployAdmin(ctx)
		if err != nil {
			return nil, err
		}
		dep.Admin = admin
		ctorArgs = []any{implAddr, admin, initData}
	}

	data, err := proxyArt.DeployData(ctorArgs...)
	if err != nil {
		return nil, err
	}
	res, err := u.deployer.Deploy(ctx, proxyName, data)
	if err != nil {
		return nil, err
	}
	dep.Proxy = res.Address
	dep.TxHash = res.TxHash

	if !u.deployer.DryRun() {
		if err := u.checkImplementation(ctx, dep.Proxy, implAddr); err != nil {
			return nil, err
		}
		u.metrics.ProxyDeployed(u.deployer.Network(), kind)
	}

	err = u.manifest.Update(func(m *manifest.Manifest) error {
		m.AddProxy(manifest.Proxy{
			Contract:       impl.ContractName,
			Address:        dep.Proxy,
			Kind:           kind,
			Implementation: implAddr,
			TxHash:         res.TxHash,
			DeployedAt:     u.now(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record proxy: %w", err)
	}

	u.logger.Info("Proxy deployed",
		slog.String("contract", impl.ContractName),
		slog.String("proxy", dep.Proxy.Hex()),
		slog.String("implementation", implAddr.Hex()),
		slog.Bool("implementation_reused", reused),
	)
	return dep, nil
}

// UpgradeProxy points proxy at a new implementation built from impl.
func (u *Upgrader) UpgradeProxy(ctx context.Context, proxy common.Address, impl *artifact.Artifact, opts UpgradeOptions) (*Deployment, error) {
	kind, err := u.proxyKind(ctx, proxy, opts.Kind)
	if err != nil {
		return nil, err
	}
	if kind == KindUUPS && !isUUPS(impl) {
		return nil, fmt.Errorf("%w: %s has no upgradeTo", ErrNotUUPS, impl.ContractName)
	}

	var callData []byte
	if opts.Call != "" {
		callData, err = impl.Pack(opts.Call, opts.CallArgs...)
		if err != nil {
			return nil, fmt.Errorf("encode upgrade call: %w", err)
		}
	}

	u.logger.Info("Upgrading proxy",
		slog.String("proxy", proxy.Hex()),
		slog.String("contract", impl.ContractName),
		slog.String("kind", kind),
	)

	implAddr, reused, err := u.deployImpl(ctx, impl)
	if err != nil {
		return nil, err
	}

	// A freshly simulated implementation does not exist on chain.
	if kind == KindUUPS && (!u.deployer.DryRun() || reused) {
		if err := u.checkProxiable(ctx, implAddr); err != nil {
			return nil, err
		}
	}

	dep := &Deployment{
		Contract:       impl.ContractName,
		Kind:           kind,
		Proxy:          proxy,
		Implementation: implAddr,
		ImplReused:     reused,
		DryRun:         u.deployer.DryRun(),
	}

	var (
		to   common.Address
		data []byte
		name string
	)
	switch kind {
	case KindUUPS:
		to, name = proxy, impl.ContractName+".upgradeTo"
		if callData != nil {
			data, err = funcUpgradeToAndCall.EncodeArgs(implAddr, callData)
		} else {
			data, err = funcUpgradeTo.EncodeArgs(implAddr)
		}
	case KindTransparent:
		admin, aerr := erc1967.Admin(ctx, u.deployer.Backend(), proxy)
		if aerr != nil {
			return nil, aerr
		}
		dep.Admin = admin
		to, name = admin, ProxyAdminContract+".upgrade"
		if callData != nil {
			data, err = funcAdminUpgradeAndCall.EncodeArgs(proxy, implAddr, callData)
		} else {
			data, err = funcAdminUpgrade.EncodeArgs(proxy, implAddr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("encode upgrade: %w", err)
	}

	res, err := u.deployer.Transact(ctx, name, to, data)
	if err != nil {
		return nil, err
	}
	dep.TxHash = res.TxHash

	if !u.deployer.DryRun() {
		if err := u.checkImplementation(ctx, proxy, implAddr); err != nil {
			return nil, err
		}
	}

	err = u.manifest.Update(func(m *manifest.Manifest) error {
		if _, ok := m.Proxy(proxy); !ok {
			m.AddProxy(manifest.Proxy{Contract: impl.ContractName, Address: proxy, Kind: kind, DeployedAt: u.now()})
		}
		return m.SetImplementation(proxy, implAddr, impl.ContractName, u.now())
	})
	if err != nil {
		return nil, fmt.Errorf("record upgrade: %w", err)
	}

	u.logger.Info("Proxy upgraded",
		slog.String("proxy", proxy.Hex()),
		slog.String("implementation", implAddr.Hex()),
	)
	return dep, nil
}

// deployImpl returns the manifest's implementation for impl's bytecode when
// it still has code, and deploys a new one otherwise.
func (u *Upgrader) deployImpl(ctx context.Context, impl *artifact.Artifact) (common.Address, bool, error) {
	hash, err := impl.BytecodeHash()
	if err != nil {
		return common.Address{}, false, err
	}

	if known, ok := u.manifest.Snapshot().Impl(hash); ok {
		live, err := u.deployer.HasCode(ctx, known.Address)
		if err != nil {
			return common.Address{}, false, err
		}
		if live {
			u.logger.Info("Reusing implementation",
				slog.String("contract", impl.ContractName),
				slog.String("address", known.Address.Hex()),
			)
			return known.Address, true, nil
		}
		u.logger.Warn("Recorded implementation has no code, redeploying",
			slog.String("contract", impl.ContractName),
			slog.String("address", known.Address.Hex()),
		)
	}

	data, err := impl.DeployData()
	if err != nil {
		return common.Address{}, false, err
	}
	res, err := u.deployer.Deploy(ctx, impl.ContractName, data)
	if err != nil {
		return common.Address{}, false, err
	}

	err = u.manifest.Update(func(m *manifest.Manifest) error {
		m.AddImpl(manifest.Impl{
			Contract:     impl.ContractName,
			Address:      res.Address,
			TxHash:       res.TxHash,
			BytecodeHash: hash,
			DeployedAt:   u.now(),
		})
		return nil
	})
	if err != nil {
		return common.Address{}, false, fmt.Errorf("record implementation: %w", err)
	}
	return res.Address, false, nil
}

// proxyArtifact resolves a proxy contract from the build directory, falling
// back to the embedded one. Embedded artifacts are not subject to the
// project's compiler pin.
func (u *Upgrader) proxyArtifact(name string) (*artifact.Artifact, error) {
	a, err := u.artifacts.Require(name)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, artifact.ErrNotFound) {
		return nil, err
	}
	a, err = proxies.Artifact(name)
	if err != nil {
		return nil, err
	}
	u.logger.Debug("Using embedded proxy contract", slog.String("contract", name))
	return a, nil
}

// deployAdmin returns the shared ProxyAdmin, deploying it on first use.
func (u *Upgrader) deployAdmin(ctx context.Context) (common.Address, error) {
	if admin := u.manifest.Snapshot().Admin; admin != nil {
		live, err := u.deployer.HasCode(ctx, admin.Address)
		if err != nil {
			return common.Address{}, err
		}
		if live {
			return admin.Address, nil
		}
	}

	a, err := u.proxyArtifact(ProxyAdminContract)
	if err != nil {
		return common.Address{}, fmt.Errorf("transparent proxy: %w", err)
	}
	data, err := a.DeployData()
	if err != nil {
		return common.Address{}, err
	}
	res, err := u.deployer.Deploy(ctx, ProxyAdminContract, data)
	if err != nil {
		return common.Address{}, err
	}

	err = u.manifest.Update(func(m *manifest.Manifest) error {
		m.Admin = &manifest.Admin{Address: res.Address, TxHash: res.TxHash}
		return nil
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("record proxy admin: %w", err)
	}
	return res.Address, nil
}

func (u *Upgrader) checkImplementation(ctx context.Context, proxy, want common.Address) error {
	got, err := erc1967.Implementation(ctx, u.deployer.Backend(), proxy)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: proxy %s points at %s, want %s", ErrSlotMismatch, proxy.Hex(), got.Hex(), want.Hex())
	}
	return nil
}

func (u *Upgrader) checkProxiable(ctx context.Context, impl common.Address) error {
	input, err := funcProxiableUUID.EncodeArgs()
	if err != nil {
		return err
	}
	out, err := u.deployer.Call(ctx, impl, input)
	if err != nil {
		return fmt.Errorf("%w: proxiableUUID: %v", ErrNotUUPS, err)
	}
	var uuid common.Hash
	if err := funcProxiableUUID.DecodeReturns(out, &uuid); err != nil {
		return fmt.Errorf("%w: decode proxiableUUID: %v", ErrNotUUPS, err)
	}
	if uuid != erc1967.ImplementationSlot {
		return fmt.Errorf("%w: proxiableUUID is %s", ErrNotUUPS, uuid.Hex())
	}
	return nil
}

// proxyKind finds the kind of an existing proxy from the manifest, falling
// back to its admin slot.
func (u *Upgrader) proxyKind(ctx context.Context, proxy common.Address, override string) (string, error) {
	if override != "" {
		return checkKind(override)
	}
	if p, ok := u.manifest.Snapshot().Proxy(proxy); ok && p.Kind != "" {
		return checkKind(p.Kind)
	}

	impl, err := erc1967.Implementation(ctx, u.deployer.Backend(), proxy)
	if err != nil {
		return "", err
	}
	if impl == (common.Address{}) {
		return "", fmt.Errorf("%w: %s has an empty implementation slot", ErrUnknownProxy, proxy.Hex())
	}
	admin, err := erc1967.Admin(ctx, u.deployer.Backend(), proxy)
	if err != nil {
		return "", err
	}
	if admin != (common.Address{}) {
		return KindTransparent, nil
	}
	return KindUUPS, nil
}

func resolveKind(impl *artifact.Artifact, kind string) (string, error) {
	if kind == "" {
		if isUUPS(impl) {
			return KindUUPS, nil
		}
		return KindTransparent, nil
	}
	kind, err := checkKind(kind)
	if err != nil {
		return "", err
	}
	if kind == KindUUPS && !isUUPS(impl) {
		return "", fmt.Errorf("%w: %s has neither upgradeTo(address) nor upgradeToAndCall(address,bytes)", ErrNotUUPS, impl.ContractName)
	}
	return kind, nil
}

func checkKind(kind string) (string, error) {
	switch kind {
	case KindUUPS, KindTransparent:
		return kind, nil
	case KindBeacon:
		return "", fmt.Errorf("%w: %s proxies are not supported", ErrUnsupportedKind, kind)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

func isUUPS(impl *artifact.Artifact) bool {
	return impl.HasFunction("upgradeTo(address)") || impl.HasFunction("upgradeToAndCall(address,bytes)")
}
