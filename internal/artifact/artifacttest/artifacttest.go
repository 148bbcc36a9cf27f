// Package artifacttest writes Truffle-style artifacts for tests and emulates
// proxy constructors on a chaintest backend.
package artifacttest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/erc20simple/erc20-deployer/internal/chain/chaintest"
	"github.com/erc20simple/erc20-deployer/internal/erc1967"
	"github.com/erc20simple/erc20-deployer/internal/upgrades/proxies"
)

// SolcVersion is the compiler version stamped into generated artifacts.
const SolcVersion = "0.8.12+commit.f00d7308.Emscripten.clang"

const ERC20SimpleABI = `[
  {"type":"constructor","inputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[
    {"name":"min_","type":"uint256"},{"name":"cap_","type":"uint256"},{"name":"burn_","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"upgradeTo","stateMutability":"nonpayable","inputs":[{"name":"newImplementation","type":"address"}],"outputs":[]},
  {"type":"function","name":"upgradeToAndCall","stateMutability":"payable","inputs":[{"name":"newImplementation","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"proxiableUUID","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// PlainTokenABI has an initializer but no upgrade entry points.
const PlainTokenABI = `[
  {"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[
    {"name":"min_","type":"uint256"},{"name":"cap_","type":"uint256"},{"name":"burn_","type":"uint8"}],"outputs":[]}
]`

const ERC1967ProxyABI = `[
  {"type":"constructor","stateMutability":"payable","inputs":[{"name":"_logic","type":"address"},{"name":"_data","type":"bytes"}]}
]`

const TransparentUpgradeableProxyABI = `[
  {"type":"constructor","stateMutability":"payable","inputs":[{"name":"_logic","type":"address"},{"name":"admin_","type":"address"},{"name":"_data","type":"bytes"}]}
]`

const ProxyAdminABI = `[
  {"type":"function","name":"upgrade","stateMutability":"nonpayable","inputs":[{"name":"proxy","type":"address"},{"name":"implementation","type":"address"}],"outputs":[]},
  {"type":"function","name":"upgradeAndCall","stateMutability":"payable","inputs":[{"name":"proxy","type":"address"},{"name":"implementation","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]}
]`

// Creation code stand-ins. The fake chain never executes them; distinct
// prefixes let EmulateProxies recognise proxy deployments.
const (
	ERC20SimpleCode = "0x608060405234801561001057600080fd5b50aa01"
	PlainTokenCode  = "0x608060405234801561001057600080fd5b50aa02"
	ERC1967Code     = "0x608060405260405161040a38038061040a83398101bb01"
	TransparentCode = "0x608060405260405161040a38038061040a83398101bb02"
	ProxyAdminCode  = "0x608060405234801561001057600080fd5b50cc01"
)

// Write stores one artifact in dir.
func Write(t testing.TB, dir, name, abiJSON, bytecode string) {
	t.Helper()
	doc := map[string]any{
		"contractName":     name,
		"abi":              json.RawMessage(abiJSON),
		"bytecode":         bytecode,
		"deployedBytecode": bytecode,
		"sourcePath":       "/project/contracts/" + name + ".sol",
		"source":           "// SPDX-License-Identifier: MIT\npragma solidity 0.8.12;\ncontract " + name + " {}\n",
		"metadata":         metadataFor(name),
		"ast":              map[string]string{"absolutePath": "project:/contracts/" + name + ".sol"},
		"compiler":         map[string]string{"name": "solc", "version": SolcVersion},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func metadataFor(name string) string {
	meta := map[string]any{
		"compiler": map[string]string{"version": SolcVersion},
		"language": "Solidity",
		"settings": map[string]any{
			"compilationTarget": map[string]string{"project:/contracts/" + name + ".sol": name},
			"optimizer":         map[string]any{"enabled": true, "runs": 200},
			"evmVersion":        "london",
			"libraries":         map[string]string{},
			"remappings":        []string{},
		},
		"sources": map[string]any{
			"project:/contracts/" + name + ".sol": map[string]any{"keccak256": "0x00"},
		},
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

// BuildDir writes the token, proxy and admin artifacts to a temp dir.
func BuildDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	Write(t, dir, "ERC20Simple", ERC20SimpleABI, ERC20SimpleCode)
	Write(t, dir, "PlainToken", PlainTokenABI, PlainTokenCode)
	Write(t, dir, ERC1967ProxyName, ERC1967ProxyABI, ERC1967Code)
	Write(t, dir, TransparentName, TransparentUpgradeableProxyABI, TransparentCode)
	Write(t, dir, ProxyAdminName, ProxyAdminABI, ProxyAdminCode)
	return dir
}

// TokenBuildDir writes only the token artifact, as a project that leaves the
// proxy contracts to the deployer would.
func TokenBuildDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	Write(t, dir, "ERC20Simple", ERC20SimpleABI, ERC20SimpleCode)
	return dir
}

// ProxyInit records a proxy constructor observed on the fake chain.
type ProxyInit struct {
	Proxy          common.Address
	Implementation common.Address
	Admin          common.Address
	Data           []byte
}

// Upgrade records an upgrade call observed on the fake chain.
type Upgrade struct {
	Proxy          common.Address
	Implementation common.Address
	Data           []byte
	ViaAdmin       bool
}

// Proxies collects proxy deployments and upgrades seen by EmulateProxies.
type Proxies struct {
	mu       sync.Mutex
	inits    []ProxyInit
	upgrades []Upgrade
}

// All returns the recorded proxy deployments in order.
func (p *Proxies) All() []ProxyInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProxyInit(nil), p.inits...)
}

// Upgrades returns the recorded upgrades in order.
func (p *Proxies) Upgrades() []Upgrade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Upgrade(nil), p.upgrades...)
}

// EmulateProxies makes proxy deployments and upgrade calls on be write their
// ERC-1967 slots, as the real contracts do. Both the stand-in artifacts of
// BuildDir and the embedded proxies are recognised.
func EmulateProxies(be *chaintest.Backend) *Proxies {
	uups := mustABI(ERC1967ProxyABI)
	transparent := mustABI(TransparentUpgradeableProxyABI)
	uupsCodes := [][]byte{hexutil.MustDecode(ERC1967Code), embeddedCode(ERC1967ProxyName)}
	transparentCodes := [][]byte{hexutil.MustDecode(TransparentCode), embeddedCode(TransparentName)}

	rec := &Proxies{}
	be.OnDeploy(func(b *chaintest.Backend, addr common.Address, initCode []byte) {
		var init ProxyInit
		if args, ok := trimPrefix(initCode, uupsCodes); ok {
			vals, err := uups.Constructor.Inputs.Unpack(args)
			if err != nil {
				return
			}
			init = ProxyInit{Proxy: addr, Implementation: vals[0].(common.Address), Data: vals[1].([]byte)}
		} else if args, ok := trimPrefix(initCode, transparentCodes); ok {
			vals, err := transparent.Constructor.Inputs.Unpack(args)
			if err != nil {
				return
			}
			init = ProxyInit{
				Proxy:          addr,
				Implementation: vals[0].(common.Address),
				Admin:          vals[1].(common.Address),
				Data:           vals[2].([]byte),
			}
			b.SetStorage(addr, erc1967.AdminSlot, erc1967.AddressValue(init.Admin))
		} else {
			return
		}
		b.SetStorage(addr, erc1967.ImplementationSlot, erc1967.AddressValue(init.Implementation))

		rec.mu.Lock()
		rec.inits = append(rec.inits, init)
		rec.mu.Unlock()
	})

	token := mustABI(ERC20SimpleABI)
	admin := mustABI(ProxyAdminABI)
	be.OnTransact(func(b *chaintest.Backend, from, to common.Address, data []byte) {
		if len(data) < 4 {
			return
		}
		var up Upgrade
		switch {
		case bytes.Equal(data[:4], token.Methods["upgradeTo"].ID):
			vals, err := token.Methods["upgradeTo"].Inputs.Unpack(data[4:])
			if err != nil {
				return
			}
			up = Upgrade{Proxy: to, Implementation: vals[0].(common.Address)}
		case bytes.Equal(data[:4], token.Methods["upgradeToAndCall"].ID):
			vals, err := token.Methods["upgradeToAndCall"].Inputs.Unpack(data[4:])
			if err != nil {
				return
			}
			up = Upgrade{Proxy: to, Implementation: vals[0].(common.Address), Data: vals[1].([]byte)}
		case bytes.Equal(data[:4], admin.Methods["upgrade"].ID):
			vals, err := admin.Methods["upgrade"].Inputs.Unpack(data[4:])
			if err != nil {
				return
			}
			up = Upgrade{Proxy: vals[0].(common.Address), Implementation: vals[1].(common.Address), ViaAdmin: true}
		case bytes.Equal(data[:4], admin.Methods["upgradeAndCall"].ID):
			vals, err := admin.Methods["upgradeAndCall"].Inputs.Unpack(data[4:])
			if err != nil {
				return
			}
			up = Upgrade{Proxy: vals[0].(common.Address), Implementation: vals[1].(common.Address), Data: vals[2].([]byte), ViaAdmin: true}
		default:
			return
		}
		b.SetStorage(up.Proxy, erc1967.ImplementationSlot, erc1967.AddressValue(up.Implementation))

		rec.mu.Lock()
		rec.upgrades = append(rec.upgrades, up)
		rec.mu.Unlock()
	})
	return rec
}

// HandleProxiable answers proxiableUUID() on impl with the implementation slot.
func HandleProxiable(be *chaintest.Backend, impl common.Address) {
	parsed := mustABI(ERC20SimpleABI)
	be.HandleCalls(impl, func(data []byte) ([]byte, error) {
		if bytes.HasPrefix(data, parsed.Methods["proxiableUUID"].ID) {
			return erc1967.ImplementationSlot.Bytes(), nil
		}
		return nil, nil
	})
}

// Proxy contract names shared by BuildDir and the embedded proxies.
const (
	ERC1967ProxyName = "ERC1967Proxy"
	TransparentName  = "TransparentUpgradeableProxy"
	ProxyAdminName   = "ProxyAdmin"
)

func embeddedCode(name string) []byte {
	code, err := proxies.MustArtifact(name).CreationCode()
	if err != nil {
		panic(err)
	}
	return code
}

func trimPrefix(code []byte, prefixes [][]byte) ([]byte, bool) {
	for _, p := range prefixes {
		if bytes.HasPrefix(code, p) {
			return code[len(p):], true
		}
	}
	return nil, false
}

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
