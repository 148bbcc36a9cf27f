// Package manifest persists what has been deployed on each chain:
// implementations keyed by bytecode hash, proxies, the shared proxy admin
// and migration progress. There is one JSON file per chain.
package manifest

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Manifest is the deployment record for one chain.
type Manifest struct {
	ChainID                uint64          `json:"chainId"`
	Impls                  map[string]Impl `json:"impls"`
	Proxies                []Proxy         `json:"proxies"`
	Admin                  *Admin          `json:"admin,omitempty"`
	LastCompletedMigration int             `json:"lastCompletedMigration"`
	Runs                   []Run           `json:"runs,omitempty"`
}

// Impl is a deployed implementation contract.
type Impl struct {
	Contract     string         `json:"contract"`
	Address      common.Address `json:"address"`
	TxHash       common.Hash    `json:"txHash"`
	BytecodeHash common.Hash    `json:"bytecodeHash"`
	DeployedAt   time.Time      `json:"deployedAt"`
}

// Proxy is a deployed proxy and its current implementation.
type Proxy struct {
	Contract       string         `json:"contract"`
	Address        common.Address `json:"address"`
	Kind           string         `json:"kind"`
	Implementation common.Address `json:"implementation"`
	TxHash         common.Hash    `json:"txHash"`
	DeployedAt     time.Time      `json:"deployedAt"`
	UpgradedAt     *time.Time     `json:"upgradedAt,omitempty"`
}

// Admin is the ProxyAdmin shared by transparent proxies.
type Admin struct {
	Address common.Address `json:"address"`
	TxHash  common.Hash    `json:"txHash"`
}

// Run is one migrate invocation.
type Run struct {
	ID         string    `json:"id"`
	Network    string    `json:"network"`
	From       string    `json:"from"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Migrations []int     `json:"migrations"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// New returns an empty manifest for chainID.
func New(chainID uint64) *Manifest {
	return &Manifest{ChainID: chainID, Impls: make(map[string]Impl)}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Impls = make(map[string]Impl, len(m.Impls))
	for k, v := range m.Impls {
		out.Impls[k] = v
	}
	out.Proxies = append([]Proxy(nil), m.Proxies...)
	if m.Admin != nil {
		admin := *m.Admin
		out.Admin = &admin
	}
	out.Runs = append([]Run(nil), m.Runs...)
	return &out
}

// Impl returns the implementation recorded for a bytecode hash.
func (m *Manifest) Impl(bytecodeHash common.Hash) (Impl, bool) {
	impl, ok := m.Impls[bytecodeHash.Hex()]
	return impl, ok
}

// AddImpl records an implementation, replacing any entry for the same
// bytecode.
func (m *Manifest) AddImpl(impl Impl) {
	if m.Impls == nil {
		m.Impls = make(map[string]Impl)
	}
	m.Impls[impl.BytecodeHash.Hex()] = impl
}

// DeleteImpl forgets an implementation, e.g. after a chain reset.
func (m *Manifest) DeleteImpl(bytecodeHash common.Hash) {
	delete(m.Impls, bytecodeHash.Hex())
}

// AddProxy records a new proxy.
func (m *Manifest) AddProxy(p Proxy) {
	m.Proxies = append(m.Proxies, p)
}

// Proxy returns the proxy at addr.
func (m *Manifest) Proxy(addr common.Address) (Proxy, bool) {
	for _, p := range m.Proxies {
		if p.Address == addr {
			return p, true
		}
	}
	return Proxy{}, false
}

// ProxiesFor returns the proxies deployed for a contract, oldest first.
func (m *Manifest) ProxiesFor(contract string) []Proxy {
	var out []Proxy
	for _, p := range m.Proxies {
		if p.Contract == contract {
			out = append(out, p)
		}
	}
	return out
}

// SetImplementation records an upgrade.
func (m *Manifest) SetImplementation(proxy, impl common.Address, contract string, at time.Time) error {
	for i := range m.Proxies {
		if m.Proxies[i].Address == proxy {
			m.Proxies[i].Implementation = impl
			m.Proxies[i].Contract = contract
			m.Proxies[i].UpgradedAt = &at
			return nil
		}
	}
	return fmt.Errorf("proxy %s is not in the manifest", proxy.Hex())
}

// Known chain ids and their manifest names.
var chainNames = map[uint64]string{
	1:        "mainnet",
	3:        "ropsten",
	4:        "rinkeby",
	5:        "goerli",
	42:       "kovan",
	11155111: "sepolia",
}

// ChainName returns the well-known name of chainID, or unknown-<id>.
func ChainName(chainID uint64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("unknown-%d", chainID)
}
