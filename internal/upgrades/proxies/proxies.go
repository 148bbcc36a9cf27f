// Package proxies embeds the proxy contracts deployed when the build
// directory does not provide its own. They are small assembled contracts
// with the OpenZeppelin 4.x interfaces of ERC1967Proxy,
// TransparentUpgradeableProxy and ProxyAdmin, storing state in the
// ERC-1967 slots.
package proxies

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
)

//go:embed *.json
var files embed.FS

// Artifact returns the embedded artifact for name.
func Artifact(name string) (*artifact.Artifact, error) {
	data, err := files.ReadFile(name + ".json")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
		}
		return nil, err
	}
	a := &artifact.Artifact{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parse embedded %s: %w", name, err)
	}
	if _, err := a.ABI(); err != nil {
		return nil, err
	}
	return a, nil
}

// MustArtifact is Artifact for names known to be embedded.
func MustArtifact(name string) *artifact.Artifact {
	a, err := Artifact(name)
	if err != nil {
		panic(err)
	}
	return a
}

// Names lists the embedded contracts.
func Names() []string {
	entries, _ := files.ReadDir(".")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}
