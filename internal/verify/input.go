package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
)

// StandardInput is solc's standard JSON input, as accepted by Etherscan.
type StandardInput struct {
	Language string                   `json:"language"`
	Sources  map[string]SourceContent `json:"sources"`
	Settings map[string]any           `json:"settings"`
}

// SourceContent is one source file.
type SourceContent struct {
	Content string `json:"content"`
}

type compilerMetadata struct {
	Compiler struct {
		Version string `json:"version"`
	} `json:"compiler"`
	Language string                     `json:"language"`
	Settings map[string]json.RawMessage `json:"settings"`
	Sources  map[string]json.RawMessage `json:"sources"`
}

// SourceLookup returns the content of a source file by its compiler path,
// e.g. "project:/contracts/ERC20Simple.sol" or
// "@openzeppelin/contracts/proxy/ERC1967/ERC1967Proxy.sol".
type SourceLookup func(path string) (string, error)

// BuildInput rebuilds the standard JSON input that produced a, and returns
// it with the fully qualified contract name.
func BuildInput(a *artifact.Artifact, lookup SourceLookup) (*StandardInput, string, error) {
	if a.Metadata == "" {
		return nil, "", fmt.Errorf("%s artifact has no compiler metadata", a.ContractName)
	}
	var meta compilerMetadata
	if err := json.Unmarshal([]byte(a.Metadata), &meta); err != nil {
		return nil, "", fmt.Errorf("parse %s metadata: %w", a.ContractName, err)
	}

	var target map[string]string
	if raw, ok := meta.Settings["compilationTarget"]; ok {
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, "", fmt.Errorf("parse %s compilation target: %w", a.ContractName, err)
		}
	}
	var qualified string
	for path, name := range target {
		qualified = path + ":" + name
	}
	if qualified == "" {
		return nil, "", fmt.Errorf("%s metadata has no compilation target", a.ContractName)
	}

	settings := make(map[string]any, len(meta.Settings))
	for k, raw := range meta.Settings {
		if k == "compilationTarget" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, "", fmt.Errorf("parse %s settings.%s: %w", a.ContractName, k, err)
		}
		settings[k] = v
	}
	if libs, ok := settings["libraries"].(map[string]any); ok {
		settings["libraries"] = nestLibraries(libs)
	}

	input := &StandardInput{
		Language: meta.Language,
		Sources:  make(map[string]SourceContent, len(meta.Sources)),
		Settings: settings,
	}
	if input.Language == "" {
		input.Language = "Solidity"
	}
	for path := range meta.Sources {
		content, err := lookup(path)
		if err != nil {
			return nil, "", fmt.Errorf("%s: source %s: %w", a.ContractName, path, err)
		}
		input.Sources[path] = SourceContent{Content: content}
	}
	return input, qualified, nil
}

// nestLibraries converts metadata's {"file:Lib": addr} into the standard
// input's {"file": {"Lib": addr}}.
func nestLibraries(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, addr := range flat {
		file, lib := "", key
		if i := strings.LastIndex(key, ":"); i >= 0 {
			file, lib = key[:i], key[i+1:]
		}
		m, _ := out[file].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			out[file] = m
		}
		m[lib] = addr
	}
	return out
}

// EtherscanCompilerVersion turns "0.8.12+commit.f00d7308.Emscripten.clang"
// into "v0.8.12+commit.f00d7308".
func EtherscanCompilerVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	// 0.8.12+commit.f00d7308[.Emscripten.clang]
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "v" + strings.Join(parts, ".")
}

// ArtifactSources resolves sources from the build directory's artifacts,
// then from files under projectRoot ("project:/x" maps to projectRoot/x,
// package imports to projectRoot/node_modules).
func ArtifactSources(store *artifact.Store, projectRoot string) (SourceLookup, error) {
	names, err := store.Names()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]string)
	for _, name := range names {
		a, err := store.Require(name)
		if err != nil {
			// Artifacts built by another compiler cannot be imported anyway.
			continue
		}
		if a.AST != nil && a.AST.AbsolutePath != "" && a.Source != "" {
			byPath[a.AST.AbsolutePath] = a.Source
		}
	}

	return func(path string) (string, error) {
		if src, ok := byPath[path]; ok {
			return src, nil
		}
		var file string
		if rest, ok := strings.CutPrefix(path, "project:/"); ok {
			file = filepath.Join(projectRoot, filepath.FromSlash(rest))
		} else {
			file = filepath.Join(projectRoot, "node_modules", filepath.FromSlash(path))
		}
		data, err := os.ReadFile(file)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("not found in artifacts or at %s", file)
		}
		if err != nil {
			return "", err
		}
		return string(data), nil
	}, nil
}
