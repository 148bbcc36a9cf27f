package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ErrNotFound is returned when no artifact exists for a contract name.
var ErrNotFound = errors.New("artifact not found")

// Store loads artifacts from a build directory. Each artifact is read once.
type Store struct {
	dir        string
	constraint *semver.Constraints

	mu    sync.Mutex
	cache map[string]*Artifact
}

// NewStore opens dir. A non-empty solcVersion ("0.8.12", "^0.8.0") is
// checked against every artifact's compiler version.
func NewStore(dir, solcVersion string) (*Store, error) {
	s := &Store{dir: dir, cache: make(map[string]*Artifact)}
	if solcVersion != "" {
		c, err := semver.NewConstraint(solcVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid solc version %q: %w", solcVersion, err)
		}
		s.constraint = c
	}
	return s, nil
}

// Dir returns the build directory.
func (s *Store) Dir() string {
	return s.dir
}

// Require loads <dir>/<name>.json.
func (s *Store) Require(name string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.cache[name]; ok {
		return a, nil
	}

	path := filepath.Join(s.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (looked in %s)", ErrNotFound, name, s.dir)
		}
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}

	a := &Artifact{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if a.ContractName == "" {
		a.ContractName = name
	}
	if a.ContractName != name {
		return nil, fmt.Errorf("artifact %s declares contractName %q", path, a.ContractName)
	}
	if _, err := a.ABI(); err != nil {
		return nil, err
	}
	if err := s.checkCompiler(a); err != nil {
		return nil, err
	}

	s.cache[name] = a
	return a, nil
}

// Names lists the contract names available in the build directory.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read build dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) checkCompiler(a *Artifact) error {
	if s.constraint == nil || a.Compiler.Version == "" {
		return nil
	}
	v, err := CompilerVersion(a.Compiler.Version)
	if err != nil {
		return fmt.Errorf("%s: %w", a.ContractName, err)
	}
	if !s.constraint.Check(v) {
		return fmt.Errorf("%s was compiled with solc %s, configured %s", a.ContractName, v, s.constraint)
	}
	return nil
}

// CompilerVersion parses solc versions such as
// "0.8.12+commit.f00d7308.Emscripten.clang", dropping build metadata.
func CompilerVersion(raw string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid compiler version %q: %w", raw, err)
	}
	clean, err := v.SetMetadata("")
	if err != nil {
		return nil, err
	}
	return &clean, nil
}
