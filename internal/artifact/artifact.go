// Package artifact loads Truffle build artifacts and encodes calls against
// their ABI.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnlinked is returned for bytecode that still contains library
// placeholders.
var ErrUnlinked = errors.New("bytecode has unlinked libraries")

// Artifact is a Truffle build artifact (build/contracts/<Name>.json).
type Artifact struct {
	ContractName     string          `json:"contractName"`
	RawABI           json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	SourcePath       string          `json:"sourcePath,omitempty"`
	Source           string          `json:"source,omitempty"`
	Metadata         string          `json:"metadata,omitempty"`
	AST              *SourceUnit     `json:"ast,omitempty"`
	Compiler         Compiler        `json:"compiler"`

	once   sync.Once
	abi    abi.ABI
	abiErr error
}

// Compiler identifies the toolchain that produced an artifact.
type Compiler struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SourceUnit is the part of the compiler AST that names the source file.
type SourceUnit struct {
	AbsolutePath string `json:"absolutePath"`
}

// Bytecode accepts both "0x6080..." and {"object": "0x6080..."}.
type Bytecode struct {
	hex string
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the hex string as stored.
func (b Bytecode) String() string {
	return b.hex
}

// Empty reports whether there is no code (abstract contracts, interfaces).
func (b Bytecode) Empty() bool {
	h := strings.TrimPrefix(b.hex, "0x")
	return h == ""
}

// Truffle writes __LibName____ (legacy) or __$<hash>$__ placeholders.
var placeholderRe = regexp.MustCompile(`__\$[0-9a-fA-F]{34}\$__|__[A-Za-z0-9_.:]{36}__`)

// Bytes decodes the bytecode, rejecting unlinked placeholders.
func (b Bytecode) Bytes() ([]byte, error) {
	if loc := placeholderRe.FindString(b.hex); loc != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnlinked, strings.Trim(loc, "_$"))
	}
	h := b.hex
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	code, err := hexutil.Decode(h)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return code, nil
}

// ABI returns the parsed ABI.
func (a *Artifact) ABI() (abi.ABI, error) {
	a.once.Do(func() {
		a.abi, a.abiErr = abi.JSON(bytes.NewReader(a.RawABI))
		if a.abiErr != nil {
			a.abiErr = fmt.Errorf("parse %s ABI: %w", a.ContractName, a.abiErr)
		}
	})
	return a.abi, a.abiErr
}

// CreationCode returns the decoded creation bytecode.
func (a *Artifact) CreationCode() ([]byte, error) {
	if a.Bytecode.Empty() {
		return nil, fmt.Errorf("%s has no bytecode (abstract contract or interface?)", a.ContractName)
	}
	code, err := a.Bytecode.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.ContractName, err)
	}
	return code, nil
}

// BytecodeHash identifies an implementation in the deployment manifest.
func (a *Artifact) BytecodeHash() (common.Hash, error) {
	code, err := a.CreationCode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(code), nil
}

// HasFunction reports whether the ABI declares a function with the given
// canonical signature, e.g. "upgradeTo(address)".
func (a *Artifact) HasFunction(sig string) bool {
	parsed, err := a.ABI()
	if err != nil {
		return false
	}
	for _, m := range parsed.Methods {
		if m.Sig == sig {
			return true
		}
	}
	return false
}

// DeployData returns creation code followed by the ABI-encoded constructor
// arguments.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	code, err := a.CreationCode()
	if err != nil {
		return nil, err
	}
	parsed, err := a.ABI()
	if err != nil {
		return nil, err
	}
	if len(parsed.Constructor.Inputs) == 0 && len(args) == 0 {
		return code, nil
	}
	coerced, err := CoerceArgs(parsed.Constructor.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", a.ContractName, err)
	}
	packed, err := parsed.Pack("", coerced...)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", a.ContractName, err)
	}
	return append(code, packed...), nil
}

// Pack encodes a call to method. Overloads are resolved by argument count.
func (a *Artifact) Pack(method string, args ...any) ([]byte, error) {
	parsed, err := a.ABI()
	if err != nil {
		return nil, err
	}
	m, err := findMethod(parsed, method, len(args))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.ContractName, err)
	}
	coerced, err := CoerceArgs(m.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, m.Name, err)
	}
	packed, err := m.Inputs.Pack(coerced...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, m.Name, err)
	}
	return append(append([]byte{}, m.ID...), packed...), nil
}

// findMethod resolves a full signature ("initialize(uint256,uint256,uint8)")
// or a bare name with the right arity.
func findMethod(parsed abi.ABI, name string, nargs int) (abi.Method, error) {
	if strings.Contains(name, "(") {
		for _, m := range parsed.Methods {
			if m.Sig == name {
				return m, nil
			}
		}
		return abi.Method{}, fmt.Errorf("no method %q in ABI", name)
	}

	var candidates []abi.Method
	for _, m := range parsed.Methods {
		if m.RawName == name {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return abi.Method{}, fmt.Errorf("no method %q in ABI", name)
	}
	var match []abi.Method
	for _, m := range candidates {
		if len(m.Inputs) == nargs {
			match = append(match, m)
		}
	}
	switch len(match) {
	case 0:
		return abi.Method{}, fmt.Errorf("method %q takes %d arguments, got %d", name, len(candidates[0].Inputs), nargs)
	case 1:
		return match[0], nil
	default:
		return abi.Method{}, fmt.Errorf("method %q is overloaded with %d arguments; use the full signature", name, nargs)
	}
}
