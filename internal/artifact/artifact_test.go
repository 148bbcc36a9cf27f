package artifact_test

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/artifact/artifacttest"
)

func TestBytecode_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"string", `"0x6080"`, "0x6080", false},
		{"object", `{"object":"0x6080","linkReferences":{}}`, "0x6080", false},
		{"number", `42`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b artifact.Bytecode
			err := json.Unmarshal([]byte(tt.input), &b)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.String())

			out, err := json.Marshal(b)
			require.NoError(t, err)
			assert.Equal(t, `"`+tt.want+`"`, string(out))
		})
	}
}

func TestBytecode_Bytes(t *testing.T) {
	var b artifact.Bytecode
	require.NoError(t, json.Unmarshal([]byte(`"6080ff"`), &b))
	code, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0xff}, code)

	require.NoError(t, json.Unmarshal([]byte(`"0x6080__$3f7f4c1c2a5a8e6f9d9c8b7a6f5e4d3c2b$__6080"`), &b))
	_, err = b.Bytes()
	require.ErrorIs(t, err, artifact.ErrUnlinked)

	require.NoError(t, json.Unmarshal([]byte(`"0x6080__SafeMath______________________________6080"`), &b))
	_, err = b.Bytes()
	require.ErrorIs(t, err, artifact.ErrUnlinked)
}

func TestStore_Require(t *testing.T) {
	dir := artifacttest.BuildDir(t)
	store, err := artifact.NewStore(dir, "0.8.12")
	require.NoError(t, err)

	a, err := store.Require("ERC20Simple")
	require.NoError(t, err)
	assert.Equal(t, "ERC20Simple", a.ContractName)
	assert.Equal(t, "solc", a.Compiler.Name)
	assert.True(t, a.HasFunction("upgradeTo(address)"))
	assert.True(t, a.HasFunction("initialize(uint256,uint256,uint8)"))
	assert.False(t, a.HasFunction("upgradeTo(address,address)"))

	again, err := store.Require("ERC20Simple")
	require.NoError(t, err)
	assert.Same(t, a, again)

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"ERC1967Proxy", "ERC20Simple", "PlainToken", "ProxyAdmin", "TransparentUpgradeableProxy"}, names)
}

func TestStore_RequireMissing(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir(), "")
	require.NoError(t, err)

	_, err = store.Require("ERC20Simple")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestStore_CompilerConstraint(t *testing.T) {
	dir := artifacttest.BuildDir(t)

	for _, c := range []string{"0.8.12", "^0.8.0", ">=0.8.10 <0.9.0"} {
		store, err := artifact.NewStore(dir, c)
		require.NoError(t, err)
		_, err = store.Require("ERC20Simple")
		assert.NoError(t, err, c)
	}

	store, err := artifact.NewStore(dir, "0.8.17")
	require.NoError(t, err)
	_, err = store.Require("ERC20Simple")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiled with solc 0.8.12")

	_, err = artifact.NewStore(dir, "not a version")
	require.Error(t, err)
}

func TestStore_ContractNameMismatch(t *testing.T) {
	dir := t.TempDir()
	artifacttest.Write(t, dir, "Other", artifacttest.PlainTokenABI, artifacttest.PlainTokenCode)
	require.NoError(t, os.Rename(filepath.Join(dir, "Other.json"), filepath.Join(dir, "Token.json")))

	store, err := artifact.NewStore(dir, "")
	require.NoError(t, err)
	_, err = store.Require("Token")
	require.Error(t, err)
}

func TestCompilerVersion(t *testing.T) {
	v, err := artifact.CompilerVersion("0.8.12+commit.f00d7308.Emscripten.clang")
	require.NoError(t, err)
	assert.Equal(t, "0.8.12", v.String())

	_, err = artifact.CompilerVersion("solc")
	require.Error(t, err)
}

func TestArtifact_Pack(t *testing.T) {
	store, err := artifact.NewStore(artifacttest.BuildDir(t), "")
	require.NoError(t, err)
	a, err := store.Require("ERC20Simple")
	require.NoError(t, err)

	data, err := a.Pack("initialize", 100000, 1000000, 10)
	require.NoError(t, err)

	parsed, err := a.ABI()
	require.NoError(t, err)
	m := parsed.Methods["initialize"]
	assert.Equal(t, m.ID, data[:4])

	vals, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100000), vals[0])
	assert.Equal(t, big.NewInt(1000000), vals[1])
	assert.Equal(t, uint8(10), vals[2])

	bySig, err := a.Pack("initialize(uint256,uint256,uint8)", "100000", "0xf4240", uint8(10))
	require.NoError(t, err)
	assert.Equal(t, data, bySig)

	_, err = a.Pack("initialize", 1, 2)
	require.Error(t, err)
	_, err = a.Pack("mint", 1)
	require.Error(t, err)
	_, err = a.Pack("initialize", 1, 2, 256)
	require.Error(t, err)
}

func TestArtifact_DeployData(t *testing.T) {
	store, err := artifact.NewStore(artifacttest.BuildDir(t), "")
	require.NoError(t, err)

	token, err := store.Require("ERC20Simple")
	require.NoError(t, err)
	data, err := token.DeployData()
	require.NoError(t, err)
	assert.Equal(t, hexutil.MustDecode(artifacttest.ERC20SimpleCode), data)

	proxy, err := store.Require("ERC1967Proxy")
	require.NoError(t, err)
	impl := common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	data, err = proxy.DeployData(impl.Hex(), []byte{0xde, 0xad})
	require.NoError(t, err)

	code := hexutil.MustDecode(artifacttest.ERC1967Code)
	require.Equal(t, code, data[:len(code)])
	parsed, err := proxy.ABI()
	require.NoError(t, err)
	vals, err := parsed.Constructor.Inputs.Unpack(data[len(code):])
	require.NoError(t, err)
	assert.Equal(t, impl, vals[0])
	assert.Equal(t, []byte{0xde, 0xad}, vals[1])

	_, err = proxy.DeployData(impl)
	require.Error(t, err)
}

func TestArtifact_BytecodeHash(t *testing.T) {
	store, err := artifact.NewStore(artifacttest.BuildDir(t), "")
	require.NoError(t, err)
	a, err := store.Require("ERC20Simple")
	require.NoError(t, err)
	b, err := store.Require("PlainToken")
	require.NoError(t, err)

	ha, err := a.BytecodeHash()
	require.NoError(t, err)
	hb, err := b.BytecodeHash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestCoerceArgs(t *testing.T) {
	mustType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		require.NoError(t, err)
		return typ
	}
	args := abi.Arguments{
		{Name: "a", Type: mustType("uint256")},
		{Name: "b", Type: mustType("uint64")},
		{Name: "c", Type: mustType("int8")},
		{Name: "d", Type: mustType("address")},
		{Name: "e", Type: mustType("bool")},
		{Name: "f", Type: mustType("bytes32")},
		{Name: "g", Type: mustType("uint16[]")},
		{Name: "h", Type: mustType("string")},
	}

	out, err := artifact.CoerceArgs(args, []any{
		1, "42", -3, "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0", true, "0x01", []int{1, 2}, "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), out[0])
	assert.Equal(t, uint64(42), out[1])
	assert.Equal(t, int8(-3), out[2])
	assert.Equal(t, common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"), out[3])
	assert.Equal(t, true, out[4])
	assert.Equal(t, [32]byte{0x01}, out[5])
	assert.Equal(t, []uint16{1, 2}, out[6])
	assert.Equal(t, "hi", out[7])

	_, err = args.Pack(out...)
	require.NoError(t, err)
}

func TestCoerceArgs_Errors(t *testing.T) {
	u8, err := abi.NewType("uint8", "", nil)
	require.NoError(t, err)
	addr, err := abi.NewType("address", "", nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		typ  abi.Type
		val  any
	}{
		{"overflow", u8, 256},
		{"negative uint", u8, -1},
		{"not a number", u8, "ten"},
		{"bad address", addr, "0x1234"},
		{"wrong kind", addr, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := artifact.CoerceArgs(abi.Arguments{{Name: "x", Type: tt.typ}}, []any{tt.val})
			require.Error(t, err)
		})
	}

	_, err = artifact.CoerceArgs(abi.Arguments{{Type: u8}}, nil)
	require.Error(t, err)
}
