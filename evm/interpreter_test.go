package evm

import (
	"bytes"
	"maps"
	"math/big"
	"testing"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/types"
	ethereumCommon "github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slot struct {
	address common.Address
	key     uint256.Int
}

type memState struct {
	nonces   map[common.Address]uint64
	balances map[common.Address]uint256.Int
	code     map[common.Address][]byte
	storage  map[slot]uint256.Int
}

func (s *memState) clone() *memState {
	return &memState{
		nonces:   maps.Clone(s.nonces),
		balances: maps.Clone(s.balances),
		code:     maps.Clone(s.code),
		storage:  maps.Clone(s.storage),
	}
}

type memBackend struct {
	*memState
	snaps       []*memState
	precompiles map[common.Address]func(ctx *Context, input []byte, isStatic bool) ([]byte, error)
}

func newMemBackend() *memBackend {
	return &memBackend{memState: &memState{
		nonces:   map[common.Address]uint64{},
		balances: map[common.Address]uint256.Int{},
		code:     map[common.Address][]byte{},
		storage:  map[slot]uint256.Int{},
	}}
}

func (b *memBackend) ChainID() uint64 { return 111 }

func (b *memBackend) Nonce(a common.Address) (uint64, error) { return b.nonces[a], nil }

func (b *memBackend) Balance(a common.Address) (*uint256.Int, error) {
	v := b.balances[a]
	return &v, nil
}

func (b *memBackend) Code(a common.Address) ([]byte, error) { return b.code[a], nil }

func (b *memBackend) Storage(a common.Address, key *uint256.Int) (*uint256.Int, error) {
	v := b.storage[slot{a, *key}]
	return &v, nil
}

func (b *memBackend) IncrementNonce(a common.Address) error {
	b.nonces[a]++
	return nil
}

func (b *memBackend) Transfer(from, to common.Address, value *uint256.Int) error {
	src, dst := b.balances[from], b.balances[to]
	if src.Lt(value) {
		return evmerrors.ErrInsufficientBalance
	}
	src.Sub(&src, value)
	b.balances[from] = src
	dst = b.balances[to]
	dst.Add(&dst, value)
	b.balances[to] = dst
	return nil
}

func (b *memBackend) SetCode(a common.Address, code []byte) error {
	b.code[a] = code
	return nil
}

func (b *memBackend) SetStorage(a common.Address, key, value *uint256.Int) error {
	b.storage[slot{a, *key}] = *value
	return nil
}

func (b *memBackend) Snapshot() { b.snaps = append(b.snaps, b.memState.clone()) }

func (b *memBackend) RevertSnapshot() {
	b.memState = b.snaps[len(b.snaps)-1]
	b.snaps = b.snaps[:len(b.snaps)-1]
}

func (b *memBackend) CommitSnapshot() { b.snaps = b.snaps[:len(b.snaps)-1] }

func (b *memBackend) IsPrecompile(a common.Address) bool {
	_, ok := b.precompiles[a]
	return ok
}

func (b *memBackend) CallPrecompile(ctx *Context, a common.Address, input []byte, isStatic bool) ([]byte, error) {
	return b.precompiles[a](ctx, input, isStatic)
}

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contractB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func signed(t *testing.T, to *common.Address, value uint64, data []byte) *types.Transaction {
	t.Helper()
	_, keyHex := common.GetEVMDevAccount(0)
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	inner := &ethereumTypes.LegacyTx{Gas: 1_000_000, GasPrice: big.NewInt(1), Value: new(big.Int).SetUint64(value), Data: data}
	if to != nil {
		eth := ethereumCommon.Address(*to)
		inner.To = &eth
	}
	tx, err := ethereumTypes.SignNewTx(key, ethereumTypes.HomesteadSigner{}, inner)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	trx, err := types.Decode(raw)
	require.NoError(t, err)
	return trx
}

func funded(t *testing.T) (*memBackend, common.Address) {
	t.Helper()
	b := newMemBackend()
	from, _ := common.GetEVMDevAccount(0)
	b.balances[from] = *uint256.NewInt(1_000_000_000_000)
	return b, from
}

func TestStepBudgetAndResume(t *testing.T) {
	b, from := funded(t)
	code := append(bytes.Repeat([]byte{0x5b}, 499), 0x00)
	b.code[contractA] = code

	m, err := NewFactory().New(signed(t, &contractA, 0, nil), from, b)
	require.NoError(t, err)
	status, steps, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Equal(t, uint64(100), steps)
	assert.Equal(t, uint64(100), m.GasUsed())

	blob, err := m.MarshalBinary()
	require.NoError(t, err)
	restored, err := NewFactory().Restore(blob)
	require.NoError(t, err)
	again, err := restored.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, blob, again)

	status, steps, err = restored.Execute(1000, b)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, ExitStop, status.Reason)
	assert.Equal(t, uint64(400), steps)
	assert.Equal(t, uint64(499), restored.GasUsed())

	// finished machines report their exit again
	status, steps, err = restored.Execute(10, b)
	require.NoError(t, err)
	assert.Equal(t, ExitStop, status.Reason)
	assert.Zero(t, steps)
	assert.Equal(t, uint64(1), b.nonces[from])
}

func TestSstore(t *testing.T) {
	b, from := funded(t)
	b.code[contractA] = []byte{0x60, 0x2a, 0x60, 0x01, 0x55, 0x00} // sstore(1, 42)

	m, err := NewFactory().New(signed(t, &contractA, 0, nil), from, b)
	require.NoError(t, err)
	status, _, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.Equal(t, ExitStop, status.Reason)
	v, _ := b.Storage(contractA, uint256.NewInt(1))
	assert.Equal(t, uint64(42), v.Uint64())
	assert.Equal(t, uint64(3+3+20000), m.GasUsed())
}

func TestRevertUndoesValueTransfer(t *testing.T) {
	b, from := funded(t)
	b.code[contractA] = []byte{0x60, 0x00, 0x60, 0x00, 0xfd} // revert(0, 0)
	before := b.balances[from]

	m, err := NewFactory().New(signed(t, &contractA, 5, nil), from, b)
	require.NoError(t, err)
	status, _, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.Equal(t, ExitRevert, status.Reason)
	assert.Equal(t, before, b.balances[from])
	received := b.balances[contractA]
	assert.True(t, received.IsZero())
	assert.Equal(t, uint64(1), b.nonces[from])
	assert.Less(t, m.GasUsed(), uint64(1_000_000-21000))
}

func TestInvalidOpcodeConsumesFrameGas(t *testing.T) {
	b, from := funded(t)
	b.code[contractA] = []byte{0xfe}

	trx := signed(t, &contractA, 0, nil)
	m, err := NewFactory().New(trx, from, b)
	require.NoError(t, err)
	status, _, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.Equal(t, ExitRevert, status.Reason)
	assert.Equal(t, revertSelector, status.Data[:4])
	assert.Equal(t, trx.GasLimit().Uint64()-trx.IntrinsicGas(), m.GasUsed())
}

func TestNestedCallReturnData(t *testing.T) {
	b, from := funded(t)
	// mstore(0, 7) return(0, 32)
	b.code[contractB] = []byte{0x60, 0x07, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3}
	// call(gas, B, 0, 0, 0, 0, 32) pop return(0, 32)
	codeA := []byte{0x60, 0x20, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x73}
	codeA = append(codeA, contractB[:]...)
	codeA = append(codeA, 0x5a, 0xf1, 0x50, 0x60, 0x20, 0x60, 0x00, 0xf3)
	b.code[contractA] = codeA

	m, err := NewFactory().New(signed(t, &contractA, 0, nil), from, b)
	require.NoError(t, err)

	// one step at a time through the nested frame, serializing in between
	var status *ExitStatus
	for i := 0; i < 100 && status == nil; i++ {
		status, _, err = m.Execute(1, b)
		require.NoError(t, err)
		blob, err := m.MarshalBinary()
		require.NoError(t, err)
		m, err = NewFactory().Restore(blob)
		require.NoError(t, err)
	}
	require.NotNil(t, status)
	assert.Equal(t, ExitReturn, status.Reason)
	assert.Equal(t, uint64(7), new(uint256.Int).SetBytes(status.Data).Uint64())
}

func TestCreateDeploysCode(t *testing.T) {
	b, from := funded(t)
	// mstore8(0, 0) return(0, 1)
	initCode := []byte{0x60, 0x00, 0x60, 0x00, 0x53, 0x60, 0x01, 0x60, 0x00, 0xf3}

	m, err := NewFactory().New(signed(t, nil, 0, initCode), from, b)
	require.NoError(t, err)
	status, _, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.Equal(t, ExitReturn, status.Reason)
	created := common.Address(crypto.CreateAddress(from.Eth(), 0))
	assert.Equal(t, []byte{0x00}, b.code[created])
}

func TestStaticCallRejectsPrecompileWrite(t *testing.T) {
	b, from := funded(t)
	registry := common.HexToAddress("0xff00000000000000000000000000000000000005")
	var sawStatic bool
	b.precompiles = map[common.Address]func(*Context, []byte, bool) ([]byte, error){
		registry: func(ctx *Context, input []byte, isStatic bool) ([]byte, error) {
			sawStatic = isStatic
			if isStatic {
				return nil, evmerrors.ErrStaticModeViolation
			}
			return []byte{1}, nil
		},
	}
	// staticcall(gas, registry, 0, 0, 0, 0) then return the status word
	code := []byte{0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x73}
	code = append(code, registry[:]...)
	code = append(code, 0x5a, 0xfa, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3)
	b.code[contractA] = code

	m, err := NewFactory().New(signed(t, &contractA, 0, nil), from, b)
	require.NoError(t, err)
	status, _, err := m.Execute(100, b)
	require.NoError(t, err)
	assert.True(t, sawStatic)
	assert.Equal(t, ExitReturn, status.Reason)
	assert.True(t, new(uint256.Int).SetBytes(status.Data).IsZero())
}

func TestNewRejectsBadNonce(t *testing.T) {
	b, from := funded(t)
	b.nonces[from] = 3
	_, err := NewFactory().New(signed(t, &contractA, 0, nil), from, b)
	assert.ErrorIs(t, err, evmerrors.ErrInvalidNonce)
}
