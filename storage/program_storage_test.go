package storage

import (
	"bytes"
	"testing"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	bob   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	miner = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type harness struct {
	cfg      *config.Config
	program  common.Pubkey
	operator *account.Operator
	treasury *account.Treasury
	infos    []*account.Info
	store    *ProgramAccountStorage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	op, err := account.OperatorFromAccount(cfg, account.NewInfo(common.NamedPubkey("operator"), common.SystemProgramID, 1_000_000_000_000, nil, true, true))
	require.NoError(t, err)
	tr, err := account.TreasuryFromAccount(cfg.ProgramID, cfg, 0,
		account.NewInfo(account.TreasuryKey(cfg.ProgramID, cfg.TreasuryPoolSeed, 0), common.SystemProgramID, 0, nil, false, true))
	require.NoError(t, err)
	return &harness{cfg: cfg, program: cfg.ProgramID, operator: op, treasury: tr}
}

// empty adds a writable region the program does not own yet.
func (h *harness) empty(key common.Pubkey) *account.Info {
	info := account.NewInfo(key, common.SystemProgramID, 0, nil, false, true)
	h.infos = append(h.infos, info)
	return info
}

func (h *harness) balance(t *testing.T, addr common.Address, value uint64) *account.Balance {
	t.Helper()
	info := account.NewInfo(account.BalanceKey(h.program, addr, h.cfg.ChainID), h.program,
		h.cfg.RentExemptMinimum(account.BalanceSize), make([]byte, account.BalanceSize), false, true)
	b, err := account.InitBalance(h.program, info, addr, h.cfg.ChainID)
	require.NoError(t, err)
	require.NoError(t, b.Mint(uint256.NewInt(value)))
	h.infos = append(h.infos, info)
	return b
}

func (h *harness) build(t *testing.T, operatorBalance *account.Balance) *ProgramAccountStorage {
	t.Helper()
	sys, err := account.SystemFromAccount(account.NewInfo(common.SystemProgramID, common.SystemProgramID, 1, nil, false, false))
	require.NoError(t, err)
	h.store = NewProgramAccountStorage(h.cfg, account.NewAccountsDB(h.infos, h.operator, operatorBalance, sys, h.treasury))
	return h.store
}

type regionState struct {
	owner    common.Pubkey
	lamports uint64
	data     []byte
}

func (h *harness) capture() []regionState {
	out := []regionState{{lamports: h.operator.Lamports()}}
	for _, info := range h.infos {
		out = append(out, regionState{owner: info.Owner, lamports: info.Lamports, data: bytes.Clone(info.Data())})
	}
	return out
}

func TestAllocateNotReadyLeavesRegionsUntouched(t *testing.T) {
	h := newHarness(t)
	h.balance(t, alice, 1000)
	h.empty(account.BalanceKey(h.program, bob, h.cfg.ChainID))
	h.empty(account.ContractKey(h.program, bob))
	s := h.build(t, nil)

	actions := []types.Action{
		types.NewTransfer(alice, bob, h.cfg.ChainID, uint256.NewInt(10)),
		types.NewSetCode(bob, h.cfg.ChainID, make([]byte, h.cfg.MaxPermittedDataIncrease+1)),
	}
	before := h.capture()
	res, err := s.Allocate(actions)
	require.NoError(t, err)
	assert.Equal(t, NotReady, res)
	assert.Equal(t, before, h.capture())
}

func TestAllocateReadyThenApply(t *testing.T) {
	h := newHarness(t)
	h.balance(t, alice, 1000)
	bobInfo := h.empty(account.BalanceKey(h.program, bob, h.cfg.ChainID))
	s := h.build(t, nil)
	startLamports := h.operator.Lamports()

	actions := []types.Action{
		types.NewIncrementNonce(alice, h.cfg.ChainID),
		types.NewTransfer(alice, bob, h.cfg.ChainID, uint256.NewInt(250)),
		types.NewTransfer(alice, bob, h.cfg.ChainID, new(uint256.Int)),
	}
	res, err := s.Allocate(actions)
	require.NoError(t, err)
	require.Equal(t, Ready, res)

	rent := h.cfg.RentExemptMinimum(account.BalanceSize)
	assert.Equal(t, h.program, bobInfo.Owner)
	assert.Len(t, bobInfo.Data(), account.BalanceSize)
	assert.Equal(t, rent, bobInfo.Lamports)
	assert.Equal(t, startLamports-rent, h.operator.Lamports())

	require.NoError(t, s.ApplyStateChange(actions))
	bal, err := s.Balance(bob, h.cfg.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), bal.Uint64())
	bal, err = s.Balance(alice, h.cfg.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), bal.Uint64())
	nonce, err := s.Nonce(alice, h.cfg.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestGrowConvergesAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	region := h.empty(account.ContractKey(h.program, bob))
	s := h.build(t, nil)

	code := bytes.Repeat([]byte{0x5b}, 2*h.cfg.MaxPermittedDataIncrease+100)
	key, value := uint256.NewInt(1), uint256.NewInt(42)
	actions := []types.Action{
		types.NewSetCode(bob, h.cfg.ChainID, code),
		types.NewSetStorage(bob, key, value),
	}

	res, err := s.Allocate(actions)
	require.NoError(t, err)
	require.Equal(t, NotReady, res)

	var rounds int
	for {
		done, err := s.Grow(actions)
		require.NoError(t, err)
		rounds++
		tag, err := account.TagOf(h.program, region)
		require.NoError(t, err)
		assert.Equal(t, account.TagEmpty, tag)
		if done {
			break
		}
		require.Less(t, rounds, 5)
	}
	assert.Equal(t, 3, rounds)

	res, err = s.Allocate(actions)
	require.NoError(t, err)
	require.Equal(t, Ready, res)
	require.NoError(t, s.ApplyStateChange(actions))

	got, err := s.Code(bob)
	require.NoError(t, err)
	assert.Equal(t, code, got)
	v, err := s.Storage(bob, key)
	require.NoError(t, err)
	assert.Equal(t, value.Uint64(), v.Uint64())
	assert.True(t, region.Lamports >= h.cfg.RentExemptMinimum(len(region.Data())))
}

func TestStorageWithoutCode(t *testing.T) {
	h := newHarness(t)
	registry := common.HexToAddress("0xff00000000000000000000000000000000000005")
	h.empty(account.ContractKey(h.program, registry))
	s := h.build(t, nil)

	actions := []types.Action{types.NewSetStorage(registry, uint256.NewInt(7), uint256.NewInt(9))}
	res, err := s.Allocate(actions)
	require.NoError(t, err)
	require.Equal(t, Ready, res)
	require.NoError(t, s.ApplyStateChange(actions))

	code, err := s.Code(registry)
	require.NoError(t, err)
	assert.Empty(t, code)
	v, err := s.Storage(registry, uint256.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v.Uint64())
	v, err = s.Storage(registry, uint256.NewInt(8))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestTreasuryAndGasPayment(t *testing.T) {
	h := newHarness(t)
	h.balance(t, alice, 100_000)
	minerInfo := account.NewInfo(account.BalanceKey(h.program, miner, h.cfg.ChainID), h.program,
		h.cfg.RentExemptMinimum(account.BalanceSize), make([]byte, account.BalanceSize), false, true)
	minerBalance, err := account.InitBalance(h.program, minerInfo, miner, h.cfg.ChainID)
	require.NoError(t, err)
	s := h.build(t, minerBalance)

	start := h.operator.Lamports()
	require.NoError(t, s.ApplyStateChange([]types.Action{types.NewTreasuryFee(1000), types.NewTreasuryFee(500)}))
	require.NoError(t, s.TransferTreasuryPayment())
	assert.Equal(t, uint64(1500), h.treasury.Info().Lamports)
	assert.Equal(t, start-1500, h.operator.Lamports())

	// collected fees are paid once
	require.NoError(t, s.TransferTreasuryPayment())
	assert.Equal(t, uint64(1500), h.treasury.Info().Lamports)

	require.NoError(t, s.TransferGasPayment(alice, h.cfg.ChainID, uint256.NewInt(21000)))
	assert.Equal(t, uint64(21000), minerBalance.Balance().Uint64())
	bal, err := s.Balance(alice, h.cfg.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(79_000), bal.Uint64())

	err = s.TransferGasPayment(alice, h.cfg.ChainID, uint256.NewInt(1_000_000))
	require.Error(t, err)
	assert.Equal(t, uint64(21000), minerBalance.Balance().Uint64())
}

func TestReadsOfAbsentAccounts(t *testing.T) {
	h := newHarness(t)
	h.empty(account.BalanceKey(h.program, bob, h.cfg.ChainID))
	s := h.build(t, nil)

	bal, err := s.Balance(bob, h.cfg.ChainID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	_, err = s.Balance(alice, h.cfg.ChainID)
	require.Error(t, err)
}
