package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/trie"
	"github.com/colorfulnotion/evmloader/types"
	ethereumCommon "github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bob      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	minerEth = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fixture struct {
	cfg    *config.Config
	ledger *storage.Ledger
	origin common.Address

	operator common.Pubkey
	treasury common.Pubkey
	miner    common.Pubkey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	store, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	origin, _ := common.GetEVMDevAccount(0)
	f := &fixture{
		cfg:      cfg,
		ledger:   storage.NewLedger(store),
		origin:   origin,
		operator: common.NamedPubkey("operator"),
		treasury: account.TreasuryKey(cfg.ProgramID, cfg.TreasuryPoolSeed, 0),
		miner:    account.BalanceKey(cfg.ProgramID, minerEth, cfg.ChainID),
	}
	require.NoError(t, f.ledger.Store(account.NewInfo(f.operator, common.SystemProgramID, 1_000_000_000_000, nil, true, true)))
	f.balance(t, minerEth, 0)
	return f
}

func (f *fixture) balance(t *testing.T, addr common.Address, value uint64) common.Pubkey {
	t.Helper()
	key := account.BalanceKey(f.cfg.ProgramID, addr, f.cfg.ChainID)
	info := account.NewInfo(key, f.cfg.ProgramID, f.cfg.RentExemptMinimum(account.BalanceSize), make([]byte, account.BalanceSize), false, true)
	b, err := account.InitBalance(f.cfg.ProgramID, info, addr, f.cfg.ChainID)
	require.NoError(t, err)
	require.NoError(t, b.Mint(uint256.NewInt(value)))
	require.NoError(t, f.ledger.Store(info))
	return key
}

func (f *fixture) contract(t *testing.T, addr common.Address, code []byte) common.Pubkey {
	t.Helper()
	key := account.ContractKey(f.cfg.ProgramID, addr)
	size := account.ContractSize(len(code), trie.EmptySize)
	info := account.NewInfo(key, f.cfg.ProgramID, f.cfg.RentExemptMinimum(size), make([]byte, size), false, true)
	_, err := account.InitContract(f.cfg.ProgramID, info, addr, f.cfg.ChainID, 0, code)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Store(info))
	return key
}

func (f *fixture) codeKey(addr common.Address) common.Pubkey {
	return account.ContractKey(f.cfg.ProgramID, addr)
}

func (f *fixture) holder(t *testing.T, name string) common.Pubkey {
	t.Helper()
	key := common.NamedPubkey(name)
	info := account.NewInfo(key, f.cfg.ProgramID, f.cfg.RentExemptMinimum(4096), make([]byte, 4096), false, true)
	_, err := account.InitHolder(f.cfg.ProgramID, info, f.operator)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Store(info))
	return key
}

func (f *fixture) sign(t *testing.T, nonce uint64, to *common.Address, value, gas uint64) []byte {
	t.Helper()
	inner := &ethereumTypes.LegacyTx{Nonce: nonce, Gas: gas, GasPrice: big.NewInt(1), Value: new(big.Int).SetUint64(value)}
	if to != nil {
		eth := ethereumCommon.Address(*to)
		inner.To = &eth
	}
	return f.signTx(t, inner)
}

// deploy signs a create transaction carrying initcode.
func (f *fixture) deploy(t *testing.T, nonce uint64, initcode []byte, gas uint64) []byte {
	t.Helper()
	return f.signTx(t, &ethereumTypes.LegacyTx{Nonce: nonce, Gas: gas, GasPrice: big.NewInt(1), Value: new(big.Int), Data: initcode})
}

func (f *fixture) signTx(t *testing.T, inner *ethereumTypes.LegacyTx) []byte {
	t.Helper()
	_, keyHex := common.GetEVMDevAccount(0)
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	signer := ethereumTypes.NewEIP155Signer(new(big.Int).SetUint64(f.cfg.ChainID))
	tx, err := ethereumTypes.SignNewTx(key, signer, inner)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func (f *fixture) fixed() []storage.AccountMeta {
	return []storage.AccountMeta{
		{Key: f.operator, IsSigner: true, IsWritable: true},
		{Key: f.treasury, IsWritable: true},
		{Key: f.miner, IsWritable: true},
		{Key: common.SystemProgramID},
	}
}

func (f *fixture) oneShot(t *testing.T, raw []byte, app ...common.Pubkey) (*types.EventLog, error) {
	t.Helper()
	metas := f.fixed()
	for _, key := range app {
		metas = append(metas, storage.AccountMeta{Key: key, IsWritable: true})
	}
	events := &types.EventLog{}
	payload := (&OneShotPayload{Transaction: raw}).Bytes()
	err := f.ledger.Invoke(metas, func(infos []*account.Info) error {
		return ExecuteOneShot(context.Background(), NewEnv(f.cfg, infos, evm.NewFactory(), events), payload)
	})
	return events, err
}

func (f *fixture) step(t *testing.T, entry func(context.Context, *Env, []byte) error, holder common.Pubkey, budget uint32, raw []byte, app ...common.Pubkey) (*types.EventLog, error) {
	t.Helper()
	metas := append([]storage.AccountMeta{{Key: holder, IsWritable: true}}, f.fixed()...)
	for _, key := range app {
		metas = append(metas, storage.AccountMeta{Key: key, IsWritable: true})
	}
	events := &types.EventLog{}
	payload := (&StepPayload{StepBudget: budget, Transaction: raw}).Bytes()
	err := f.ledger.Invoke(metas, func(infos []*account.Info) error {
		return entry(context.Background(), NewEnv(f.cfg, infos, evm.NewFactory(), events), payload)
	})
	return events, err
}

func (f *fixture) balanceOf(t *testing.T, addr common.Address) (uint64, uint64) {
	t.Helper()
	info, err := f.ledger.Load(account.BalanceKey(f.cfg.ProgramID, addr, f.cfg.ChainID))
	require.NoError(t, err)
	if len(info.Data()) == 0 {
		return 0, 0
	}
	b, err := account.BalanceFromAccount(f.cfg.ProgramID, info)
	require.NoError(t, err)
	return b.Balance().Uint64(), b.Nonce()
}

func (f *fixture) tagOf(t *testing.T, key common.Pubkey) account.Tag {
	t.Helper()
	info, err := f.ledger.Load(key)
	require.NoError(t, err)
	tag, err := account.TagOf(f.cfg.ProgramID, info)
	require.NoError(t, err)
	return tag
}

func (f *fixture) state(t *testing.T, key common.Pubkey) *account.StateAccount {
	t.Helper()
	info, err := f.ledger.Load(key)
	require.NoError(t, err)
	s, err := account.LoadState(f.cfg.ProgramID, info)
	require.NoError(t, err)
	return s
}

func gasOf(t *testing.T, events *types.EventLog) uint64 {
	t.Helper()
	gas := events.Named(types.EventGas)
	require.Len(t, gas, 1)
	require.Equal(t, gas[0].Fields[0], gas[0].Fields[1])
	return binary.LittleEndian.Uint64(gas[0].Fields[0])
}

func jumpdests(n int) []byte {
	return append(bytes.Repeat([]byte{0x5b}, n-1), 0x00)
}

func TestPayloadParsing(t *testing.T) {
	_, err := ParseOneShotPayload([]byte{1, 2, 3})
	assert.ErrorIs(t, err, evmerrors.ErrOutOfBounds)
	_, err = ParseStepPayload(make([]byte, 11))
	assert.ErrorIs(t, err, evmerrors.ErrOutOfBounds)

	p, err := ParseStepPayload((&StepPayload{TreasuryIndex: 3, StepBudget: 100, Transaction: []byte{0xaa}}).Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), p.TreasuryIndex)
	assert.Equal(t, uint32(100), p.StepBudget)
	assert.Equal(t, []byte{0xaa}, p.Transaction)

	one, err := ParseOneShotPayload((&OneShotPayload{TreasuryIndex: 7}).Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), one.TreasuryIndex)
	assert.Empty(t, one.Transaction)
}

func TestOneShotTransferCosts21000(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000)
	bobKey := f.balance(t, bob, 0)

	events, err := f.oneShot(t, f.sign(t, 0, &bob, 1000, 21000), alice, bobKey, f.codeKey(bob))
	require.NoError(t, err)

	assert.Equal(t, uint64(21000), gasOf(t, events))
	balance, nonce := f.balanceOf(t, f.origin)
	assert.Equal(t, uint64(1_000_000-1000-21000), balance)
	assert.Equal(t, uint64(1), nonce)
	received, _ := f.balanceOf(t, bob)
	assert.Equal(t, uint64(1000), received)
	paid, _ := f.balanceOf(t, minerEth)
	assert.Equal(t, uint64(21000), paid)

	ret := events.Named(types.EventReturn)
	require.Len(t, ret, 1)
	assert.Equal(t, []byte{byte(evm.ExitStop)}, ret[0].Fields[0])
	require.Len(t, events.Named(types.EventHash), 1)
	assert.Equal(t, minerEth.Bytes(), events.Named(types.EventMiner)[0].Fields[0])
}

func TestOneShotOutOfGasTransfersNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000)
	// bob has no balance region yet; the operator's rent pushes gas past the limit
	bobKey := account.BalanceKey(f.cfg.ProgramID, bob, f.cfg.ChainID)
	before, err := f.ledger.Snapshot(f.cfg.ProgramID)
	require.NoError(t, err)

	_, err = f.oneShot(t, f.sign(t, 0, &bob, 1000, 21000), alice, bobKey, f.codeKey(bob))
	require.ErrorIs(t, err, evmerrors.ErrOutOfGas)
	var oog *evmerrors.OutOfGasError
	require.ErrorAs(t, err, &oog)
	assert.Equal(t, uint64(21000), oog.Limit.Uint64())
	assert.Greater(t, oog.Used.Uint64(), uint64(21000))

	after, err := f.ledger.Snapshot(f.cfg.ProgramID)
	require.NoError(t, err)
	_, changed, err := storage.DiffSnapshots(before, after, false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestBeginPersistsStateWithinBudget(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000)
	code := f.contract(t, contract, jumpdests(500))
	holder := f.holder(t, "storage-1")
	raw := f.sign(t, 0, &contract, 0, 1_000_000)

	events, err := f.step(t, BeginOrContinue, holder, 100, raw, alice, code)
	require.NoError(t, err)
	assert.Empty(t, events.Named(types.EventGas))
	assert.Empty(t, events.Named(types.EventReturn))
	assert.Len(t, events.Named(types.EventHash), 1)

	assert.Equal(t, account.TagState, f.tagOf(t, holder))
	s := f.state(t, holder)
	assert.Equal(t, uint64(100), s.Steps())
	assert.Equal(t, f.origin, s.Origin())
	assert.ElementsMatch(t, []common.Pubkey{alice, code}, s.Accounts())
	// intrinsic, one invocation and 100 JUMPDESTs
	assert.Equal(t, uint64(21000+5000+100), s.GasUsed().Uint64())

	// the accounts are held until the transaction finishes
	other := f.balance(t, bob, 0)
	_, err = f.oneShot(t, f.sign(t, 0, &bob, 1, 21000), alice, other, f.codeKey(bob))
	assert.ErrorIs(t, err, evmerrors.ErrAccountBlocked)

	events, err = f.step(t, Continue, holder, 500, nil, alice, code)
	require.NoError(t, err)
	assert.Equal(t, account.TagStateFinalized, f.tagOf(t, holder))
	assert.Equal(t, uint64(21000+2*5000+499), gasOf(t, events))
	balance, nonce := f.balanceOf(t, f.origin)
	assert.Equal(t, uint64(1_000_000_000-(21000+2*5000+499)), balance)
	assert.Equal(t, uint64(1), nonce)

	// finalized: the same transaction cannot run again in this region
	_, err = f.step(t, BeginOrContinue, holder, 100, raw, alice, code)
	assert.ErrorIs(t, err, evmerrors.ErrStorageFinalized)
}

func TestContinueRejectsHolder(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000)
	holder := f.holder(t, "storage-1")
	before, err := f.ledger.Snapshot(f.cfg.ProgramID)
	require.NoError(t, err)

	_, err = f.step(t, Continue, holder, 100, f.sign(t, 0, &bob, 1, 21000), alice)
	require.ErrorIs(t, err, evmerrors.ErrAccountInvalidTag)
	var tagErr *evmerrors.InvalidTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, uint8(account.TagHolder), tagErr.Actual)

	after, err := f.ledger.Snapshot(f.cfg.ProgramID)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, account.TagHolder, f.tagOf(t, holder))
}

func TestBeginReadsTransactionFromHolder(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000)
	bobKey := f.balance(t, bob, 0)
	holder := f.holder(t, "storage-1")
	raw := f.sign(t, 0, &bob, 10, 100_000)

	err := f.ledger.Invoke([]storage.AccountMeta{{Key: holder, IsWritable: true}}, func(infos []*account.Info) error {
		h, err := account.HolderFromAccount(f.cfg.ProgramID, infos[0])
		if err != nil {
			return err
		}
		return h.Write(0, raw)
	})
	require.NoError(t, err)

	events, err := f.step(t, BeginOrContinue, holder, 100, nil, alice, bobKey, f.codeKey(bob))
	require.NoError(t, err)
	assert.Equal(t, account.TagStateFinalized, f.tagOf(t, holder))
	assert.Equal(t, uint64(21000+5000), gasOf(t, events))
	received, _ := f.balanceOf(t, bob)
	assert.Equal(t, uint64(10), received)
}

// storageProgram writes slot 1, spins n steps, writes slot 2 and stops.
func storageProgram(n int) []byte {
	code := []byte{0x60, 0x2a, 0x60, 0x01, 0x55}
	code = append(code, bytes.Repeat([]byte{0x5b}, n)...)
	return append(code, 0x60, 0x07, 0x60, 0x02, 0x55, 0x00)
}

// runInSteps drives one transaction to completion with the given budget and
// returns the final contract region and the RETURN event.
func runInSteps(t *testing.T, budget uint32) (json.RawMessage, types.Event, int) {
	t.Helper()
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000_000)
	code := f.contract(t, contract, storageProgram(150))
	holder := f.holder(t, "storage-1")
	raw := f.sign(t, 0, &contract, 0, 100_000_000)

	var ret []types.Event
	invocations := 0
	for ; invocations < 50 && len(ret) == 0; invocations++ {
		events, err := f.step(t, BeginOrContinue, holder, budget, raw, alice, code)
		require.NoError(t, err)
		ret = events.Named(types.EventReturn)
	}
	require.Len(t, ret, 1)

	snap, err := f.ledger.Snapshot(f.cfg.ProgramID)
	require.NoError(t, err)
	var accounts map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(snap, &accounts))
	return accounts[code.Hex()], ret[0], invocations
}

func TestResumptionIsDeterministic(t *testing.T) {
	whole, wholeRet, n := runInSteps(t, 1000)
	assert.Equal(t, 1, n)
	sliced, slicedRet, m := runInSteps(t, 40)
	assert.Greater(t, m, 3)

	opts := jsondiff.DefaultConsoleOptions()
	diff, explanation := jsondiff.Compare(whole, sliced, &opts)
	assert.Equal(t, jsondiff.FullMatch, diff, explanation)
	assert.Equal(t, wholeRet, slicedRet)
}

func TestSecondBeginOfInFlightTransactionIsBlocked(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000)
	code := f.contract(t, contract, jumpdests(500))
	first := f.holder(t, "storage-1")
	second := f.holder(t, "storage-2")
	raw := f.sign(t, 0, &contract, 0, 1_000_000)

	_, err := f.step(t, BeginOrContinue, first, 100, raw, alice, code)
	require.NoError(t, err)
	require.Equal(t, account.TagState, f.tagOf(t, first))

	_, err = f.step(t, BeginOrContinue, second, 100, raw, alice, code)
	assert.ErrorIs(t, err, evmerrors.ErrAccountBlocked)
	assert.Equal(t, account.TagHolder, f.tagOf(t, second))

	// resuming needs every account the state recorded
	_, err = f.step(t, Continue, first, 100, nil, alice)
	assert.ErrorIs(t, err, evmerrors.ErrStateAccountMismatch)
	assert.Equal(t, uint64(100), f.state(t, first).Steps())

	_, err = f.step(t, Continue, first, 500, nil, alice, code)
	require.NoError(t, err)
	assert.Equal(t, account.TagStateFinalized, f.tagOf(t, first))
}

func TestDeployLargerThanOneGrowthFinishesNextInvocation(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000_000)
	holder := f.holder(t, "storage-1")
	created := common.Address(crypto.CreateAddress(f.origin.Eth(), 0))
	createdBalance := account.BalanceKey(f.cfg.ProgramID, created, f.cfg.ChainID)
	size := 0x3000
	require.Greater(t, size, f.cfg.MaxPermittedDataIncrease)

	// PUSH2 0x3000 PUSH1 0 RETURN: deploy 0x3000 zero bytes
	raw := f.deploy(t, 0, []byte{0x61, 0x30, 0x00, 0x60, 0x00, 0xf3}, 1_000_000_000)

	events, err := f.step(t, BeginOrContinue, holder, 1000, raw, alice, createdBalance, f.codeKey(created))
	require.NoError(t, err)
	assert.Equal(t, account.TagState, f.tagOf(t, holder))
	assert.Empty(t, events.Named(types.EventGas))
	assert.Empty(t, events.Named(types.EventReturn))
	grown, err := f.ledger.Load(f.codeKey(created))
	require.NoError(t, err)
	assert.Len(t, grown.Data(), f.cfg.MaxPermittedDataIncrease)

	events, err = f.step(t, BeginOrContinue, holder, 1000, raw, alice, createdBalance, f.codeKey(created))
	require.NoError(t, err)
	assert.Equal(t, account.TagStateFinalized, f.tagOf(t, holder))
	assert.Len(t, events.Named(types.EventGas), 1)
	assert.Len(t, events.Named(types.EventReturn), 1)

	info, err := f.ledger.Load(f.codeKey(created))
	require.NoError(t, err)
	c, err := account.ContractFromAccount(f.cfg.ProgramID, info)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, size), c.Code())
	assert.Equal(t, created, c.Address())
	_, nonce := f.balanceOf(t, f.origin)
	assert.Equal(t, uint64(1), nonce)
}

// legacyContract lays out a LEGACY_ACCOUNT_V3 region with no nonce or balance:
// tag(1) | address(20) | bump(1) | nonce(8) | balance(32) | code size(4) | code | storage.
func legacyContract(addr common.Address, code, slots []byte) []byte {
	data := make([]byte, account.LegacyHeaderSize+len(code)+len(slots))
	data[0] = byte(account.TagLegacyAccountV3)
	copy(data[1:], addr.Bytes())
	binary.LittleEndian.PutUint32(data[account.LegacyHeaderSize-4:], uint32(len(code)))
	copy(data[account.LegacyHeaderSize:], code)
	copy(data[account.LegacyHeaderSize+len(code):], slots)
	return data
}

func TestBeginMigratesLegacyAccounts(t *testing.T) {
	f := newFixture(t)
	alice := f.balance(t, f.origin, 1_000_000_000)

	code := jumpdests(4)
	slots := make([]byte, trie.EmptySize)
	_, err := trie.New(slots, true)
	require.NoError(t, err)
	region := legacyContract(contract, code, slots)
	lamports := f.cfg.RentExemptMinimum(len(region)) + 5_000_000_000
	codeKey := f.codeKey(contract)
	require.NoError(t, f.ledger.Store(account.NewInfo(codeKey, f.cfg.ProgramID, lamports, region, false, true)))
	excess := lamports - f.cfg.RentExemptMinimum(account.ContractSize(len(code), len(slots)))

	// tag(1) | owner(32) | buffer
	legacyHolder := make([]byte, 4096)
	legacyHolder[0] = byte(account.TagHolderDeprecated)
	copy(legacyHolder[1:33], f.operator[:])
	holder := common.NamedPubkey("storage-1")
	require.NoError(t, f.ledger.Store(account.NewInfo(holder, f.cfg.ProgramID, f.cfg.RentExemptMinimum(4096), legacyHolder, false, true)))

	before, err := f.ledger.Load(f.operator)
	require.NoError(t, err)
	operatorBefore := before.Lamports

	events, err := f.step(t, BeginOrContinue, holder, 100, f.sign(t, 0, &contract, 0, 1_000_000), alice, codeKey)
	require.NoError(t, err)
	assert.Equal(t, account.TagStateFinalized, f.tagOf(t, holder))
	// intrinsic, one invocation and three JUMPDESTs; no region grew
	assert.Equal(t, uint64(21000+5000+3), gasOf(t, events))

	after, err := f.ledger.Load(f.operator)
	require.NoError(t, err)
	assert.Equal(t, operatorBefore+excess, after.Lamports)

	info, err := f.ledger.Load(codeKey)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RentExemptMinimum(account.ContractSize(len(code), len(slots))), info.Lamports)
	c, err := account.ContractFromAccount(f.cfg.ProgramID, info)
	require.NoError(t, err)
	assert.Equal(t, code, c.Code())
	assert.Equal(t, contract, c.Address())
}

func TestGasCostSaturates(t *testing.T) {
	assert.Equal(t, uint64(42_000), gasCost(uint256.NewInt(21000), uint256.NewInt(2)).Uint64())
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	assert.Equal(t, new(uint256.Int).SetAllOne(), gasCost(uint256.NewInt(21000), huge))
}
