package main

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	operatorLamports = 1_000_000_000_000_000
	holderSize       = 16 * 1024
	devAccounts      = 5
)

// fixedKeys are the accounts every invocation passes ahead of the application accounts.
type fixedKeys struct {
	operator common.Pubkey
	treasury common.Pubkey
	miner    common.Pubkey
	minerEth common.Address
}

func newFixedKeys(cfg *config.Config, operatorName string, minerIndex int, treasuryIndex uint32) fixedKeys {
	minerEth, _ := common.GetEVMDevAccount(minerIndex)
	return fixedKeys{
		operator: common.NamedPubkey(operatorName),
		treasury: account.TreasuryKey(cfg.ProgramID, cfg.TreasuryPoolSeed, treasuryIndex),
		miner:    account.BalanceKey(cfg.ProgramID, minerEth, cfg.ChainID),
		minerEth: minerEth,
	}
}

func (k fixedKeys) metas() []storage.AccountMeta {
	return []storage.AccountMeta{
		{Key: k.operator, IsSigner: true, IsWritable: true},
		{Key: k.treasury, IsWritable: true},
		{Key: k.miner, IsWritable: true},
		{Key: common.SystemProgramID},
	}
}

func newBalance(cfg *config.Config, addr common.Address, value uint64) (*account.Info, error) {
	key := account.BalanceKey(cfg.ProgramID, addr, cfg.ChainID)
	info := account.NewInfo(key, cfg.ProgramID, cfg.RentExemptMinimum(account.BalanceSize), make([]byte, account.BalanceSize), false, true)
	b, err := account.InitBalance(cfg.ProgramID, info, addr, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if err := b.Mint(uint256.NewInt(value)); err != nil {
		return nil, err
	}
	return info, nil
}

// seedGenesis stores the operator, the miner balance and funded dev accounts.
func seedGenesis(cfg *config.Config, ledger *storage.Ledger, keys fixedKeys, balance uint64) error {
	infos := []*account.Info{account.NewInfo(keys.operator, common.SystemProgramID, operatorLamports, nil, true, true)}
	for i := 0; i < devAccounts; i++ {
		addr, _ := common.GetEVMDevAccount(i)
		value := balance
		if addr == keys.minerEth {
			value = 0
		}
		info, err := newBalance(cfg, addr, value)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return ledger.Store(infos...)
}

// ensureHolder returns the named holder region, creating it when absent.
func (k fixedKeys) ensureHolder(cfg *config.Config, ledger *storage.Ledger, name string) (common.Pubkey, error) {
	key := common.NamedPubkey(name)
	info, err := ledger.Load(key)
	if err != nil {
		return key, err
	}
	if info.Owner == cfg.ProgramID {
		return key, nil
	}
	info = account.NewInfo(key, cfg.ProgramID, cfg.RentExemptMinimum(holderSize), make([]byte, holderSize), false, true)
	if _, err := account.InitHolder(cfg.ProgramID, info, k.operator); err != nil {
		return key, err
	}
	return key, ledger.Store(info)
}

// transactionKeys lists the regions a transaction touches directly: the
// origin's balance, and the target's balance and contract.
func transactionKeys(cfg *config.Config, trx *types.Transaction) ([]common.Pubkey, error) {
	origin, err := trx.RecoverCallerAddress()
	if err != nil {
		return nil, err
	}
	chainID := trx.ChainIDOr(cfg.ChainID)
	keys := []common.Pubkey{account.BalanceKey(cfg.ProgramID, origin, chainID)}
	var target common.Address
	if trx.IsCreate() {
		target = common.Address(crypto.CreateAddress(origin.Eth(), trx.Nonce()))
	} else {
		target = *trx.Target()
	}
	keys = append(keys, account.BalanceKey(cfg.ProgramID, target, chainID), account.ContractKey(cfg.ProgramID, target))
	return keys, nil
}

func appendApp(metas []storage.AccountMeta, keys []common.Pubkey, extra []string) ([]storage.AccountMeta, error) {
	seen := make(map[common.Pubkey]bool, len(metas))
	for _, m := range metas {
		seen[m.Key] = true
	}
	for _, s := range extra {
		key, err := common.HexToPubkey(s)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", s, err)
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		metas = append(metas, storage.AccountMeta{Key: key, IsWritable: true})
	}
	return metas, nil
}

func (k fixedKeys) oneShotMetas(cfg *config.Config, raw []byte, extra []string) ([]storage.AccountMeta, error) {
	trx, err := types.Decode(raw)
	if err != nil {
		return nil, err
	}
	keys, err := transactionKeys(cfg, trx)
	if err != nil {
		return nil, err
	}
	return appendApp(k.metas(), keys, extra)
}

// stepMetas resumes with the accounts a STATE region recorded; otherwise the
// accounts come from the transaction in raw or in the holder buffer.
func (k fixedKeys) stepMetas(cfg *config.Config, ledger *storage.Ledger, holder common.Pubkey, raw []byte, extra []string) ([]storage.AccountMeta, error) {
	info, err := ledger.Load(holder)
	if err != nil {
		return nil, err
	}
	metas := append([]storage.AccountMeta{{Key: holder, IsWritable: true}}, k.metas()...)
	tag, err := account.TagOf(cfg.ProgramID, info)
	if err != nil {
		return nil, err
	}
	if tag == account.TagState {
		state, err := account.LoadState(cfg.ProgramID, info)
		if err != nil {
			return nil, err
		}
		return appendApp(metas, state.Accounts(), nil)
	}

	var trx *types.Transaction
	if len(raw) > 0 {
		trx, err = types.Decode(raw)
	} else {
		var h *account.Holder
		if h, err = account.HolderFromAccount(cfg.ProgramID, info); err == nil {
			trx, err = h.Transaction()
		}
	}
	if err != nil {
		return nil, err
	}
	keys, err := transactionKeys(cfg, trx)
	if err != nil {
		return nil, err
	}
	return appendApp(metas, keys, extra)
}
