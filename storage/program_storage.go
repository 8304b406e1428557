package storage

import (
	"bytes"
	"fmt"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/trie"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
	"golang.org/x/exp/slices"
)

type AllocateResult int

const (
	Ready AllocateResult = iota
	NotReady
)

func (r AllocateResult) String() string {
	if r == Ready {
		return "Ready"
	}
	return "NotReady"
}

// ProgramAccountStorage is the program's view of the ledger during one invocation:
// typed reads for the executor and the allocate/apply commit protocol.
type ProgramAccountStorage struct {
	cfg       *config.Config
	programID common.Pubkey
	accounts  *account.AccountsDB

	treasuryPayment uint64
}

func NewProgramAccountStorage(cfg *config.Config, accounts *account.AccountsDB) *ProgramAccountStorage {
	return &ProgramAccountStorage{cfg: cfg, programID: cfg.ProgramID, accounts: accounts}
}

func (s *ProgramAccountStorage) Accounts() *account.AccountsDB { return s.accounts }

func (s *ProgramAccountStorage) Operator() *account.Operator { return s.accounts.Operator() }

func (s *ProgramAccountStorage) ProgramID() common.Pubkey { return s.programID }

// DefaultChainID applies to unprotected transactions.
func (s *ProgramAccountStorage) DefaultChainID() uint64 { return s.cfg.ChainID }

// IsValidChainID reports whether balances may be held on chainID.
func (s *ProgramAccountStorage) IsValidChainID(chainID uint64) bool {
	return chainID == s.cfg.ChainID
}

func (s *ProgramAccountStorage) balance(address common.Address, chainID uint64) (*account.Balance, error) {
	key := account.BalanceKey(s.programID, address, chainID)
	info, err := s.accounts.Get(key)
	if err != nil {
		return nil, err
	}
	tag, err := account.TagOf(s.programID, info)
	if err != nil {
		return nil, err
	}
	switch tag {
	case account.TagBalance:
		return account.BalanceFromAccount(s.programID, info)
	case account.TagEmpty:
		return nil, nil
	case account.TagLegacyAccountV3, account.TagState, account.TagStateFinalizedDeprecated, account.TagStateFinalized,
		account.TagHolderDeprecated, account.TagHolder, account.TagContract:
	}
	return nil, &evmerrors.InvalidTagError{Key: key, Expected: uint8(account.TagBalance), Actual: uint8(tag)}
}

func (s *ProgramAccountStorage) contract(address common.Address) (*account.Contract, error) {
	key := account.ContractKey(s.programID, address)
	info, err := s.accounts.Get(key)
	if err != nil {
		return nil, err
	}
	tag, err := account.TagOf(s.programID, info)
	if err != nil {
		return nil, err
	}
	switch tag {
	case account.TagContract:
		return account.ContractFromAccount(s.programID, info)
	case account.TagEmpty:
		return nil, nil
	case account.TagLegacyAccountV3, account.TagState, account.TagStateFinalizedDeprecated, account.TagStateFinalized,
		account.TagHolderDeprecated, account.TagHolder, account.TagBalance:
	}
	return nil, &evmerrors.InvalidTagError{Key: key, Expected: uint8(account.TagContract), Actual: uint8(tag)}
}

// Nonce reads the nonce of address. Addresses without a balance region read as zero.
func (s *ProgramAccountStorage) Nonce(address common.Address, chainID uint64) (uint64, error) {
	b, err := s.balance(address, chainID)
	if err != nil || b == nil {
		return 0, err
	}
	return b.Nonce(), nil
}

func (s *ProgramAccountStorage) Balance(address common.Address, chainID uint64) (*uint256.Int, error) {
	b, err := s.balance(address, chainID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return new(uint256.Int), nil
	}
	return b.Balance(), nil
}

func (s *ProgramAccountStorage) Code(address common.Address) ([]byte, error) {
	c, err := s.contract(address)
	if err != nil || c == nil {
		return nil, err
	}
	return c.Code(), nil
}

func (s *ProgramAccountStorage) Storage(address common.Address, key *uint256.Int) (*uint256.Int, error) {
	c, err := s.contract(address)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return new(uint256.Int), nil
	}
	return c.Storage(key)
}

type allocation struct {
	info     *account.Info
	required int
}

// plan computes the region size every touched account needs after actions.
// It never mutates.
func (s *ProgramAccountStorage) plan(actions []types.Action) ([]allocation, error) {
	sizes := make(map[common.Pubkey]allocation)
	need := func(key common.Pubkey, size int) error {
		info, err := s.accounts.Get(key)
		if err != nil {
			return err
		}
		if cur, ok := sizes[key]; ok && cur.required >= size {
			return nil
		}
		sizes[key] = allocation{info: info, required: size}
		return nil
	}
	ensureBalance := func(address common.Address, chainID uint64) error {
		b, err := s.balance(address, chainID)
		if err != nil || b != nil {
			return err
		}
		return need(account.BalanceKey(s.programID, address, chainID), account.BalanceSize)
	}

	created := make(map[common.Address][]byte)
	slots := make(map[common.Address][]*uint256.Int)
	var order []common.Address
	for _, a := range actions {
		switch a.Kind {
		case types.ActionTransfer:
			if a.Value.IsZero() {
				continue
			}
			if err := ensureBalance(a.Address, a.ChainID); err != nil {
				return nil, err
			}
			if err := ensureBalance(a.Target, a.ChainID); err != nil {
				return nil, err
			}
		case types.ActionIncrementNonce:
			if err := ensureBalance(a.Address, a.ChainID); err != nil {
				return nil, err
			}
		case types.ActionSetCode:
			created[a.Address] = a.Code
			if _, ok := slots[a.Address]; !ok {
				slots[a.Address] = nil
				order = append(order, a.Address)
			}
		case types.ActionSetStorage:
			if _, ok := slots[a.Address]; !ok {
				order = append(order, a.Address)
			}
			slots[a.Address] = append(slots[a.Address], a.Key)
		case types.ActionTreasuryFee:
		}
	}

	for _, address := range order {
		key := account.ContractKey(s.programID, address)
		if code, ok := created[address]; ok {
			used, err := trie.RequiredSpaceFresh(slots[address])
			if err != nil {
				return nil, err
			}
			if err := need(key, account.ContractSize(len(code), used)); err != nil {
				return nil, err
			}
			continue
		}
		c, err := s.contract(address)
		if err != nil {
			return nil, err
		}
		if c == nil {
			// storage without code, as the precompiles keep it
			used, err := trie.RequiredSpaceFresh(slots[address])
			if err != nil {
				return nil, err
			}
			if err := need(key, account.ContractSize(0, used)); err != nil {
				return nil, err
			}
			continue
		}
		size, err := c.RequiredSize(slots[address])
		if err != nil {
			return nil, err
		}
		if err := need(key, size); err != nil {
			return nil, err
		}
	}

	out := make([]allocation, 0, len(sizes))
	for _, a := range sizes {
		if a.required > len(a.info.Data()) {
			if !a.info.IsWritable {
				return nil, evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, a.info.Key)
			}
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b allocation) int {
		return bytes.Compare(a.info.Key[:], b.info.Key[:])
	})
	return out, nil
}

func (s *ProgramAccountStorage) operatorCost(plan []allocation, sizeOf func(allocation) int) uint64 {
	var total uint64
	for _, a := range plan {
		rent := s.cfg.RentExemptMinimum(sizeOf(a))
		if rent > a.info.Lamports {
			total += rent - a.info.Lamports
		}
	}
	return total
}

// grow resizes one planned region to size, creating it if the program does not own it yet.
func (s *ProgramAccountStorage) grow(a allocation, size int) error {
	rent := s.cfg.RentExemptMinimum(size)
	if a.info.Owner != s.programID {
		return s.accounts.System().CreateAccount(s.Operator(), a.info, s.programID, size, rent)
	}
	if err := a.info.Realloc(size); err != nil {
		return err
	}
	return s.accounts.System().Fund(s.Operator(), a.info, rent)
}

// Allocate sizes every region the actions will write. NotReady means some region
// needs more than one invocation may add, and nothing was changed.
func (s *ProgramAccountStorage) Allocate(actions []types.Action) (AllocateResult, error) {
	plan, err := s.plan(actions)
	if err != nil {
		return NotReady, err
	}
	for _, a := range plan {
		if a.required-len(a.info.Data()) > s.cfg.MaxPermittedDataIncrease {
			log.Debug(log.AccountMonitoring, "allocate not ready", "key", a.info.Key.String_short(), "have", len(a.info.Data()), "need", a.required)
			return NotReady, nil
		}
	}
	cost := s.operatorCost(plan, func(a allocation) int { return a.required })
	if cost > s.Operator().Lamports() {
		return NotReady, fmt.Errorf("allocation needs %d lamports: %w", cost, evmerrors.AccountErr(evmerrors.ErrInsufficientLamports, s.Operator().Key()))
	}
	for _, a := range plan {
		if err := s.grow(a, a.required); err != nil {
			return NotReady, err
		}
	}
	log.Debug(log.AccountMonitoring, "allocate ready", "regions", len(plan), "rent", cost)
	return Ready, nil
}

// Grow advances every pending region by at most MaxPermittedDataIncrease.
// It reports whether every region reached its required size.
func (s *ProgramAccountStorage) Grow(actions []types.Action) (bool, error) {
	plan, err := s.plan(actions)
	if err != nil {
		return false, err
	}
	step := func(a allocation) int {
		return min(a.required, len(a.info.Data())+s.cfg.MaxPermittedDataIncrease)
	}
	cost := s.operatorCost(plan, step)
	if cost > s.Operator().Lamports() {
		return false, fmt.Errorf("growth needs %d lamports: %w", cost, evmerrors.AccountErr(evmerrors.ErrInsufficientLamports, s.Operator().Key()))
	}
	done := true
	for _, a := range plan {
		size := step(a)
		if err := s.grow(a, size); err != nil {
			return false, err
		}
		if size < a.required {
			done = false
		}
		log.Debug(log.AccountMonitoring, "region grown", "key", a.info.Key.String_short(), "size", size, "target", a.required)
	}
	return done, nil
}

func (s *ProgramAccountStorage) balanceOrInit(address common.Address, chainID uint64) (*account.Balance, error) {
	b, err := s.balance(address, chainID)
	if err != nil || b != nil {
		return b, err
	}
	info, err := s.accounts.Get(account.BalanceKey(s.programID, address, chainID))
	if err != nil {
		return nil, err
	}
	return account.InitBalance(s.programID, info, address, chainID)
}

// ApplyStateChange commits actions after a Ready allocation: transfers, then nonces,
// then code, then storage. Precompile fees are collected for TransferTreasuryPayment.
func (s *ProgramAccountStorage) ApplyStateChange(actions []types.Action) error {
	for _, a := range actions {
		if a.Kind != types.ActionTransfer || a.Value.IsZero() {
			continue
		}
		source, err := s.balanceOrInit(a.Address, a.ChainID)
		if err != nil {
			return err
		}
		target, err := s.balanceOrInit(a.Target, a.ChainID)
		if err != nil {
			return err
		}
		if err := source.TransferTo(target, a.Value); err != nil {
			return err
		}
	}
	for _, a := range actions {
		if a.Kind != types.ActionIncrementNonce {
			continue
		}
		b, err := s.balanceOrInit(a.Address, a.ChainID)
		if err != nil {
			return err
		}
		if err := b.IncrementNonce(); err != nil {
			return err
		}
	}
	for _, a := range actions {
		if a.Kind != types.ActionSetCode {
			continue
		}
		info, err := s.accounts.Get(account.ContractKey(s.programID, a.Address))
		if err != nil {
			return err
		}
		if _, err := account.InitContract(s.programID, info, a.Address, a.ChainID, 0, a.Code); err != nil {
			return err
		}
	}
	for _, a := range actions {
		switch a.Kind {
		case types.ActionSetStorage:
			c, err := s.contract(a.Address)
			if err != nil {
				return err
			}
			if c == nil {
				info, err := s.accounts.Get(account.ContractKey(s.programID, a.Address))
				if err != nil {
					return err
				}
				if c, err = account.InitContract(s.programID, info, a.Address, s.cfg.ChainID, 0, nil); err != nil {
					return err
				}
			}
			if err := c.SetStorage(a.Key, a.Value); err != nil {
				return err
			}
		case types.ActionTreasuryFee:
			s.treasuryPayment += a.Value.Uint64()
		case types.ActionTransfer, types.ActionIncrementNonce, types.ActionSetCode:
		}
	}
	log.Debug(log.AccountMonitoring, "state change applied", "actions", len(actions))
	return nil
}

// TransferTreasuryPayment moves the collected precompile fees from the operator to the treasury.
func (s *ProgramAccountStorage) TransferTreasuryPayment() error {
	fee := s.treasuryPayment
	if fee == 0 {
		return nil
	}
	treasury := s.accounts.Treasury()
	if treasury == nil {
		return fmt.Errorf("treasury payment of %d: %w", fee, evmerrors.ErrInvalidTreasuryIndex)
	}
	if err := s.accounts.System().Transfer(s.Operator().Info(), treasury.Info(), fee); err != nil {
		return err
	}
	s.treasuryPayment = 0
	log.Debug(log.AccountMonitoring, "treasury payment", "lamports", fee, "pool", treasury.Index())
	return nil
}

// TransferGasPayment moves cost from the origin's balance to the operator's balance.
func (s *ProgramAccountStorage) TransferGasPayment(origin common.Address, chainID uint64, cost *uint256.Int) error {
	if cost.IsZero() {
		return nil
	}
	miner := s.accounts.OperatorBalance()
	if miner == nil {
		return evmerrors.AccountErr(evmerrors.ErrAccountMissing, s.Operator().Key())
	}
	source, err := s.balance(origin, chainID)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("gas payment %s from %s: %w", cost.Dec(), origin.Hex(), evmerrors.ErrInsufficientBalance)
	}
	if err := source.TransferTo(miner, cost); err != nil {
		return err
	}
	log.Debug(log.AccountMonitoring, "gas payment", "origin", origin.Hex(), "miner", miner.Address().Hex(), "cost", cost.Dec())
	return nil
}
