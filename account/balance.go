package account

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/holiman/uint256"
)

// prefix(2) | address(20) | chain id(8) | nonce(8) | balance(32)
const (
	balanceAddressOffset = PrefixSize
	balanceChainOffset   = balanceAddressOffset + common.AddressLength
	balanceNonceOffset   = balanceChainOffset + 8
	balanceValueOffset   = balanceNonceOffset + 8
	BalanceSize          = balanceValueOffset + 32
)

// Balance is the per-chain nonce and balance of one Ethereum address.
type Balance struct {
	info *Info
}

func BalanceFromAccount(programID common.Pubkey, info *Info) (*Balance, error) {
	if err := Validate(programID, info, TagBalance); err != nil {
		return nil, err
	}
	if len(info.Data()) < BalanceSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	return &Balance{info: info}, nil
}

// InitBalance formats an allocated program-owned region as a zero balance.
func InitBalance(programID common.Pubkey, info *Info, address common.Address, chainID uint64) (*Balance, error) {
	if info.Owner != programID {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	if info.Key != BalanceKey(programID, address, chainID) {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidKey, info.Key)
	}
	if len(info.Data()) < BalanceSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	data, release, err := info.BorrowMut()
	if err != nil {
		return nil, err
	}
	defer release()
	clear(data)
	writePrefix(data, TagBalance)
	copy(data[balanceAddressOffset:], address.Bytes())
	binary.LittleEndian.PutUint64(data[balanceChainOffset:], chainID)
	return &Balance{info: info}, nil
}

func (b *Balance) Info() *Info { return b.info }

func (b *Balance) Key() common.Pubkey { return b.info.Key }

func (b *Balance) Address() common.Address {
	return common.BytesToAddress(b.info.Data()[balanceAddressOffset:balanceChainOffset])
}

func (b *Balance) ChainID() uint64 {
	return readU64(b.info.Data()[balanceChainOffset:])
}

func (b *Balance) Nonce() uint64 {
	return readU64(b.info.Data()[balanceNonceOffset:])
}

func (b *Balance) Balance() *uint256.Int {
	return readU256LE(b.info.Data()[balanceValueOffset:])
}

func (b *Balance) setNonce(n uint64) error {
	data, release, err := b.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	binary.LittleEndian.PutUint64(data[balanceNonceOffset:], n)
	return nil
}

func (b *Balance) setBalance(v *uint256.Int) error {
	data, release, err := b.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	writeU256LE(data[balanceValueOffset:], v)
	return nil
}

func (b *Balance) IncrementNonce() error {
	n := b.Nonce()
	if n == ^uint64(0) {
		return fmt.Errorf("nonce overflow for %s: %w", b.Address().Hex(), evmerrors.ErrInvalidNonce)
	}
	return b.setNonce(n + 1)
}

// Mint credits value. Overflow is reported instead of wrapping.
func (b *Balance) Mint(value *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(b.Balance(), value)
	if overflow {
		return fmt.Errorf("balance overflow for %s: %w", b.Address().Hex(), evmerrors.ErrInsufficientBalance)
	}
	return b.setBalance(sum)
}

func (b *Balance) Burn(value *uint256.Int) error {
	cur := b.Balance()
	if cur.Lt(value) {
		return fmt.Errorf("%s has %s, needs %s: %w", b.Address().Hex(), cur.Dec(), value.Dec(), evmerrors.ErrInsufficientBalance)
	}
	return b.setBalance(new(uint256.Int).Sub(cur, value))
}

// TransferTo moves value to another balance of the same chain.
func (b *Balance) TransferTo(target *Balance, value *uint256.Int) error {
	if b.ChainID() != target.ChainID() {
		return fmt.Errorf("transfer %d -> %d: %w", b.ChainID(), target.ChainID(), evmerrors.ErrInvalidChainID)
	}
	if b.info == target.info || value.IsZero() {
		if b.Balance().Lt(value) {
			return evmerrors.ErrInsufficientBalance
		}
		return nil
	}
	if err := b.Burn(value); err != nil {
		return err
	}
	return target.Mint(value)
}
