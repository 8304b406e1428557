package account

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/holiman/uint256"
)

// Legacy single-region account:
// tag(1) | address(20) | bump(1) | nonce(8) | balance(32) | code size(4) | code | storage
const (
	legacyAddressOffset  = 1
	legacyBumpOffset     = legacyAddressOffset + common.AddressLength
	legacyNonceOffset    = legacyBumpOffset + 1
	legacyBalanceOffset  = legacyNonceOffset + 8
	legacyCodeSizeOffset = legacyBalanceOffset + 32
	LegacyHeaderSize     = legacyCodeSizeOffset + 4
)

// Legacy holder: tag(1) | owner(32) | buffer. Legacy finalized: tag(1) | owner(32) | trx hash(32).
const legacyOwnerOffset = 1

// UpdateHolderAccount rewrites HOLDER_DEPRECATED and STATE_FINALIZED_DEPRECATED regions
// into the current layouts and returns the resulting tag. Current tags are returned unchanged.
func UpdateHolderAccount(programID common.Pubkey, info *Info) (Tag, error) {
	tag, err := TagOf(programID, info)
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagHolderDeprecated, TagStateFinalizedDeprecated:
	default:
		return tag, nil
	}
	if len(info.Data()) < HolderHeaderSize {
		return 0, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}

	data, release, err := info.BorrowMut()
	if err != nil {
		return 0, err
	}
	defer release()
	var owner common.Pubkey
	copy(owner[:], data[legacyOwnerOffset:legacyOwnerOffset+32])

	next := TagHolder
	var hash common.Hash
	if tag == TagStateFinalizedDeprecated {
		next = TagStateFinalized
		copy(hash[:], data[legacyOwnerOffset+32:legacyOwnerOffset+64])
	}
	clear(data)
	writePrefix(data, next)
	copy(data[holderOwnerOffset:], owner[:])
	copy(data[holderHashOffset:], hash[:])
	log.Info(log.AccountMonitoring, "legacy holder migrated", "key", info.Key.String_short(), "from", tag, "to", next)
	return next, nil
}

type legacyAccount struct {
	address common.Address
	nonce   uint64
	balance *uint256.Int
	code    []byte
	storage []byte
}

func parseLegacy(info *Info) (*legacyAccount, error) {
	data := info.Data()
	if len(data) < LegacyHeaderSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	codeSize := int(binary.LittleEndian.Uint32(data[legacyCodeSizeOffset:]))
	if len(data) < LegacyHeaderSize+codeSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	return &legacyAccount{
		address: common.BytesToAddress(data[legacyAddressOffset:legacyBumpOffset]),
		nonce:   readU64(data[legacyNonceOffset:]),
		balance: readU256LE(data[legacyBalanceOffset:]),
		code:    append([]byte(nil), data[LegacyHeaderSize:LegacyHeaderSize+codeSize]...),
		storage: append([]byte(nil), data[LegacyHeaderSize+codeSize:]...),
	}, nil
}

// UpdateLegacyAccounts migrates every LEGACY_ACCOUNT_V3 application account in place.
// Code moves into a contract region, nonce and balance into the balance account of
// cfg.ChainID. The lamports freed by the smaller layout are returned.
func UpdateLegacyAccounts(programID common.Pubkey, cfg *config.Config, db *AccountsDB) (uint64, error) {
	var excessive uint64
	for _, info := range db.Accounts() {
		if info.Owner != programID || len(info.Data()) == 0 || Tag(info.Data()[0]) != TagLegacyAccountV3 {
			continue
		}
		legacy, err := parseLegacy(info)
		if err != nil {
			return 0, err
		}
		if legacy.nonceOrBalance() {
			if err := migrateBalance(programID, cfg, db, legacy); err != nil {
				return 0, err
			}
		}

		var newSize int
		if len(legacy.code) > 0 {
			newSize = ContractSize(len(legacy.code), len(legacy.storage))
			if err := info.Realloc(newSize); err != nil {
				return 0, err
			}
			if err := writeMigratedContract(info, legacy, cfg.ChainID); err != nil {
				return 0, err
			}
		} else {
			if err := info.Realloc(0); err != nil {
				return 0, err
			}
			if err := info.Assign(common.SystemProgramID); err != nil {
				return 0, err
			}
		}

		keep := uint64(0)
		if newSize > 0 {
			keep = cfg.RentExemptMinimum(newSize)
		}
		if info.Lamports > keep {
			excessive += info.Lamports - keep
			info.Lamports = keep
		}
		log.Info(log.AccountMonitoring, "legacy account migrated", "key", info.Key.String_short(), "address", legacy.address.Hex(), "code", len(legacy.code), "size", newSize)
	}
	return excessive, nil
}

func (l *legacyAccount) nonceOrBalance() bool {
	return l.nonce > 0 || !l.balance.IsZero()
}

func migrateBalance(programID common.Pubkey, cfg *config.Config, db *AccountsDB, legacy *legacyAccount) error {
	key := BalanceKey(programID, legacy.address, cfg.ChainID)
	target, ok := db.Find(key)
	if !ok {
		return fmt.Errorf("balance of legacy %s: %w", legacy.address.Hex(), evmerrors.AccountErr(evmerrors.ErrAccountMissing, key))
	}
	var balance *Balance
	if target.Owner == programID && len(target.Data()) > 0 {
		b, err := BalanceFromAccount(programID, target)
		if err != nil {
			return err
		}
		balance = b
	} else {
		if err := db.System().CreateAccount(db.Operator(), target, programID, BalanceSize, cfg.RentExemptMinimum(BalanceSize)); err != nil {
			return err
		}
		b, err := InitBalance(programID, target, legacy.address, cfg.ChainID)
		if err != nil {
			return err
		}
		balance = b
	}
	if legacy.nonce > balance.Nonce() {
		if err := balance.setNonce(legacy.nonce); err != nil {
			return err
		}
	}
	return balance.Mint(legacy.balance)
}

func writeMigratedContract(info *Info, legacy *legacyAccount, chainID uint64) error {
	data, release, err := info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	clear(data)
	writePrefix(data, TagContract)
	copy(data[contractAddressOffset:], legacy.address.Bytes())
	binary.LittleEndian.PutUint64(data[contractChainOffset:], chainID)
	binary.LittleEndian.PutUint32(data[contractCodeLenOffset:], uint32(len(legacy.code)))
	copy(data[ContractHeaderSize:], legacy.code)
	copy(data[ContractHeaderSize+len(legacy.code):], legacy.storage)
	return nil
}
