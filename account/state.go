package account

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
)

// prefix(2) | owner(32) | trx hash(32) | origin(20) | used gas(32) | steps(8) |
// account count(4) | account keys(32 each) | blob length(4) | blob
const (
	stateOwnerOffset  = PrefixSize
	stateHashOffset   = stateOwnerOffset + 32
	stateOriginOffset = stateHashOffset + 32
	stateGasOffset    = stateOriginOffset + common.AddressLength
	stateStepsOffset  = stateGasOffset + 32
	stateCountOffset  = stateStepsOffset + 8
	StateHeaderSize   = stateCountOffset + 4
)

// StateAccount is the persisted progress of a multi-step transaction.
type StateAccount struct {
	info      *Info
	programID common.Pubkey

	owner    common.Pubkey
	trxHash  common.Hash
	origin   common.Address
	gasUsed  uint256.Int
	steps    uint64
	accounts []common.Pubkey
	blob     []byte
}

// NewState starts a multi-step transaction in a HOLDER or STATE_FINALIZED region
// and blocks the program-owned application accounts it will touch.
func NewState(programID common.Pubkey, info *Info, db *AccountsDB, origin common.Address, trx *types.Transaction) (*StateAccount, error) {
	tag, err := TagOf(programID, info)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagHolder:
		holder, err := HolderFromAccount(programID, info)
		if err != nil {
			return nil, err
		}
		if holder.Owner() != db.Operator().Key() {
			return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
		}
	case TagStateFinalized:
		if len(info.Data()) < HolderHeaderSize {
			return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
		}
		if common.BytesToHash(info.Data()[stateHashOffset:stateOriginOffset]) == trx.Hash() {
			return nil, fmt.Errorf("%s: %w", trx.Hash().String_short(), evmerrors.ErrStorageFinalized)
		}
	case TagEmpty, TagLegacyAccountV3, TagState, TagStateFinalizedDeprecated, TagHolderDeprecated, TagBalance, TagContract:
		return nil, &evmerrors.InvalidTagError{Key: info.Key, Expected: uint8(TagHolder), Actual: uint8(tag)}
	}

	keys := make([]common.Pubkey, 0, db.Len())
	for _, acc := range db.Accounts() {
		blocked, err := IsBlocked(programID, acc)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, evmerrors.AccountErr(evmerrors.ErrAccountBlocked, acc.Key)
		}
		keys = append(keys, acc.Key)
	}
	for _, acc := range db.Accounts() {
		if acc.IsWritable {
			if err := SetBlocked(programID, acc, true); err != nil {
				return nil, err
			}
		}
	}

	s := &StateAccount{
		info:      info,
		programID: programID,
		owner:     db.Operator().Key(),
		trxHash:   trx.Hash(),
		origin:    origin,
		accounts:  keys,
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	log.Debug(log.AccountMonitoring, "state account created", "key", info.Key.String_short(), "trx", s.trxHash.String_short(), "accounts", len(keys))
	return s, nil
}

// RestoreState loads a STATE region and checks the invocation passed every account it recorded.
func RestoreState(programID common.Pubkey, info *Info, db *AccountsDB) (*StateAccount, error) {
	s, err := LoadState(programID, info)
	if err != nil {
		return nil, err
	}
	if db.Len() != len(s.accounts) {
		return nil, fmt.Errorf("recorded %d accounts, got %d: %w", len(s.accounts), db.Len(), evmerrors.ErrStateAccountMismatch)
	}
	for _, key := range s.accounts {
		if _, ok := db.Find(key); !ok {
			return nil, evmerrors.AccountErr(evmerrors.ErrStateAccountMismatch, key)
		}
	}
	return s, nil
}

// LoadState parses a STATE region.
func LoadState(programID common.Pubkey, info *Info) (*StateAccount, error) {
	if err := Validate(programID, info, TagState); err != nil {
		return nil, err
	}
	data := info.Data()
	if len(data) < StateHeaderSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	s := &StateAccount{
		info:      info,
		programID: programID,
		owner:     common.BytesToPubkey(data[stateOwnerOffset:stateHashOffset]),
		trxHash:   common.BytesToHash(data[stateHashOffset:stateOriginOffset]),
		origin:    common.BytesToAddress(data[stateOriginOffset:stateGasOffset]),
		steps:     readU64(data[stateStepsOffset:]),
	}
	s.gasUsed = *readU256LE(data[stateGasOffset:])

	count := int(readU32(data[stateCountOffset:]))
	off := StateHeaderSize
	if len(data) < off+32*count+4 {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	s.accounts = make([]common.Pubkey, count)
	for i := range s.accounts {
		s.accounts[i] = common.BytesToPubkey(data[off : off+32])
		off += 32
	}
	blobLen := int(readU32(data[off:]))
	off += 4
	if len(data) < off+blobLen {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	s.blob = append([]byte(nil), data[off:off+blobLen]...)
	return s, nil
}

// Save writes the header, account list and continuation blob back into the region.
func (s *StateAccount) Save() error {
	need := StateHeaderSize + 32*len(s.accounts) + 4 + len(s.blob)
	if len(s.info.Data()) < need {
		return fmt.Errorf("state needs %d bytes, region has %d: %w", need, len(s.info.Data()), evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, s.info.Key))
	}
	data, release, err := s.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	writePrefix(data, TagState)
	copy(data[stateOwnerOffset:], s.owner[:])
	copy(data[stateHashOffset:], s.trxHash[:])
	copy(data[stateOriginOffset:], s.origin[:])
	writeU256LE(data[stateGasOffset:], &s.gasUsed)
	binary.LittleEndian.PutUint64(data[stateStepsOffset:], s.steps)
	binary.LittleEndian.PutUint32(data[stateCountOffset:], uint32(len(s.accounts)))
	off := StateHeaderSize
	for _, key := range s.accounts {
		copy(data[off:], key[:])
		off += 32
	}
	binary.LittleEndian.PutUint32(data[off:], uint32(len(s.blob)))
	copy(data[off+4:], s.blob)
	return nil
}

// Finalize unblocks the recorded accounts and leaves a STATE_FINALIZED header.
func (s *StateAccount) Finalize(db *AccountsDB) error {
	for _, key := range s.accounts {
		acc, ok := db.Find(key)
		if !ok || !acc.IsWritable {
			continue
		}
		if err := SetBlocked(s.programID, acc, false); err != nil {
			return err
		}
	}
	data, release, err := s.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	clear(data[HolderHeaderSize:])
	writePrefix(data, TagStateFinalized)
	copy(data[stateOwnerOffset:], s.owner[:])
	copy(data[stateHashOffset:], s.trxHash[:])
	log.Debug(log.AccountMonitoring, "state account finalized", "key", s.info.Key.String_short(), "trx", s.trxHash.String_short(), "steps", s.steps)
	return nil
}

func (s *StateAccount) Info() *Info { return s.info }

func (s *StateAccount) Owner() common.Pubkey { return s.owner }

func (s *StateAccount) TrxHash() common.Hash { return s.trxHash }

func (s *StateAccount) Origin() common.Address { return s.origin }

func (s *StateAccount) GasUsed() *uint256.Int { return s.gasUsed.Clone() }

func (s *StateAccount) SetGasUsed(g *uint256.Int) { s.gasUsed = *g }

func (s *StateAccount) Steps() uint64 { return s.steps }

func (s *StateAccount) AddSteps(n uint64) { s.steps += n }

func (s *StateAccount) Accounts() []common.Pubkey { return s.accounts }

func (s *StateAccount) Blob() []byte { return s.blob }

func (s *StateAccount) SetBlob(blob []byte) { s.blob = blob }
