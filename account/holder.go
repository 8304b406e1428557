package account

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/types"
)

// prefix(2) | owner(32) | transaction hash(32) | buffer
// STATE_FINALIZED regions share the header without the buffer.
const (
	holderOwnerOffset = PrefixSize
	holderHashOffset  = holderOwnerOffset + 32
	HolderHeaderSize  = holderHashOffset + 32
)

// Holder buffers a transaction too large for one instruction.
type Holder struct {
	info *Info
}

func HolderFromAccount(programID common.Pubkey, info *Info) (*Holder, error) {
	if err := Validate(programID, info, TagHolder); err != nil {
		return nil, err
	}
	if len(info.Data()) < HolderHeaderSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	return &Holder{info: info}, nil
}

// InitHolder formats a program-owned region as an empty holder of owner.
func InitHolder(programID common.Pubkey, info *Info, owner common.Pubkey) (*Holder, error) {
	if info.Owner != programID {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	if len(info.Data()) < HolderHeaderSize {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	data, release, err := info.BorrowMut()
	if err != nil {
		return nil, err
	}
	defer release()
	clear(data)
	writePrefix(data, TagHolder)
	copy(data[holderOwnerOffset:], owner[:])
	return &Holder{info: info}, nil
}

func (h *Holder) Owner() common.Pubkey {
	return common.BytesToPubkey(h.info.Data()[holderOwnerOffset:holderHashOffset])
}

func (h *Holder) TransactionHash() common.Hash {
	return common.BytesToHash(h.info.Data()[holderHashOffset:HolderHeaderSize])
}

func (h *Holder) Buffer() []byte {
	return h.info.Data()[HolderHeaderSize:]
}

// Write copies chunk into the buffer at offset.
func (h *Holder) Write(offset int, chunk []byte) error {
	if offset < 0 || offset+len(chunk) > len(h.Buffer()) {
		return fmt.Errorf("write [%d, %d) into %d byte buffer: %w", offset, offset+len(chunk), len(h.Buffer()), evmerrors.ErrOutOfBounds)
	}
	data, release, err := h.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	copy(data[HolderHeaderSize+offset:], chunk)
	return nil
}

// Transaction decodes the buffered transaction.
func (h *Holder) Transaction() (*types.Transaction, error) {
	trx, err := types.DecodeFromBuffer(h.Buffer())
	if err != nil {
		return nil, evmerrors.AccountErr(err, h.info.Key)
	}
	return trx, nil
}
