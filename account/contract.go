package account

import (
	"encoding/binary"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/trie"
	"github.com/holiman/uint256"
)

// prefix(2) | address(20) | chain id(8) | generation(4) | code length(4) | code | storage
const (
	contractAddressOffset    = PrefixSize
	contractChainOffset      = contractAddressOffset + common.AddressLength
	contractGenerationOffset = contractChainOffset + 8
	contractCodeLenOffset    = contractGenerationOffset + 4
	ContractHeaderSize       = contractCodeLenOffset + 4
)

// ContractSize is the region size for code plus a storage trie of storageLen bytes.
func ContractSize(codeLen, storageLen int) int {
	return ContractHeaderSize + codeLen + storageLen
}

// Contract holds the code of one address and its storage trie.
type Contract struct {
	info *Info
}

func ContractFromAccount(programID common.Pubkey, info *Info) (*Contract, error) {
	if err := Validate(programID, info, TagContract); err != nil {
		return nil, err
	}
	data := info.Data()
	if len(data) < ContractHeaderSize || len(data) < ContractHeaderSize+int(readU32(data[contractCodeLenOffset:])) {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	return &Contract{info: info}, nil
}

// InitContract writes code into an allocated region and formats an empty storage trie after it.
func InitContract(programID common.Pubkey, info *Info, address common.Address, chainID uint64, generation uint32, code []byte) (*Contract, error) {
	if info.Owner != programID {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	if info.Key != ContractKey(programID, address) {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidKey, info.Key)
	}
	if len(info.Data()) < ContractSize(len(code), trie.EmptySize) {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountDataTooSmall, info.Key)
	}
	data, release, err := info.BorrowMut()
	if err != nil {
		return nil, err
	}
	defer release()
	clear(data[:ContractHeaderSize+len(code)])
	writePrefix(data, TagContract)
	copy(data[contractAddressOffset:], address.Bytes())
	binary.LittleEndian.PutUint64(data[contractChainOffset:], chainID)
	binary.LittleEndian.PutUint32(data[contractGenerationOffset:], generation)
	binary.LittleEndian.PutUint32(data[contractCodeLenOffset:], uint32(len(code)))
	copy(data[ContractHeaderSize:], code)
	if _, err := trie.New(data[ContractHeaderSize+len(code):], true); err != nil {
		return nil, err
	}
	return &Contract{info: info}, nil
}

func (c *Contract) Info() *Info { return c.info }

func (c *Contract) Address() common.Address {
	return common.BytesToAddress(c.info.Data()[contractAddressOffset:contractChainOffset])
}

func (c *Contract) ChainID() uint64 {
	return readU64(c.info.Data()[contractChainOffset:])
}

func (c *Contract) Generation() uint32 {
	return readU32(c.info.Data()[contractGenerationOffset:])
}

func (c *Contract) CodeLen() int {
	return int(readU32(c.info.Data()[contractCodeLenOffset:]))
}

func (c *Contract) Code() []byte {
	data := c.info.Data()
	return append([]byte(nil), data[ContractHeaderSize:ContractHeaderSize+c.CodeLen()]...)
}

func (c *Contract) storageRegion(data []byte) []byte {
	return data[ContractHeaderSize+c.CodeLen():]
}

// StorageUsed is the footprint of the storage trie, zero if never formatted.
func (c *Contract) StorageUsed() int {
	region := c.storageRegion(c.info.Data())
	if !trie.IsFormatted(region) {
		return 0
	}
	h, err := trie.New(region, false)
	if err != nil {
		return 0
	}
	return h.Used()
}

// Storage reads one slot. Absent slots read as zero.
func (c *Contract) Storage(key *uint256.Int) (*uint256.Int, error) {
	data, release, err := c.info.Borrow()
	if err != nil {
		return nil, err
	}
	defer release()
	region := c.storageRegion(data)
	if !trie.IsFormatted(region) {
		return new(uint256.Int), nil
	}
	h, err := trie.New(region, false)
	if err != nil {
		return nil, evmerrors.AccountErr(err, c.info.Key)
	}
	return h.Get(key), nil
}

// WithStorage runs fn over the storage trie under an exclusive borrow.
func (c *Contract) WithStorage(fn func(h *trie.Hamt) error) error {
	codeLen := c.CodeLen()
	data, release, err := c.info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	region := data[ContractHeaderSize+codeLen:]
	h, err := trie.New(region, !trie.IsFormatted(region))
	if err != nil {
		return evmerrors.AccountErr(err, c.info.Key)
	}
	return fn(h)
}

// SetStorage writes one slot.
func (c *Contract) SetStorage(key, value *uint256.Int) error {
	return c.WithStorage(func(h *trie.Hamt) error {
		return h.Insert(key, value)
	})
}

// RequiredSize returns the region size needed after writing keys.
func (c *Contract) RequiredSize(keys []*uint256.Int) (int, error) {
	data, release, err := c.info.Borrow()
	if err != nil {
		return 0, err
	}
	defer release()
	region := c.storageRegion(data)
	var used int
	if trie.IsFormatted(region) {
		h, err := trie.New(region, false)
		if err != nil {
			return 0, evmerrors.AccountErr(err, c.info.Key)
		}
		used, err = h.RequiredSpace(keys)
		if err != nil {
			return 0, err
		}
	} else {
		used, err = trie.RequiredSpaceFresh(keys)
		if err != nil {
			return 0, err
		}
	}
	return ContractSize(c.CodeLen(), used), nil
}
