package account

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
)

// Tag is the first byte of every program-owned region.
type Tag uint8

const (
	TagEmpty                    Tag = 0
	TagLegacyAccountV3          Tag = 12
	TagState                    Tag = 23
	TagStateFinalizedDeprecated Tag = 31
	TagStateFinalized           Tag = 32
	TagHolderDeprecated         Tag = 51
	TagHolder                   Tag = 52
	TagBalance                  Tag = 60
	TagContract                 Tag = 70
)

const (
	PrefixSize  = 2
	FlagBlocked = 0x01
)

// AccountSeedVersion prefixes the seeds of balance and contract keys.
const AccountSeedVersion = byte(3)

func (t Tag) String() string {
	switch t {
	case TagEmpty:
		return "EMPTY"
	case TagLegacyAccountV3:
		return "LEGACY_ACCOUNT_V3"
	case TagState:
		return "STATE"
	case TagStateFinalizedDeprecated:
		return "STATE_FINALIZED_DEPRECATED"
	case TagStateFinalized:
		return "STATE_FINALIZED"
	case TagHolderDeprecated:
		return "HOLDER_DEPRECATED"
	case TagHolder:
		return "HOLDER"
	case TagBalance:
		return "ACCOUNT_BALANCE"
	case TagContract:
		return "ACCOUNT_CONTRACT"
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// ParseTag maps a raw tag byte onto the closed set of known tags.
func ParseTag(b byte) (Tag, error) {
	switch t := Tag(b); t {
	case TagEmpty, TagLegacyAccountV3, TagState, TagStateFinalizedDeprecated, TagStateFinalized,
		TagHolderDeprecated, TagHolder, TagBalance, TagContract:
		return t, nil
	}
	return 0, fmt.Errorf("unknown tag byte %d: %w", b, evmerrors.ErrAccountInvalidTag)
}

// hasFlags reports whether the layout behind t carries the flags byte.
func (t Tag) hasFlags() bool {
	switch t {
	case TagState, TagStateFinalized, TagHolder, TagBalance, TagContract:
		return true
	}
	return false
}

// TagOf reads the tag of a region. System-owned empty regions are TagEmpty.
func TagOf(programID common.Pubkey, info *Info) (Tag, error) {
	data := info.Data()
	if info.Owner != programID {
		if info.Owner == common.SystemProgramID && len(data) == 0 {
			return TagEmpty, nil
		}
		return 0, evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	if len(data) == 0 {
		return TagEmpty, nil
	}
	tag, err := ParseTag(data[0])
	if err != nil {
		return 0, evmerrors.AccountErr(err, info.Key)
	}
	return tag, nil
}

// Validate checks that info is program-owned and tagged expected.
func Validate(programID common.Pubkey, info *Info, expected Tag) error {
	if info.Owner != programID {
		return evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	data := info.Data()
	if len(data) == 0 || Tag(data[0]) != expected {
		actual := uint8(0)
		if len(data) > 0 {
			actual = data[0]
		}
		return &evmerrors.InvalidTagError{Key: info.Key, Expected: uint8(expected), Actual: actual}
	}
	return nil
}

// IsBlocked reports whether an in-flight multi-step transaction holds the region.
func IsBlocked(programID common.Pubkey, info *Info) (bool, error) {
	if info.Owner != programID {
		return false, nil
	}
	tag, err := TagOf(programID, info)
	if err != nil {
		return false, err
	}
	if !tag.hasFlags() {
		return false, nil
	}
	data := info.Data()
	return len(data) >= PrefixSize && data[1]&FlagBlocked != 0, nil
}

// SetBlocked toggles the blocked flag. Regions without a flags byte are left alone.
func SetBlocked(programID common.Pubkey, info *Info, blocked bool) error {
	tag, err := TagOf(programID, info)
	if err != nil {
		return err
	}
	if !tag.hasFlags() || info.Owner != programID {
		return nil
	}
	data, release, err := info.BorrowMut()
	if err != nil {
		return err
	}
	defer release()
	if blocked {
		data[1] |= FlagBlocked
	} else {
		data[1] &^= FlagBlocked
	}
	return nil
}

func writePrefix(data []byte, tag Tag) {
	data[0] = byte(tag)
	data[1] = 0
}
