package account

import (
	"encoding/binary"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/holiman/uint256"
)

func readU256LE(b []byte) *uint256.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[31-i] = b[i]
	}
	return new(uint256.Int).SetBytes32(be[:])
}

func writeU256LE(b []byte, v *uint256.Int) {
	be := v.Bytes32()
	for i := 0; i < 32; i++ {
		b[i] = be[31-i]
	}
}

func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// BalanceKey derives the region key of the balance of address on chainID.
func BalanceKey(programID common.Pubkey, address common.Address, chainID uint64) common.Pubkey {
	return common.DerivePubkey(programID, []byte{AccountSeedVersion}, address.Bytes(), common.Uint64ToBytes(chainID))
}

// ContractKey derives the region key holding the code and storage of address.
func ContractKey(programID common.Pubkey, address common.Address) common.Pubkey {
	return common.DerivePubkey(programID, []byte{AccountSeedVersion}, address.Bytes())
}

// TreasuryKey derives the key of treasury pool index.
func TreasuryKey(programID common.Pubkey, seed string, index uint32) common.Pubkey {
	return common.DerivePubkey(programID, []byte(seed), common.Uint32ToBytes(index))
}
