package common

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

func Uint64ToBytes(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bytes, val)
	return bytes
}

func Uint32ToBytes(val uint32) []byte {
	bytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bytes, val)
	return bytes
}

func Keccak256(data ...[]byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hash.Write(d)
	}
	return BytesToHash(hash.Sum(nil))
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}
