package common

import (
	"encoding/json"
	"fmt"

	ethereumCommon "github.com/ethereum/go-ethereum/common"
)

// Hash is a custom type based on Ethereum's common.Hash
type Hash ethereumCommon.Hash

// Address is a custom type based on Ethereum's common.Address
type Address ethereumCommon.Address

const (
	HashLength    = ethereumCommon.HashLength
	AddressLength = ethereumCommon.AddressLength
)

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte {
	return ethereumCommon.Hash(h).Bytes()
}

// String returns the string representation of the hash.
func (h Hash) String() string {
	return ethereumCommon.Hash(h).String()
}

func (h Hash) String_short() string {
	return fmt.Sprintf("%s..%s", h.Hex()[2:6], h.Hex()[62:66])
}

// Hex returns the hexadecimal string representation of the hash.
func (h Hash) Hex() string {
	return ethereumCommon.Hash(h).Hex()
}

// BytesToHash converts a byte slice to a Hash.
func BytesToHash(b []byte) Hash {
	return Hash(ethereumCommon.BytesToHash(b))
}

// HexToHash converts a hexadecimal string to a Hash.
func HexToHash(s string) Hash {
	return Hash(ethereumCommon.HexToHash(s))
}

func Bytes2Hex(d []byte) string {
	return "0x" + ethereumCommon.Bytes2Hex(d)
}

func FromHex(b string) []byte {
	return ethereumCommon.FromHex(b)
}

// MarshalJSON custom marshaler to convert Hash to hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON custom unmarshaler to handle hex strings for Hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	*h = HexToHash(hexStr)
	return nil
}

// Address methods

// Bytes returns the byte representation of the address.
func (a Address) Bytes() []byte {
	return ethereumCommon.Address(a).Bytes()
}

// String returns the string representation of the address.
func (a Address) String() string {
	return ethereumCommon.Address(a).String()
}

// Hex returns the hexadecimal string representation of the address.
func (a Address) Hex() string {
	return ethereumCommon.Address(a).Hex()
}

// Eth returns the go-ethereum form of the address.
func (a Address) Eth() ethereumCommon.Address {
	return ethereumCommon.Address(a)
}

// HexToAddress converts a hexadecimal string to an Address.
func HexToAddress(s string) Address {
	return Address(ethereumCommon.HexToAddress(s))
}

// BytesToAddress converts a byte slice to an Address.
func BytesToAddress(b []byte) Address {
	return Address(ethereumCommon.BytesToAddress(b))
}

// MarshalJSON custom marshaler to convert Address to hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON custom unmarshaler to handle hex strings for Address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	*a = HexToAddress(hexStr)
	return nil
}

// GetEVMDevAccount returns a standard Hardhat/Anvil test account by index
// These are derived from the mnemonic: "test test test test test test test test test test test junk"
// Returns the address and private key (without 0x prefix) for the account at index % 10
func GetEVMDevAccount(index int) (Address, string) {
	addresses := []Address{
		HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), // Account #0
		HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), // Account #1
		HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), // Account #2
		HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"), // Account #3
		HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"), // Account #4
	}

	privateKeys := []string{
		"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account #0
		"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account #1
		"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account #2
		"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account #3
		"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account #4
	}
	return addresses[index%len(addresses)], privateKeys[index%len(privateKeys)]
}
