package common

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const PubkeyLength = 32

// Pubkey is the 32-byte key of an account region on the host ledger.
type Pubkey [PubkeyLength]byte

var (
	// SystemProgramID owns every account that no program has claimed yet.
	SystemProgramID = Pubkey{}
	// AddressLookupTableProgramID marks transactions that resolved accounts through a lookup table.
	AddressLookupTableProgramID = NamedPubkey("AddressLookupTab1e1111111111111111111111111")
)

// NamedPubkey derives a stable key from a human readable name.
func NamedPubkey(name string) Pubkey {
	return Pubkey(Keccak256([]byte(name)))
}

// DerivePubkey derives a program-owned account key from the program id and seeds.
func DerivePubkey(programID Pubkey, seeds ...[]byte) Pubkey {
	parts := make([][]byte, 0, len(seeds)+1)
	parts = append(parts, programID[:])
	parts = append(parts, seeds...)
	return Pubkey(Keccak256(parts...))
}

func BytesToPubkey(b []byte) Pubkey {
	var p Pubkey
	if len(b) > PubkeyLength {
		b = b[len(b)-PubkeyLength:]
	}
	copy(p[PubkeyLength-len(b):], b)
	return p
}

func HexToPubkey(s string) (Pubkey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Pubkey{}, err
	}
	if len(b) != PubkeyLength {
		return Pubkey{}, fmt.Errorf("invalid pubkey length %d", len(b))
	}
	return BytesToPubkey(b), nil
}

func (p Pubkey) Bytes() []byte {
	return p[:]
}

func (p Pubkey) Hex() string {
	return "0x" + hex.EncodeToString(p[:])
}

func (p Pubkey) String() string {
	return p.Hex()
}

func (p Pubkey) String_short() string {
	h := p.Hex()
	return fmt.Sprintf("%s..%s", h[2:6], h[62:66])
}

func (p Pubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Hex())
}

func (p *Pubkey) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	key, err := HexToPubkey(hexStr)
	if err != nil {
		return err
	}
	*p = key
	return nil
}
