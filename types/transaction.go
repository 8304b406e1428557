package types

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Transaction is a signed Ethereum transaction as submitted to the program,
// either inline in the instruction or buffered in a holder account.
type Transaction struct {
	inner *ethereumTypes.Transaction
	raw   []byte
}

// Decode parses a complete legacy (RLP list) or typed (EIP-2718) transaction.
// Trailing bytes are rejected.
func Decode(raw []byte) (*Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload: %w", evmerrors.ErrTransactionDecode)
	}
	var tx ethereumTypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", evmerrors.ErrTransactionDecode, err)
	}
	return &Transaction{inner: &tx, raw: append([]byte(nil), raw...)}, nil
}

// DecodeFromBuffer parses the transaction at the start of a zero-padded holder buffer.
func DecodeFromBuffer(buf []byte) (*Transaction, error) {
	n, err := EncodedLength(buf)
	if err != nil {
		return nil, err
	}
	return Decode(buf[:n])
}

// EncodedLength returns the byte length of the transaction that starts buf.
func EncodedLength(buf []byte) (int, error) {
	if len(buf) == 0 || buf[0] == 0 {
		return 0, evmerrors.ErrHolderTransactionEmpty
	}
	body := buf
	prefix := 0
	if buf[0] <= 0x7f {
		// EIP-2718 envelope: type byte followed by an RLP list
		body = buf[1:]
		prefix = 1
	} else if buf[0] < 0xc0 {
		return 0, fmt.Errorf("leading byte 0x%x: %w", buf[0], evmerrors.ErrTransactionDecode)
	}
	_, _, rest, err := rlp.Split(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", evmerrors.ErrTransactionDecode, err)
	}
	return prefix + len(body) - len(rest), nil
}

func (t *Transaction) Inner() *ethereumTypes.Transaction { return t.inner }

// Raw is the exact encoding the transaction was decoded from.
func (t *Transaction) Raw() []byte { return t.raw }

func (t *Transaction) Type() uint8 { return t.inner.Type() }

func (t *Transaction) Nonce() uint64 { return t.inner.Nonce() }

func (t *Transaction) Data() []byte { return t.inner.Data() }

func (t *Transaction) AccessList() ethereumTypes.AccessList { return t.inner.AccessList() }

// Hash is the Keccak-256 transaction hash, used as the idempotency key.
func (t *Transaction) Hash() common.Hash { return common.Hash(t.inner.Hash()) }

// Target returns nil for contract creation.
func (t *Transaction) Target() *common.Address {
	to := t.inner.To()
	if to == nil {
		return nil
	}
	addr := common.Address(*to)
	return &addr
}

func (t *Transaction) IsCreate() bool { return t.inner.To() == nil }

func (t *Transaction) Value() *uint256.Int {
	v, _ := uint256.FromBig(t.inner.Value())
	return v
}

func (t *Transaction) GasLimit() *uint256.Int { return uint256.NewInt(t.inner.Gas()) }

// GasPrice is the legacy gas price, or the fee cap for dynamic-fee transactions.
func (t *Transaction) GasPrice() *uint256.Int {
	v, _ := uint256.FromBig(t.inner.GasPrice())
	return v
}

// ChainID is nil for legacy transactions signed without EIP-155 replay protection.
func (t *Transaction) ChainID() *uint64 {
	if !t.inner.Protected() {
		return nil
	}
	id := t.inner.ChainId().Uint64()
	return &id
}

// ChainIDOr returns the signed chain id, or def for unprotected transactions.
func (t *Transaction) ChainIDOr(def uint64) uint64 {
	if id := t.ChainID(); id != nil {
		return *id
	}
	return def
}

// RecoverCallerAddress recovers the origin from the signature.
func (t *Transaction) RecoverCallerAddress() (common.Address, error) {
	var signer ethereumTypes.Signer = ethereumTypes.HomesteadSigner{}
	if t.inner.Protected() {
		signer = ethereumTypes.LatestSignerForChainID(t.inner.ChainId())
	}
	from, err := signer.Sender(t.inner)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", evmerrors.ErrSignatureRecovery, err)
	}
	return common.Address(from), nil
}

// IntrinsicGas is the cost charged before any opcode runs: the base fee,
// calldata, access list and init code words.
func (t *Transaction) IntrinsicGas() uint64 {
	gas := params.TxGas
	if t.IsCreate() {
		gas = params.TxGasContractCreation
	}
	data := t.Data()
	nonZero := uint64(0)
	for _, b := range data {
		if b != 0 {
			nonZero++
		}
	}
	zero := uint64(len(data)) - nonZero
	gas += nonZero*params.TxDataNonZeroGasEIP2028 + zero*params.TxDataZeroGas
	if t.IsCreate() {
		gas += (uint64(len(data)) + 31) / 32 * params.InitCodeWordGas
	}
	for _, tuple := range t.AccessList() {
		gas += params.TxAccessListAddressGas
		gas += uint64(len(tuple.StorageKeys)) * params.TxAccessListStorageKeyGas
	}
	return gas
}

func (t *Transaction) String() string {
	to := "create"
	if target := t.Target(); target != nil {
		to = target.Hex()
	}
	return fmt.Sprintf("tx %s type=%d nonce=%d to=%s value=%s gas=%d", t.Hash().String_short(), t.Type(), t.Nonce(), to, t.Value().Dec(), t.inner.Gas())
}
