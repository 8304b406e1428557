package evmerrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/holiman/uint256"
)

// Account (A) Errors
var (
	ErrAccountInvalidTag      = errors.New("A1|AccountInvalidTag: Account tag is not valid for the requested operation.")
	ErrAccountBlocked         = errors.New("A2|AccountBlocked: Account is in use by another in-flight transaction.")
	ErrAccountMissing         = errors.New("A3|AccountMissing: Account was not passed to the invocation.")
	ErrAccountInvalidOwner    = errors.New("A4|AccountInvalidOwner: Account is owned by a foreign program.")
	ErrAccountNotSigner       = errors.New("A5|AccountNotSigner: Operator account did not sign the invocation.")
	ErrAccountDataTooSmall    = errors.New("A6|AccountDataTooSmall: Account region is too small for its layout.")
	ErrAccountBorrowFailed    = errors.New("A7|AccountBorrowFailed: Account region is already borrowed.")
	ErrAccountInvalidKey      = errors.New("A8|AccountInvalidKey: Account key does not match its derivation.")
	ErrOperatorNotAuthorized  = errors.New("A9|OperatorNotAuthorized: Operator is not in the whitelist.")
	ErrInvalidTreasuryIndex   = errors.New("A10|InvalidTreasuryIndex: Treasury pool index is out of range.")
	ErrStateAccountMismatch   = errors.New("A11|StateAccountMismatch: Accounts do not match the in-flight transaction.")
	ErrInsufficientLamports   = errors.New("A12|InsufficientLamports: Payer does not hold enough lamports.")
	ErrHolderTransactionEmpty = errors.New("A13|HolderTransactionEmpty: Holder buffer does not contain a transaction.")
	ErrStorageFinalized       = errors.New("A14|StorageFinalized: Transaction was already finalized in this storage account.")
)

// Allocation (S) Errors
var (
	ErrAccountSpaceAllocationFailure = errors.New("S1|AccountSpaceAllocationFailure: Account space growth did not converge within the invocation budget.")
	ErrTrieOutOfSpace                = errors.New("S2|TrieOutOfSpace: Storage region capacity exceeded.")
	ErrTrieCorrupt                   = errors.New("S3|TrieCorrupt: Storage region header is malformed.")
)

// Gas and execution (G) Errors
var (
	ErrOutOfGas            = errors.New("G1|OutOfGas: Transaction gas limit exceeded.")
	ErrInsufficientBalance = errors.New("G2|InsufficientBalance: Origin balance cannot cover the transfer.")
	ErrInvalidNonce        = errors.New("G3|InvalidNonce: Transaction nonce does not match the origin nonce.")
	ErrInvalidChainID      = errors.New("G4|InvalidChainId: Transaction chain id is not supported.")
	ErrStackUnderflow      = errors.New("G5|StackUnderflow: Machine stack underflow.")
	ErrStackOverflow       = errors.New("G6|StackOverflow: Machine stack limit reached.")
	ErrInvalidJump         = errors.New("G7|InvalidJump: Jump destination is not a JUMPDEST.")
	ErrInvalidOpcode       = errors.New("G8|InvalidOpcode: Opcode is not supported by the machine.")
)

// Decode (D) Errors
var (
	ErrOutOfBounds             = errors.New("D1|OutOfBounds: Input is shorter than its layout requires.")
	ErrTransactionDecode       = errors.New("D2|TransactionDecode: Transaction payload is malformed.")
	ErrSignatureRecovery       = errors.New("D3|SignatureRecovery: Origin cannot be recovered from the signature.")
	ErrUnsupportedStateVersion = errors.New("D4|UnsupportedStateVersion: Continuation format version is not supported.")
)

// Precompile (P) Errors
var (
	ErrStaticModeViolation             = errors.New("P1|StaticModeViolation: State-mutating call in a read-only context.")
	ErrUnknownPrecompileMethodSelector = errors.New("P2|UnknownPrecompileMethodSelector: Function selector is not recognized.")
	ErrPrecompileValueTransfer         = errors.New("P3|PrecompileValueTransfer: Precompile does not accept value.")
	ErrPrecompileDelegateCall          = errors.New("P4|PrecompileDelegateCall: Callcode or delegatecall is not allowed.")
	ErrPrecompileAlreadyInitialized    = errors.New("P5|PrecompileAlreadyInitialized: Entry already exists.")
)

// InvalidTagError reports an account whose tag byte is not the one an entry point expects.
type InvalidTagError struct {
	Key      common.Pubkey
	Expected uint8
	Actual   uint8
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("%s (account %s, expected %d, found %d)", ErrAccountInvalidTag, e.Key.String_short(), e.Expected, e.Actual)
}

func (e *InvalidTagError) Unwrap() error { return ErrAccountInvalidTag }

// AccountError attaches an account key to one of the account sentinels.
type AccountError struct {
	Key common.Pubkey
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s (account %s)", e.Err, e.Key.String_short())
}

func (e *AccountError) Unwrap() error { return e.Err }

func AccountErr(err error, key common.Pubkey) error {
	return &AccountError{Key: key, Err: err}
}

// OutOfGasError carries both the declared limit and the gas actually used.
type OutOfGasError struct {
	Limit uint256.Int
	Used  uint256.Int
}

func (e *OutOfGasError) Error() string {
	return fmt.Sprintf("%s (limit %s, used %s)", ErrOutOfGas, e.Limit.Dec(), e.Used.Dec())
}

func (e *OutOfGasError) Unwrap() error { return ErrOutOfGas }

func OutOfGas(limit, used *uint256.Int) error {
	return &OutOfGasError{Limit: *limit, Used: *used}
}

// PrecompileError attaches the precompile address (and selector when known).
type PrecompileError struct {
	Address  common.Address
	Selector [4]byte
	Err      error
}

func (e *PrecompileError) Error() string {
	if e.Selector == ([4]byte{}) {
		return fmt.Sprintf("%s (precompile %s)", e.Err, e.Address.Hex())
	}
	return fmt.Sprintf("%s (precompile %s, selector %x)", e.Err, e.Address.Hex(), e.Selector[:])
}

func (e *PrecompileError) Unwrap() error { return e.Err }

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	// Check if the error string contains '|'.
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
