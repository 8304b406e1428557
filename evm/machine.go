package evm

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
)

// ExitReason is the byte reported in the RETURN event.
type ExitReason byte

const (
	ExitStop   ExitReason = 0x11
	ExitReturn ExitReason = 0x12
	ExitRevert ExitReason = 0xd0
)

func (r ExitReason) String() string {
	switch r {
	case ExitStop:
		return "Stop"
	case ExitReturn:
		return "Return"
	case ExitRevert:
		return "Revert"
	}
	return fmt.Sprintf("ExitReason(0x%02x)", byte(r))
}

// ExitStatus is how the outermost call ended.
type ExitStatus struct {
	Reason ExitReason
	Data   []byte
}

func (s *ExitStatus) IsSucceed() bool {
	return s.Reason == ExitStop || s.Reason == ExitReturn
}

func (s *ExitStatus) String() string {
	return fmt.Sprintf("%s 0x%x", s.Reason, s.Data)
}

// Context is what a precompile sees of the call that reached it.
type Context struct {
	Caller   common.Address
	Contract common.Address
	Value    *uint256.Int
}

// Backend is the account state a machine reads and mutates. Mutations are
// pending until the caller commits them; Snapshot/Revert/Commit bracket each frame.
type Backend interface {
	ChainID() uint64

	Nonce(address common.Address) (uint64, error)
	Balance(address common.Address) (*uint256.Int, error)
	Code(address common.Address) ([]byte, error)
	Storage(address common.Address, key *uint256.Int) (*uint256.Int, error)

	IncrementNonce(address common.Address) error
	Transfer(from, to common.Address, value *uint256.Int) error
	SetCode(address common.Address, code []byte) error
	SetStorage(address common.Address, key, value *uint256.Int) error

	Snapshot()
	RevertSnapshot()
	CommitSnapshot()

	IsPrecompile(address common.Address) bool
	CallPrecompile(ctx *Context, address common.Address, input []byte, isStatic bool) ([]byte, error)
}

// Machine executes one transaction in bounded slices.
//
// Execute runs at most stepLimit steps. A nil status means the machine
// suspended and can be serialized with MarshalBinary. A machine that already
// finished returns its status again without running.
type Machine interface {
	Execute(stepLimit uint64, backend Backend) (*ExitStatus, uint64, error)
	GasUsed() uint64
	MarshalBinary() ([]byte, error)
}

// Factory starts and restores machines.
type Factory interface {
	New(trx *types.Transaction, origin common.Address, backend Backend) (Machine, error)
	Restore(data []byte) (Machine, error)
}
