package executor

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/precompile"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ExecutorState is the machine's view of the ledger during one transaction.
// Reads see committed regions overlaid with the pending actions; writes only
// append actions, which the controller commits once the machine finishes.
type ExecutorState struct {
	backend     *storage.ProgramAccountStorage
	chainID     uint64
	actions     []types.Action
	stack       []int
	precompiles *precompile.Dispatcher
}

// New starts with no pending actions. chainID selects the balances the transaction moves.
func New(cfg *config.Config, backend *storage.ProgramAccountStorage, chainID uint64) *ExecutorState {
	e := &ExecutorState{backend: backend, chainID: chainID}
	e.precompiles = precompile.NewDispatcher(cfg, e)
	return e
}

type snapshotRLP struct {
	ChainID uint64
	Actions []types.Action
	Stack   []uint64
}

// Restore rebuilds the state serialized by MarshalBinary on top of backend.
func Restore(cfg *config.Config, backend *storage.ProgramAccountStorage, data []byte) (*ExecutorState, error) {
	var dec snapshotRLP
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("executor snapshot: %v: %w", err, evmerrors.ErrUnsupportedStateVersion)
	}
	e := New(cfg, backend, dec.ChainID)
	e.actions = dec.Actions
	e.stack = make([]int, len(dec.Stack))
	for i, n := range dec.Stack {
		if n > uint64(len(e.actions)) {
			return nil, fmt.Errorf("snapshot mark %d past %d actions: %w", n, len(e.actions), evmerrors.ErrUnsupportedStateVersion)
		}
		e.stack[i] = int(n)
	}
	return e, nil
}

func (e *ExecutorState) MarshalBinary() ([]byte, error) {
	enc := snapshotRLP{ChainID: e.chainID, Actions: e.actions, Stack: make([]uint64, len(e.stack))}
	for i, n := range e.stack {
		enc.Stack[i] = uint64(n)
	}
	return rlp.EncodeToBytes(&enc)
}

// Actions returns the pending actions in the order they were recorded.
func (e *ExecutorState) Actions() []types.Action { return e.actions }

func (e *ExecutorState) Backend() *storage.ProgramAccountStorage { return e.backend }

func (e *ExecutorState) ChainID() uint64 { return e.chainID }

func (e *ExecutorState) Nonce(address common.Address) (uint64, error) {
	nonce, err := e.backend.Nonce(address, e.chainID)
	if err != nil {
		return 0, err
	}
	for _, a := range e.actions {
		if a.Kind == types.ActionIncrementNonce && a.Address == address && a.ChainID == e.chainID {
			nonce++
		}
	}
	return nonce, nil
}

func (e *ExecutorState) Balance(address common.Address) (*uint256.Int, error) {
	balance, err := e.backend.Balance(address, e.chainID)
	if err != nil {
		return nil, err
	}
	for _, a := range e.actions {
		if a.Kind != types.ActionTransfer || a.ChainID != e.chainID {
			continue
		}
		if a.Address == address {
			balance.Sub(balance, a.Value)
		}
		if a.Target == address {
			balance.Add(balance, a.Value)
		}
	}
	return balance, nil
}

func (e *ExecutorState) Code(address common.Address) ([]byte, error) {
	for i := len(e.actions) - 1; i >= 0; i-- {
		if a := e.actions[i]; a.Kind == types.ActionSetCode && a.Address == address {
			return a.Code, nil
		}
	}
	return e.backend.Code(address)
}

func (e *ExecutorState) Storage(address common.Address, key *uint256.Int) (*uint256.Int, error) {
	for i := len(e.actions) - 1; i >= 0; i-- {
		if a := e.actions[i]; a.Kind == types.ActionSetStorage && a.Address == address && a.Key.Eq(key) {
			return a.Value.Clone(), nil
		}
	}
	return e.backend.Storage(address, key)
}

func (e *ExecutorState) IncrementNonce(address common.Address) error {
	nonce, err := e.Nonce(address)
	if err != nil {
		return err
	}
	if nonce == ^uint64(0) {
		return fmt.Errorf("%s: %w", address.Hex(), evmerrors.ErrInvalidNonce)
	}
	e.actions = append(e.actions, types.NewIncrementNonce(address, e.chainID))
	return nil
}

// Transfer records a value move after checking the source can cover it.
// Zero values and self transfers record nothing.
func (e *ExecutorState) Transfer(from, to common.Address, value *uint256.Int) error {
	if value.IsZero() {
		return nil
	}
	balance, err := e.Balance(from)
	if err != nil {
		return err
	}
	if balance.Lt(value) {
		return fmt.Errorf("%s has %s, needs %s: %w", from.Hex(), balance.Dec(), value.Dec(), evmerrors.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	e.actions = append(e.actions, types.NewTransfer(from, to, e.chainID, value))
	return nil
}

func (e *ExecutorState) SetCode(address common.Address, code []byte) error {
	e.actions = append(e.actions, types.NewSetCode(address, e.chainID, code))
	return nil
}

func (e *ExecutorState) SetStorage(address common.Address, key, value *uint256.Int) error {
	e.actions = append(e.actions, types.NewSetStorage(address, key, value))
	return nil
}

// ChargeTreasuryFee records lamports a precompile charges; they reach the treasury at commit.
func (e *ExecutorState) ChargeTreasuryFee(lamports uint64) {
	if lamports == 0 {
		return
	}
	e.actions = append(e.actions, types.NewTreasuryFee(lamports))
}

func (e *ExecutorState) Snapshot() {
	e.stack = append(e.stack, len(e.actions))
}

func (e *ExecutorState) RevertSnapshot() {
	mark := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	log.Trace(log.EVMMonitoring, "snapshot reverted", "dropped", len(e.actions)-mark)
	e.actions = e.actions[:mark]
}

func (e *ExecutorState) CommitSnapshot() {
	e.stack = e.stack[:len(e.stack)-1]
}

func (e *ExecutorState) IsPrecompile(address common.Address) bool {
	return e.precompiles.IsPrecompile(address)
}

func (e *ExecutorState) CallPrecompile(ctx *evm.Context, address common.Address, input []byte, isStatic bool) ([]byte, error) {
	return e.precompiles.Call(address, input, ctx, isStatic)
}

var (
	_ evm.Backend      = (*ExecutorState)(nil)
	_ precompile.State = (*ExecutorState)(nil)
)
