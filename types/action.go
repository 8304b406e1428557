package types

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/holiman/uint256"
)

type ActionKind uint8

const (
	ActionTransfer ActionKind = iota + 1
	ActionIncrementNonce
	ActionSetCode
	ActionSetStorage
	ActionTreasuryFee
)

func (k ActionKind) String() string {
	switch k {
	case ActionTransfer:
		return "Transfer"
	case ActionIncrementNonce:
		return "EvmIncrementNonce"
	case ActionSetCode:
		return "EvmSetCode"
	case ActionSetStorage:
		return "EvmSetStorage"
	case ActionTreasuryFee:
		return "TreasuryFee"
	}
	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action is one pending state change recorded by the executor and applied at
// commit. The struct is flat so a list of actions round-trips through RLP.
//
//	Transfer:       Address -> Target, Value, ChainID
//	IncrementNonce: Address, ChainID
//	SetCode:        Address, ChainID, Code
//	SetStorage:     Address, Key, Value
//	TreasuryFee:    Value (lamports), charged by precompiles
type Action struct {
	Kind    ActionKind
	Address common.Address
	Target  common.Address
	ChainID uint64
	Value   *uint256.Int
	Key     *uint256.Int
	Code    []byte
}

func NewTransfer(source, target common.Address, chainID uint64, value *uint256.Int) Action {
	return Action{Kind: ActionTransfer, Address: source, Target: target, ChainID: chainID, Value: value.Clone(), Key: new(uint256.Int)}
}

func NewIncrementNonce(address common.Address, chainID uint64) Action {
	return Action{Kind: ActionIncrementNonce, Address: address, ChainID: chainID, Value: new(uint256.Int), Key: new(uint256.Int)}
}

func NewSetCode(address common.Address, chainID uint64, code []byte) Action {
	return Action{Kind: ActionSetCode, Address: address, ChainID: chainID, Value: new(uint256.Int), Key: new(uint256.Int), Code: append([]byte(nil), code...)}
}

func NewSetStorage(address common.Address, key, value *uint256.Int) Action {
	return Action{Kind: ActionSetStorage, Address: address, Key: key.Clone(), Value: value.Clone()}
}

func NewTreasuryFee(lamports uint64) Action {
	return Action{Kind: ActionTreasuryFee, Value: uint256.NewInt(lamports), Key: new(uint256.Int)}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionTransfer:
		return fmt.Sprintf("%s %s -> %s %s (chain %d)", a.Kind, a.Address.Hex(), a.Target.Hex(), a.Value.Dec(), a.ChainID)
	case ActionIncrementNonce:
		return fmt.Sprintf("%s %s (chain %d)", a.Kind, a.Address.Hex(), a.ChainID)
	case ActionSetCode:
		return fmt.Sprintf("%s %s %d bytes", a.Kind, a.Address.Hex(), len(a.Code))
	case ActionSetStorage:
		return fmt.Sprintf("%s %s [%s] = %s", a.Kind, a.Address.Hex(), a.Key.Hex(), a.Value.Hex())
	case ActionTreasuryFee:
		return fmt.Sprintf("%s %s lamports", a.Kind, a.Value.Dec())
	}
	return a.Kind.String()
}
