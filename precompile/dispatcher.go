package precompile

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/holiman/uint256"
)

// State is the account state a precompile may read and write.
// Writes stay pending like any other machine mutation.
type State interface {
	Storage(address common.Address, key *uint256.Int) (*uint256.Int, error)
	SetStorage(address common.Address, key, value *uint256.Int) error
	ChargeTreasuryFee(lamports uint64)
}

type handler func(d *Dispatcher, address common.Address, input []byte, ctx *evm.Context, isStatic bool) ([]byte, error)

// Dispatcher routes calls to the precompiled extensions by address.
type Dispatcher struct {
	cfg      *config.Config
	state    State
	handlers map[common.Address]handler
}

func NewDispatcher(cfg *config.Config, state State) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg,
		state: state,
		handlers: map[common.Address]handler{
			MetadataRegistryAddress: (*Dispatcher).metadataRegistry,
		},
	}
}

func (d *Dispatcher) IsPrecompile(address common.Address) bool {
	_, ok := d.handlers[address]
	return ok
}

// Call runs the precompile at address. Errors carry the address and, once
// decoded, the selector.
func (d *Dispatcher) Call(address common.Address, input []byte, ctx *evm.Context, isStatic bool) ([]byte, error) {
	h, ok := d.handlers[address]
	if !ok {
		return nil, fmt.Errorf("no precompile at %s", address.Hex())
	}
	out, err := h(d, address, input, ctx, isStatic)
	if err != nil {
		log.Debug(log.EVMMonitoring, "precompile failed", "address", address.Hex(), "static", isStatic, "err", err)
		return nil, err
	}
	return out, nil
}

func precompileErr(address common.Address, selector []byte, err error) error {
	pe := &evmerrors.PrecompileError{Address: address, Err: err}
	copy(pe.Selector[:], selector)
	return pe
}
