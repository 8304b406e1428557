package controller

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/colorfulnotion/evmloader/controller")

// Env is everything one invocation receives from the host.
type Env struct {
	Config    *config.Config
	ProgramID common.Pubkey
	Accounts  []*account.Info
	Factory   evm.Factory
	Events    types.EventSink
}

// NewEnv wraps the host accounts of one invocation. A nil sink collects events in memory.
func NewEnv(cfg *config.Config, accounts []*account.Info, factory evm.Factory, events types.EventSink) *Env {
	if events == nil {
		events = &types.EventLog{}
	}
	return &Env{Config: cfg, ProgramID: cfg.ProgramID, Accounts: accounts, Factory: factory, Events: events}
}

// emit hands ev to the sink and writes it to the data log.
func (env *Env) emit(ev types.Event, step uint64) {
	env.Events.Emit(ev)
	log.Data(log.ControllerMonitoring, log.NewDataRecord(env.ProgramID.Hex(), ev.Name, step, ev.Fields...))
}

const (
	oneShotHeaderSize = 4
	stepHeaderSize    = 12
)

// OneShotPayload: treasury index (u32 LE) | raw transaction.
type OneShotPayload struct {
	TreasuryIndex uint32
	Transaction   []byte
}

// ParseOneShotPayload splits a one-shot instruction payload.
func ParseOneShotPayload(data []byte) (*OneShotPayload, error) {
	if len(data) < oneShotHeaderSize {
		return nil, fmt.Errorf("one-shot payload of %d bytes: %w", len(data), evmerrors.ErrOutOfBounds)
	}
	return &OneShotPayload{
		TreasuryIndex: binary.LittleEndian.Uint32(data),
		Transaction:   data[oneShotHeaderSize:],
	}, nil
}

// Bytes encodes the payload as ParseOneShotPayload reads it.
func (p *OneShotPayload) Bytes() []byte {
	out := binary.LittleEndian.AppendUint32(nil, p.TreasuryIndex)
	return append(out, p.Transaction...)
}

// StepPayload: treasury index (u32 LE) | step budget (u32 LE) | unused (u32) | raw transaction.
// An empty transaction is read from the holder buffer.
type StepPayload struct {
	TreasuryIndex uint32
	StepBudget    uint32
	Transaction   []byte
}

// ParseStepPayload splits a step instruction payload.
func ParseStepPayload(data []byte) (*StepPayload, error) {
	if len(data) < stepHeaderSize {
		return nil, fmt.Errorf("step payload of %d bytes: %w", len(data), evmerrors.ErrOutOfBounds)
	}
	return &StepPayload{
		TreasuryIndex: binary.LittleEndian.Uint32(data),
		StepBudget:    binary.LittleEndian.Uint32(data[4:]),
		Transaction:   data[stepHeaderSize:],
	}, nil
}

// Bytes encodes the payload as ParseStepPayload reads it.
func (p *StepPayload) Bytes() []byte {
	out := binary.LittleEndian.AppendUint32(nil, p.TreasuryIndex)
	out = binary.LittleEndian.AppendUint32(out, p.StepBudget)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return append(out, p.Transaction...)
}

// openAccounts builds the arena from accounts laid out as
// [operator, treasury, operator balance, system, app...].
func openAccounts(cfg *config.Config, programID common.Pubkey, infos []*account.Info, treasuryIndex uint32) (*account.AccountsDB, error) {
	if len(infos) < 4 {
		return nil, fmt.Errorf("%d accounts passed, need at least 4: %w", len(infos), evmerrors.ErrAccountMissing)
	}
	operator, err := account.OperatorFromAccount(cfg, infos[0])
	if err != nil {
		return nil, err
	}
	treasury, err := account.TreasuryFromAccount(programID, cfg, treasuryIndex, infos[1])
	if err != nil {
		return nil, err
	}
	operatorBalance, err := account.BalanceFromAccount(programID, infos[2])
	if err != nil {
		return nil, err
	}
	system, err := account.SystemFromAccount(infos[3])
	if err != nil {
		return nil, err
	}
	return account.NewAccountsDB(infos[4:], operator, operatorBalance, system, treasury), nil
}

// Validate rejects an invocation that touches an account held by an in-flight
// multi-step transaction.
func Validate(env *Env) error {
	for _, info := range env.Accounts {
		blocked, err := account.IsBlocked(env.ProgramID, info)
		if err != nil {
			return err
		}
		if blocked {
			return evmerrors.AccountErr(evmerrors.ErrAccountBlocked, info.Key)
		}
	}
	return nil
}

// decodeTransaction decodes raw, recovers its origin and checks its chain.
func decodeTransaction(cfg *config.Config, raw []byte) (*types.Transaction, common.Address, uint64, error) {
	trx, err := types.Decode(raw)
	if err != nil {
		return nil, common.Address{}, 0, err
	}
	return checkTransaction(cfg, trx)
}

func checkTransaction(cfg *config.Config, trx *types.Transaction) (*types.Transaction, common.Address, uint64, error) {
	origin, err := trx.RecoverCallerAddress()
	if err != nil {
		return nil, common.Address{}, 0, err
	}
	chainID := trx.ChainIDOr(cfg.ChainID)
	if chainID != cfg.ChainID {
		return nil, common.Address{}, 0, fmt.Errorf("chain %d: %w", chainID, evmerrors.ErrInvalidChainID)
	}
	return trx, origin, chainID, nil
}
