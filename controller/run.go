package controller

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/executor"
	"github.com/colorfulnotion/evmloader/gasometer"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// run is one transaction as seen by one invocation.
type run struct {
	env     *Env
	db      *account.AccountsDB
	storage *storage.ProgramAccountStorage
	gas     *gasometer.Gasometer

	trx     *types.Transaction
	origin  common.Address
	chainID uint64

	exec    *executor.ExecutorState
	machine evm.Machine
	state   *account.StateAccount // nil in one-shot mode

	status *evm.ExitStatus
	steps  uint64
}

func (r *run) cfg() *config.Config { return r.env.Config }

// totalSteps is the step counter reported with events.
func (r *run) totalSteps() uint64 {
	if r.state != nil {
		return r.state.Steps()
	}
	return r.steps
}

func (r *run) emitHeader() {
	r.env.emit(types.HashEvent(r.trx.Hash()), 0)
	r.env.emit(types.MinerEvent(r.db.OperatorBalance().Address()), 0)
}

// execute runs the machine for at most budget steps and charges the gas it burnt.
func (r *run) execute(ctx context.Context, budget uint64) error {
	_, span := tracer.Start(ctx, "machine.Execute")
	defer span.End()

	before := r.machine.GasUsed()
	status, steps, err := r.machine.Execute(budget, r.exec)
	if err != nil {
		span.RecordError(err)
		return err
	}
	r.gas.RecordEvmGas(r.machine.GasUsed() - before)
	r.status, r.steps = status, steps
	if r.state != nil {
		r.state.AddSteps(steps)
	}
	span.SetAttributes(attribute.Int64("steps", int64(steps)), attribute.Bool("finished", status != nil))
	log.Debug(log.ControllerMonitoring, "machine ran", "trx", r.trx.Hash().String_short(), "steps", steps, "budget", budget, "finished", status != nil)
	return nil
}

// commit applies the finished machine's actions after a Ready allocation, then
// settles fees and gas. OutOfGas is reported before the origin pays anything.
func (r *run) commit() error {
	if err := r.storage.ApplyStateChange(r.exec.Actions()); err != nil {
		return err
	}
	if err := r.storage.TransferTreasuryPayment(); err != nil {
		return err
	}
	r.gas.RecordOperatorExpenses(r.db.Operator())

	used := r.gas.UsedGas()
	limit := r.trx.GasLimit()
	if used.Gt(limit) {
		return evmerrors.OutOfGas(limit, used)
	}
	r.env.emit(types.GasEvent(used.Uint64()), r.totalSteps())

	if err := r.storage.TransferGasPayment(r.origin, r.chainID, gasCost(used, r.trx.GasPrice())); err != nil {
		return err
	}
	r.env.emit(types.ReturnEvent(byte(r.status.Reason), r.status.Data), r.totalSteps())
	log.Info(log.ControllerMonitoring, "transaction finalized", "trx", r.trx.Hash().String_short(), "exit", r.status.Reason, "gas", used.Dec(), "steps", r.totalSteps())
	return nil
}

// gasCost is used*price, saturating at 2^256-1.
func gasCost(used, price *uint256.Int) *uint256.Int {
	cost, overflow := new(uint256.Int).MulOverflow(used, price)
	if overflow {
		return cost.SetAllOne()
	}
	return cost
}

// growRegion enlarges a program-owned region to size and tops up its rent from the operator.
func growRegion(cfg *config.Config, db *account.AccountsDB, info *account.Info, size int) error {
	if len(info.Data()) >= size {
		return nil
	}
	if err := info.Realloc(size); err != nil {
		return err
	}
	return db.System().Fund(db.Operator(), info, cfg.RentExemptMinimum(size))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func budgetOf(cfg *config.Config, requested uint32) uint64 {
	budget := uint64(requested)
	if budget == 0 {
		budget = cfg.DefaultStepBudget
	}
	return min(budget, cfg.MaxEvmStepsPerInvocation)
}

func suspendedErr(trx *types.Transaction) error {
	return fmt.Errorf("%s suspended without a step budget", trx.Hash().String_short())
}
