package controller

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/executor"
	"github.com/colorfulnotion/evmloader/gasometer"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
)

// BeginOrContinue advances a multi-step transaction by one invocation.
//
// Accounts: [storage, operator, treasury, operator balance, system, app...].
// A HOLDER or STATE_FINALIZED storage region starts the transaction; a STATE
// region resumes it from its continuation.
func BeginOrContinue(ctx context.Context, env *Env, payload []byte) error {
	return stepInvocation(ctx, env, payload, true)
}

// Continue only resumes a transaction already in flight.
func Continue(ctx context.Context, env *Env, payload []byte) error {
	return stepInvocation(ctx, env, payload, false)
}

func stepInvocation(ctx context.Context, env *Env, payload []byte, allowBegin bool) (err error) {
	name := "Continue"
	if allowBegin {
		name = "BeginOrContinue"
	}
	ctx, span := tracer.Start(ctx, name)
	defer func() { endSpan(span, err) }()

	p, err := ParseStepPayload(payload)
	if err != nil {
		return err
	}
	if len(env.Accounts) == 0 {
		return fmt.Errorf("no storage account: %w", evmerrors.ErrAccountMissing)
	}
	cfg := env.Config
	info := env.Accounts[0]
	if info.Owner != env.ProgramID {
		return evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, info.Key)
	}
	db, err := openAccounts(cfg, env.ProgramID, env.Accounts[1:], p.TreasuryIndex)
	if err != nil {
		return err
	}
	tag, err := account.UpdateHolderAccount(env.ProgramID, info)
	if err != nil {
		return err
	}

	var (
		r         *run
		excessive uint64
	)
	switch tag {
	case account.TagHolder, account.TagStateFinalized:
		if !allowBegin {
			return &evmerrors.InvalidTagError{Key: info.Key, Expected: uint8(account.TagState), Actual: uint8(tag)}
		}
		r, excessive, err = begin(env, db, info, tag, p)
	case account.TagState:
		r, err = resume(env, db, info)
	case account.TagEmpty, account.TagLegacyAccountV3, account.TagStateFinalizedDeprecated,
		account.TagHolderDeprecated, account.TagBalance, account.TagContract:
		return &evmerrors.InvalidTagError{Key: info.Key, Expected: uint8(account.TagState), Actual: uint8(tag)}
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("trx", r.trx.Hash().Hex()), attribute.String("tag", tag.String()))

	if err := r.execute(ctx, budgetOf(cfg, p.StepBudget)); err != nil {
		return err
	}
	if r.status == nil {
		err = r.persist()
	} else {
		err = r.finish()
	}
	if err != nil {
		return err
	}
	if excessive > 0 {
		db.Operator().Credit(excessive)
		log.Debug(log.ControllerMonitoring, "excessive lamports returned", "operator", db.Operator().Key().String_short(), "lamports", excessive)
	}
	return nil
}

// begin starts a fresh transaction in a HOLDER or STATE_FINALIZED region. It
// returns the lamports freed by legacy migration, owed to the operator.
func begin(env *Env, db *account.AccountsDB, info *account.Info, tag account.Tag, p *StepPayload) (*run, uint64, error) {
	cfg := env.Config
	var (
		trx *types.Transaction
		err error
	)
	switch {
	case len(p.Transaction) > 0:
		trx, err = types.Decode(p.Transaction)
	case tag == account.TagHolder:
		var holder *account.Holder
		if holder, err = account.HolderFromAccount(env.ProgramID, info); err == nil {
			trx, err = holder.Transaction()
		}
	default:
		err = evmerrors.AccountErr(evmerrors.ErrHolderTransactionEmpty, info.Key)
	}
	if err != nil {
		return nil, 0, err
	}
	trx, origin, chainID, err := checkTransaction(cfg, trx)
	if err != nil {
		return nil, 0, err
	}

	r := &run{
		env:     env,
		db:      db,
		storage: storage.NewProgramAccountStorage(cfg, db),
		gas:     gasometer.New(cfg, new(uint256.Int), db.Operator()),
		trx:     trx,
		origin:  origin,
		chainID: chainID,
	}
	r.emitHeader()
	r.gas.RecordIntrinsicCost(trx)
	r.gas.RecordSolanaTransactionCost()
	r.gas.RecordAddressLookupTable(env.Accounts)

	excessive, err := account.UpdateLegacyAccounts(env.ProgramID, cfg, db)
	if err != nil {
		return nil, 0, err
	}
	r.gas.RefundLamports(excessive)

	if err := growRegion(cfg, db, info, account.StateHeaderSize+32*db.Len()+4); err != nil {
		return nil, 0, err
	}
	if r.state, err = account.NewState(env.ProgramID, info, db, origin, trx); err != nil {
		return nil, 0, err
	}
	r.exec = executor.New(cfg, r.storage, chainID)
	if r.machine, err = env.Factory.New(trx, origin, r.exec); err != nil {
		return nil, 0, err
	}
	log.Info(log.ControllerMonitoring, "transaction begun", "trx", trx.Hash().String_short(), "origin", origin.Hex(), "accounts", db.Len())
	return r, excessive, nil
}

// resume restores a transaction from the continuation in a STATE region.
func resume(env *Env, db *account.AccountsDB, info *account.Info) (*run, error) {
	cfg := env.Config
	state, err := account.RestoreState(env.ProgramID, info, db)
	if err != nil {
		return nil, err
	}
	c, err := decodeContinuation(state.Blob())
	if err != nil {
		return nil, err
	}
	trx, err := types.Decode(c.Transaction)
	if err != nil {
		return nil, err
	}
	if trx.Hash() != state.TrxHash() {
		return nil, evmerrors.AccountErr(evmerrors.ErrStateAccountMismatch, info.Key)
	}

	st := storage.NewProgramAccountStorage(cfg, db)
	r := &run{
		env:     env,
		db:      db,
		storage: st,
		gas:     gasometer.New(cfg, state.GasUsed(), db.Operator()),
		trx:     trx,
		origin:  state.Origin(),
		chainID: trx.ChainIDOr(cfg.ChainID),
		state:   state,
	}
	r.emitHeader()
	r.gas.RecordSolanaTransactionCost()

	if r.exec, err = executor.Restore(cfg, st, c.Executor); err != nil {
		return nil, err
	}
	if r.machine, err = env.Factory.Restore(c.Machine); err != nil {
		return nil, err
	}
	log.Debug(log.ControllerMonitoring, "transaction resumed", "trx", trx.Hash().String_short(), "steps", state.Steps(), "gas", state.GasUsed().Dec())
	return r, nil
}

// persist writes the continuation and counters; the region stays STATE.
func (r *run) persist() error {
	machine, err := r.machine.MarshalBinary()
	if err != nil {
		return err
	}
	exec, err := r.exec.MarshalBinary()
	if err != nil {
		return err
	}
	blob, err := (&continuation{Transaction: r.trx.Raw(), Machine: machine, Executor: exec}).encode()
	if err != nil {
		return err
	}
	size := account.StateHeaderSize + 32*len(r.state.Accounts()) + 4 + len(blob)
	if err := growRegion(r.cfg(), r.db, r.state.Info(), size); err != nil {
		return err
	}
	r.gas.RecordOperatorExpenses(r.db.Operator())
	r.state.SetGasUsed(r.gas.UsedGas())
	r.state.SetBlob(blob)
	if err := r.state.Save(); err != nil {
		return err
	}
	log.Debug(log.ControllerMonitoring, "continuation saved", "trx", r.trx.Hash().String_short(), "steps", r.state.Steps(), "blob", len(blob))
	return nil
}

// finish commits a finished transaction, or grows its regions and persists
// when they do not fit this invocation yet.
func (r *run) finish() error {
	actions := r.exec.Actions()
	res, err := r.storage.Allocate(actions)
	if err != nil {
		return err
	}
	if res == storage.NotReady {
		done, err := r.storage.Grow(actions)
		if err != nil {
			return err
		}
		log.Debug(log.ControllerMonitoring, "allocation pending", "trx", r.trx.Hash().String_short(), "grown", done)
		return r.persist()
	}
	if err := r.commit(); err != nil {
		return err
	}
	return r.state.Finalize(r.db)
}
