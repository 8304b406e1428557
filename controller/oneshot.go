package controller

import (
	"context"
	"fmt"
	"math"

	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/executor"
	"github.com/colorfulnotion/evmloader/gasometer"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
)

// ExecuteOneShot runs a complete transaction within a single invocation.
//
// Accounts: [operator, treasury, operator balance, system, app...].
// Nothing is applied unless every region fits this invocation.
func ExecuteOneShot(ctx context.Context, env *Env, payload []byte) (err error) {
	ctx, span := tracer.Start(ctx, "ExecuteOneShot")
	defer func() { endSpan(span, err) }()

	p, err := ParseOneShotPayload(payload)
	if err != nil {
		return err
	}
	if err := Validate(env); err != nil {
		return err
	}
	cfg := env.Config
	db, err := openAccounts(cfg, env.ProgramID, env.Accounts, p.TreasuryIndex)
	if err != nil {
		return err
	}
	trx, origin, chainID, err := decodeTransaction(cfg, p.Transaction)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("trx", trx.Hash().Hex()), attribute.String("origin", origin.Hex()))

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
	r.gas.RecordAddressLookupTable(env.Accounts)

	r.exec = executor.New(cfg, r.storage, chainID)
	if r.machine, err = env.Factory.New(trx, origin, r.exec); err != nil {
		return err
	}
	if err := r.execute(ctx, math.MaxUint64); err != nil {
		return err
	}
	if r.status == nil {
		return suspendedErr(trx)
	}

	res, err := r.storage.Allocate(r.exec.Actions())
	if err != nil {
		return err
	}
	if res == storage.NotReady {
		return fmt.Errorf("%s: %w", trx.Hash().String_short(), evmerrors.ErrAccountSpaceAllocationFailure)
	}
	return r.commit()
}
