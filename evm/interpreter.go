package evm

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// Interpreter is the reference Machine. It covers the arithmetic, memory,
// storage, control flow and call opcodes; block context opcodes are not supported.
type Interpreter struct {
	origin   common.Address
	gasPrice *uint256.Int
	gasLimit uint64

	frames []*frame

	exit      *ExitStatus
	remaining uint64
}

type InterpreterFactory struct{}

func NewFactory() *InterpreterFactory { return &InterpreterFactory{} }

// New checks the origin's nonce and balance, increments the nonce and
// enters the outermost frame, transferring the transaction value.
func (InterpreterFactory) New(trx *types.Transaction, origin common.Address, backend Backend) (Machine, error) {
	intrinsic := trx.IntrinsicGas()
	limit := trx.GasLimit()
	if !limit.IsUint64() || limit.Uint64() < intrinsic {
		return nil, evmerrors.OutOfGas(limit, uint256.NewInt(intrinsic))
	}

	nonce, err := backend.Nonce(origin)
	if err != nil {
		return nil, err
	}
	if nonce != trx.Nonce() {
		return nil, fmt.Errorf("origin %s has nonce %d, transaction %d: %w", origin.Hex(), nonce, trx.Nonce(), evmerrors.ErrInvalidNonce)
	}
	balance, err := backend.Balance(origin)
	if err != nil {
		return nil, err
	}
	required, overflow := new(uint256.Int).MulOverflow(trx.GasLimit(), trx.GasPrice())
	if _, o := required.AddOverflow(required, trx.Value()); o || overflow || balance.Lt(required) {
		return nil, fmt.Errorf("origin %s holds %s: %w", origin.Hex(), balance.Dec(), evmerrors.ErrInsufficientBalance)
	}
	if err := backend.IncrementNonce(origin); err != nil {
		return nil, err
	}

	m := &Interpreter{origin: origin, gasPrice: trx.GasPrice(), gasLimit: limit.Uint64() - intrinsic}
	f := &frame{caller: origin, value: trx.Value(), gas: m.gasLimit}
	if trx.IsCreate() {
		f.kind = frameCreate
		f.address = common.Address(crypto.CreateAddress(origin.Eth(), nonce))
		f.code = trx.Data()
		existing, err := backend.Code(f.address)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			log.Warn(log.EVMMonitoring, "create address collision", "address", f.address.Hex())
			m.exit = &ExitStatus{Reason: ExitRevert}
			return m, nil
		}
	} else {
		f.address = *trx.Target()
		f.codeAddress = f.address
		f.input = trx.Data()
		if err := m.load(f, backend); err != nil {
			return nil, err
		}
	}
	f.codeAddress = f.address

	backend.Snapshot()
	if !f.value.IsZero() {
		if err := backend.Transfer(origin, f.address, f.value); err != nil {
			return nil, err
		}
	}
	m.frames = append(m.frames, f)
	log.Debug(log.EVMMonitoring, "machine started", "origin", origin.Hex(), "to", f.address.Hex(), "create", trx.IsCreate(), "gas", m.gasLimit)
	return m, nil
}

// load resolves what runs in f: a precompile or the code stored at codeAddress.
func (m *Interpreter) load(f *frame, backend Backend) error {
	if backend.IsPrecompile(f.codeAddress) {
		f.kind = framePrecompile
		return nil
	}
	code, err := backend.Code(f.codeAddress)
	if err != nil {
		return err
	}
	f.kind = frameCall
	f.code = code
	return nil
}

func (InterpreterFactory) Restore(data []byte) (Machine, error) {
	return unmarshalInterpreter(data)
}

func (m *Interpreter) Finished() bool { return m.exit != nil }

func (m *Interpreter) GasUsed() uint64 {
	if m.exit != nil {
		return m.gasLimit - m.remaining
	}
	var left uint64
	for _, f := range m.frames {
		left += f.gas
	}
	return m.gasLimit - left
}

func (m *Interpreter) Execute(stepLimit uint64, backend Backend) (*ExitStatus, uint64, error) {
	var steps uint64
	for m.exit == nil && steps < stepLimit {
		steps++
		if err := m.step(backend); err != nil {
			return nil, steps, err
		}
	}
	if m.exit != nil {
		log.Debug(log.EVMMonitoring, "machine finished", "exit", m.exit.Reason, "gasUsed", m.GasUsed(), "steps", steps)
	}
	return m.exit, steps, nil
}

type result struct {
	reason ExitReason
	data   []byte
}

// executionErrors fail the current frame only; anything else aborts the machine.
var executionErrors = []error{
	evmerrors.ErrOutOfGas,
	evmerrors.ErrStackUnderflow,
	evmerrors.ErrStackOverflow,
	evmerrors.ErrInvalidJump,
	evmerrors.ErrInvalidOpcode,
	evmerrors.ErrOutOfBounds,
	evmerrors.ErrStaticModeViolation,
	evmerrors.ErrUnknownPrecompileMethodSelector,
	evmerrors.ErrPrecompileValueTransfer,
	evmerrors.ErrPrecompileDelegateCall,
	evmerrors.ErrPrecompileAlreadyInitialized,
}

func isExecutionError(err error) bool {
	for _, e := range executionErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

var revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// revertMessage encodes msg as Error(string) revert data.
func revertMessage(msg string) []byte {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(msg)
	if err != nil {
		return nil
	}
	return append(append([]byte(nil), revertSelector...), packed...)
}

func (m *Interpreter) step(backend Backend) error {
	f := m.frames[len(m.frames)-1]
	res, err := m.run(f, backend)
	if err != nil {
		if !isExecutionError(err) {
			return err
		}
		log.Debug(log.EVMMonitoring, "frame failed", "address", f.address.Hex(), "pc", f.pc, "depth", len(m.frames), "err", err)
		f.gas = 0
		res = &result{reason: ExitRevert, data: revertMessage(err.Error())}
	}
	if res == nil {
		return nil
	}
	return m.leave(f, res, backend)
}

// leave pops the finished frame f and hands its result to the parent.
func (m *Interpreter) leave(f *frame, res *result, backend Backend) error {
	m.frames = m.frames[:len(m.frames)-1]

	if f.kind == frameCreate && res.reason != ExitRevert {
		deployGas := uint64(len(res.data)) * params.CreateDataGas
		switch {
		case uint64(len(res.data)) > uint64(params.MaxCodeSize):
			f.gas = 0
			res = &result{reason: ExitRevert, data: revertMessage("max code size exceeded")}
		case f.gas < deployGas:
			f.gas = 0
			res = &result{reason: ExitRevert, data: revertMessage(evmerrors.ErrOutOfGas.Error())}
		default:
			f.gas -= deployGas
			if err := backend.SetCode(f.address, res.data); err != nil {
				return err
			}
		}
	}
	if res.reason == ExitRevert {
		backend.RevertSnapshot()
	} else {
		backend.CommitSnapshot()
	}

	if len(m.frames) == 0 {
		m.exit = &ExitStatus{Reason: res.reason, Data: res.data}
		m.remaining = f.gas
		return nil
	}

	parent := m.frames[len(m.frames)-1]
	parent.gas += f.gas
	var status uint256.Int
	switch f.kind {
	case frameCreate:
		if res.reason != ExitRevert {
			status.SetBytes20(f.address[:])
			parent.returnData = nil
		} else {
			parent.returnData = res.data
		}
	case frameCall, framePrecompile:
		parent.returnData = res.data
		copy(parent.memory[parent.retOffset:parent.retOffset+min(parent.retSize, uint64(len(res.data)))], res.data)
		if res.reason != ExitRevert {
			status.SetOne()
		}
	}
	parent.push(&status)
	return nil
}

// run executes one step of f. A non-nil result means f has finished.
func (m *Interpreter) run(f *frame, backend Backend) (*result, error) {
	if f.kind == framePrecompile {
		ctx := &Context{Caller: f.caller, Contract: f.address, Value: f.value}
		out, err := backend.CallPrecompile(ctx, f.codeAddress, f.input, f.static)
		if err != nil {
			return nil, err
		}
		return &result{reason: ExitReturn, data: out}, nil
	}
	if f.pc >= uint64(len(f.code)) {
		return &result{reason: ExitStop}, nil
	}

	op := vm.OpCode(f.code[f.pc])
	log.Trace(log.EVMMonitoring, "step", "pc", f.pc, "op", op, "gas", f.gas, "depth", len(m.frames))

	switch {
	case op >= vm.PUSH1 && op <= vm.PUSH32:
		n := uint64(op-vm.PUSH1) + 1
		if err := f.need(0, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		var v uint256.Int
		start := min(f.pc+1, uint64(len(f.code)))
		end := min(f.pc+1+n, uint64(len(f.code)))
		buf := make([]byte, n)
		copy(buf, f.code[start:end])
		v.SetBytes(buf)
		f.push(&v)
		f.pc += n + 1
		return nil, nil
	case op >= vm.DUP1 && op <= vm.DUP16:
		n := int(op-vm.DUP1) + 1
		if err := f.need(n, n+1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		v := f.stack[len(f.stack)-n]
		f.push(&v)
		f.pc++
		return nil, nil
	case op >= vm.SWAP1 && op <= vm.SWAP16:
		n := int(op-vm.SWAP1) + 1
		if err := f.need(n+1, n+1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		top := len(f.stack) - 1
		f.stack[top], f.stack[top-n] = f.stack[top-n], f.stack[top]
		f.pc++
		return nil, nil
	case op >= vm.LOG0 && op <= vm.LOG4:
		return nil, m.opLog(f, int(op-vm.LOG0))
	}

	switch op {
	case vm.STOP:
		return &result{reason: ExitStop}, nil
	case vm.ADD, vm.SUB, vm.LT, vm.GT, vm.SLT, vm.SGT, vm.EQ, vm.AND, vm.OR, vm.XOR, vm.BYTE, vm.SHL, vm.SHR, vm.SAR:
		if err := m.binary(f, op, vm.GasFastestStep); err != nil {
			return nil, err
		}
	case vm.MUL, vm.DIV, vm.SDIV, vm.MOD, vm.SMOD, vm.SIGNEXTEND:
		if err := m.binary(f, op, vm.GasFastStep); err != nil {
			return nil, err
		}
	case vm.ADDMOD, vm.MULMOD:
		if err := f.need(3, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasMidStep); err != nil {
			return nil, err
		}
		x, y := f.pop(), f.pop()
		z := f.peek()
		switch {
		case z.IsZero():
			z.Clear()
		case op == vm.ADDMOD:
			z.AddMod(&x, &y, z)
		default:
			z.MulMod(&x, &y, z)
		}
	case vm.EXP:
		if err := f.need(2, 1); err != nil {
			return nil, err
		}
		exponent := &f.stack[len(f.stack)-2]
		if err := f.useGas(params.ExpGas + params.ExpByteEIP158*uint64((exponent.BitLen()+7)/8)); err != nil {
			return nil, err
		}
		base := f.pop()
		exponent = f.peek()
		exponent.Exp(&base, exponent)
	case vm.ISZERO, vm.NOT:
		if err := f.need(1, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		x := f.peek()
		if op == vm.NOT {
			x.Not(x)
		} else if x.IsZero() {
			x.SetOne()
		} else {
			x.Clear()
		}
	case vm.KECCAK256:
		if err := f.need(2, 1); err != nil {
			return nil, err
		}
		offset := f.pop()
		size := f.peek()
		if !size.IsUint64() {
			return nil, evmerrors.ErrOutOfGas
		}
		if err := f.useGas(params.Keccak256Gas + params.Keccak256WordGas*toWords(size.Uint64())); err != nil {
			return nil, err
		}
		off, sz, err := f.expand(&offset, size)
		if err != nil {
			return nil, err
		}
		size.SetBytes(crypto.Keccak256(f.memory[off : off+sz]))
	case vm.ADDRESS, vm.ORIGIN, vm.CALLER:
		if err := m.quick(f); err != nil {
			return nil, err
		}
		switch op {
		case vm.ADDRESS:
			f.pushAddress(f.address)
		case vm.ORIGIN:
			f.pushAddress(m.origin)
		default:
			f.pushAddress(f.caller)
		}
	case vm.CALLVALUE, vm.CALLDATASIZE, vm.CODESIZE, vm.GASPRICE, vm.RETURNDATASIZE, vm.CHAINID, vm.PC, vm.MSIZE, vm.GAS:
		if err := m.quick(f); err != nil {
			return nil, err
		}
		var v uint256.Int
		switch op {
		case vm.CALLVALUE:
			v.Set(f.value)
		case vm.CALLDATASIZE:
			v.SetUint64(uint64(len(f.input)))
		case vm.CODESIZE:
			v.SetUint64(uint64(len(f.code)))
		case vm.GASPRICE:
			v.Set(m.gasPrice)
		case vm.RETURNDATASIZE:
			v.SetUint64(uint64(len(f.returnData)))
		case vm.CHAINID:
			v.SetUint64(backend.ChainID())
		case vm.PC:
			v.SetUint64(f.pc)
		case vm.MSIZE:
			v.SetUint64(uint64(len(f.memory)))
		case vm.GAS:
			v.SetUint64(f.gas)
		}
		f.push(&v)
	case vm.BALANCE, vm.EXTCODESIZE:
		if err := f.need(1, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(params.ColdAccountAccessCostEIP2929); err != nil {
			return nil, err
		}
		x := f.peek()
		address := common.Address(x.Bytes20())
		if op == vm.BALANCE {
			balance, err := backend.Balance(address)
			if err != nil {
				return nil, err
			}
			x.Set(balance)
		} else {
			code, err := backend.Code(address)
			if err != nil {
				return nil, err
			}
			x.SetUint64(uint64(len(code)))
		}
	case vm.SELFBALANCE:
		if err := f.need(0, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastStep); err != nil {
			return nil, err
		}
		balance, err := backend.Balance(f.address)
		if err != nil {
			return nil, err
		}
		f.push(balance)
	case vm.CALLDATALOAD:
		if err := f.need(1, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		x := f.peek()
		x.SetBytes(paddedSlice(f.input, x, 32))
	case vm.CALLDATACOPY, vm.CODECOPY, vm.RETURNDATACOPY:
		if err := m.copyOp(f, op); err != nil {
			return nil, err
		}
	case vm.POP:
		if err := f.need(1, 0); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasQuickStep); err != nil {
			return nil, err
		}
		f.pop()
	case vm.PUSH0:
		if err := m.quick(f); err != nil {
			return nil, err
		}
		f.push(new(uint256.Int))
	case vm.MLOAD:
		if err := f.need(1, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		x := f.peek()
		off, _, err := f.expand(x, uint256.NewInt(32))
		if err != nil {
			return nil, err
		}
		x.SetBytes(f.memory[off : off+32])
	case vm.MSTORE, vm.MSTORE8:
		if err := f.need(2, 0); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasFastestStep); err != nil {
			return nil, err
		}
		offset, value := f.pop(), f.pop()
		width := uint64(32)
		if op == vm.MSTORE8 {
			width = 1
		}
		off, _, err := f.expand(&offset, uint256.NewInt(width))
		if err != nil {
			return nil, err
		}
		if op == vm.MSTORE8 {
			f.memory[off] = byte(value.Uint64())
		} else {
			b := value.Bytes32()
			copy(f.memory[off:off+32], b[:])
		}
	case vm.SLOAD:
		if err := f.need(1, 1); err != nil {
			return nil, err
		}
		if err := f.useGas(params.ColdSloadCostEIP2929); err != nil {
			return nil, err
		}
		key := f.peek()
		value, err := backend.Storage(f.address, key)
		if err != nil {
			return nil, err
		}
		key.Set(value)
	case vm.SSTORE:
		if err := m.opSstore(f, backend); err != nil {
			return nil, err
		}
	case vm.JUMP:
		if err := f.need(1, 0); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasMidStep); err != nil {
			return nil, err
		}
		dest := f.pop()
		if !f.validJump(&dest) {
			return nil, evmerrors.ErrInvalidJump
		}
		f.pc = dest.Uint64()
		return nil, nil
	case vm.JUMPI:
		if err := f.need(2, 0); err != nil {
			return nil, err
		}
		if err := f.useGas(vm.GasSlowStep); err != nil {
			return nil, err
		}
		dest, cond := f.pop(), f.pop()
		if !cond.IsZero() {
			if !f.validJump(&dest) {
				return nil, evmerrors.ErrInvalidJump
			}
			f.pc = dest.Uint64()
			return nil, nil
		}
	case vm.JUMPDEST:
		if err := f.useGas(params.JumpdestGas); err != nil {
			return nil, err
		}
	case vm.RETURN, vm.REVERT:
		if err := f.need(2, 0); err != nil {
			return nil, err
		}
		offset, size := f.pop(), f.pop()
		off, sz, err := f.expand(&offset, &size)
		if err != nil {
			return nil, err
		}
		data := append([]byte(nil), f.memory[off:off+sz]...)
		if op == vm.REVERT {
			return &result{reason: ExitRevert, data: data}, nil
		}
		return &result{reason: ExitReturn, data: data}, nil
	case vm.CREATE:
		return nil, m.opCreate(f, backend)
	case vm.CALL, vm.STATICCALL, vm.DELEGATECALL:
		return nil, m.opCall(f, op, backend)
	default:
		return nil, fmt.Errorf("opcode %s at pc %d: %w", op, f.pc, evmerrors.ErrInvalidOpcode)
	}
	f.pc++
	return nil, nil
}

func (m *Interpreter) quick(f *frame) error {
	if err := f.need(0, 1); err != nil {
		return err
	}
	return f.useGas(vm.GasQuickStep)
}

func (m *Interpreter) binary(f *frame, op vm.OpCode, gas uint64) error {
	if err := f.need(2, 1); err != nil {
		return err
	}
	if err := f.useGas(gas); err != nil {
		return err
	}
	x := f.pop()
	y := f.peek()
	switch op {
	case vm.ADD:
		y.Add(&x, y)
	case vm.SUB:
		y.Sub(&x, y)
	case vm.MUL:
		y.Mul(&x, y)
	case vm.DIV:
		y.Div(&x, y)
	case vm.SDIV:
		y.SDiv(&x, y)
	case vm.MOD:
		y.Mod(&x, y)
	case vm.SMOD:
		y.SMod(&x, y)
	case vm.SIGNEXTEND:
		y.ExtendSign(y, &x)
	case vm.LT, vm.GT, vm.SLT, vm.SGT, vm.EQ:
		var hold bool
		switch op {
		case vm.LT:
			hold = x.Lt(y)
		case vm.GT:
			hold = x.Gt(y)
		case vm.SLT:
			hold = x.Slt(y)
		case vm.SGT:
			hold = x.Sgt(y)
		default:
			hold = x.Eq(y)
		}
		if hold {
			y.SetOne()
		} else {
			y.Clear()
		}
	case vm.AND:
		y.And(&x, y)
	case vm.OR:
		y.Or(&x, y)
	case vm.XOR:
		y.Xor(&x, y)
	case vm.BYTE:
		y.Byte(&x)
	case vm.SHL, vm.SHR:
		if !x.LtUint64(256) {
			y.Clear()
		} else if op == vm.SHL {
			y.Lsh(y, uint(x.Uint64()))
		} else {
			y.Rsh(y, uint(x.Uint64()))
		}
	case vm.SAR:
		if x.GtUint64(255) {
			if y.Sign() >= 0 {
				y.Clear()
			} else {
				y.SetAllOne()
			}
		} else {
			y.SRsh(y, uint(x.Uint64()))
		}
	}
	return nil
}

func (m *Interpreter) copyOp(f *frame, op vm.OpCode) error {
	if err := f.need(3, 0); err != nil {
		return err
	}
	memOffset, dataOffset, length := f.pop(), f.pop(), f.pop()
	if !length.IsUint64() {
		return evmerrors.ErrOutOfGas
	}
	if err := f.useGas(vm.GasFastestStep + params.CopyGas*toWords(length.Uint64())); err != nil {
		return err
	}
	if op == vm.RETURNDATACOPY {
		end, overflow := new(uint256.Int).AddOverflow(&dataOffset, &length)
		if overflow || !end.IsUint64() || end.Uint64() > uint64(len(f.returnData)) {
			return evmerrors.ErrOutOfBounds
		}
	}
	off, sz, err := f.expand(&memOffset, &length)
	if err != nil {
		return err
	}
	var src []byte
	switch op {
	case vm.CALLDATACOPY:
		src = f.input
	case vm.CODECOPY:
		src = f.code
	default:
		src = f.returnData
	}
	copy(f.memory[off:off+sz], paddedSlice(src, &dataOffset, sz))
	f.pc++
	return nil
}

func (m *Interpreter) opSstore(f *frame, backend Backend) error {
	if f.static {
		return evmerrors.ErrStaticModeViolation
	}
	if err := f.need(2, 0); err != nil {
		return err
	}
	if f.gas <= params.SstoreSentryGasEIP2200 {
		return evmerrors.ErrOutOfGas
	}
	key, value := f.pop(), f.pop()
	current, err := backend.Storage(f.address, &key)
	if err != nil {
		return err
	}
	cost := params.SstoreResetGas
	switch {
	case current.Eq(&value):
		cost = params.WarmStorageReadCostEIP2929
	case current.IsZero():
		cost = params.SstoreSetGas
	}
	if err := f.useGas(cost); err != nil {
		return err
	}
	if !current.Eq(&value) {
		if err := backend.SetStorage(f.address, &key, &value); err != nil {
			return err
		}
	}
	f.pc++
	return nil
}

func (m *Interpreter) opLog(f *frame, topics int) error {
	if f.static {
		return evmerrors.ErrStaticModeViolation
	}
	if err := f.need(2+topics, 0); err != nil {
		return err
	}
	offset, size := f.pop(), f.pop()
	if !size.IsUint64() {
		return evmerrors.ErrOutOfGas
	}
	if err := f.useGas(params.LogGas + uint64(topics)*params.LogTopicGas + size.Uint64()*params.LogDataGas); err != nil {
		return err
	}
	fields := make([]interface{}, 0, 2*topics+4)
	fields = append(fields, "address", f.address.Hex())
	for i := 0; i < topics; i++ {
		t := f.pop()
		fields = append(fields, fmt.Sprintf("topic%d", i), t.Hex())
	}
	off, sz, err := f.expand(&offset, &size)
	if err != nil {
		return err
	}
	fields = append(fields, "data", fmt.Sprintf("0x%x", f.memory[off:off+sz]))
	log.Debug(log.EVMMonitoring, "log", fields...)
	f.pc++
	return nil
}

func (m *Interpreter) opCreate(f *frame, backend Backend) error {
	if f.static {
		return evmerrors.ErrStaticModeViolation
	}
	if err := f.need(3, 1); err != nil {
		return err
	}
	value, offset, size := f.pop(), f.pop(), f.pop()
	if !size.IsUint64() || size.Uint64() > uint64(params.MaxInitCodeSize) {
		return evmerrors.ErrOutOfGas
	}
	if err := f.useGas(params.CreateGas + params.InitCodeWordGas*toWords(size.Uint64())); err != nil {
		return err
	}
	off, sz, err := f.expand(&offset, &size)
	if err != nil {
		return err
	}
	initCode := append([]byte(nil), f.memory[off:off+sz]...)
	f.pc++
	f.returnData = nil

	fail := func() error {
		f.push(new(uint256.Int))
		return nil
	}
	if uint64(len(m.frames)) > uint64(params.CallCreateDepth) {
		return fail()
	}
	balance, err := backend.Balance(f.address)
	if err != nil {
		return err
	}
	if balance.Lt(&value) {
		return fail()
	}
	nonce, err := backend.Nonce(f.address)
	if err != nil {
		return err
	}
	if err := backend.IncrementNonce(f.address); err != nil {
		return err
	}
	address := common.Address(crypto.CreateAddress(f.address.Eth(), nonce))
	existing, err := backend.Code(address)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fail()
	}

	gas := f.gas - f.gas/64
	f.gas -= gas
	child := &frame{
		kind:        frameCreate,
		caller:      f.address,
		address:     address,
		codeAddress: address,
		value:       value.Clone(),
		code:        initCode,
		gas:         gas,
	}
	return m.enter(child, backend)
}

func (m *Interpreter) opCall(f *frame, op vm.OpCode, backend Backend) error {
	pops := 6
	if op == vm.CALL {
		pops = 7
	}
	if err := f.need(pops, 1); err != nil {
		return err
	}
	gasArg := f.pop()
	addr := f.pop()
	value := new(uint256.Int)
	if op == vm.CALL {
		v := f.pop()
		value = &v
	}
	inOffset, inSize, retOffset, retSize := f.pop(), f.pop(), f.pop(), f.pop()
	if op == vm.CALL && f.static && !value.IsZero() {
		return evmerrors.ErrStaticModeViolation
	}

	cost := params.ColdAccountAccessCostEIP2929
	if !value.IsZero() {
		cost += params.CallValueTransferGas
	}
	if err := f.useGas(cost); err != nil {
		return err
	}
	inOff, inSz, err := f.expand(&inOffset, &inSize)
	if err != nil {
		return err
	}
	retOff, retSz, err := f.expand(&retOffset, &retSize)
	if err != nil {
		return err
	}

	callGas := f.gas - f.gas/64
	if gasArg.IsUint64() && gasArg.Uint64() < callGas {
		callGas = gasArg.Uint64()
	}
	f.gas -= callGas
	f.pc++
	f.returnData = nil
	f.retOffset, f.retSize = retOff, retSz

	fail := func() error {
		f.gas += callGas
		f.push(new(uint256.Int))
		return nil
	}
	if uint64(len(m.frames)) > uint64(params.CallCreateDepth) {
		return fail()
	}
	if !value.IsZero() {
		balance, err := backend.Balance(f.address)
		if err != nil {
			return err
		}
		if balance.Lt(value) {
			return fail()
		}
	}

	target := common.Address(addr.Bytes20())
	child := &frame{
		caller:      f.address,
		address:     target,
		codeAddress: target,
		value:       value,
		input:       append([]byte(nil), f.memory[inOff:inOff+inSz]...),
		gas:         callGas,
		static:      f.static || op == vm.STATICCALL,
	}
	if !value.IsZero() {
		child.gas += params.CallStipend
	}
	if op == vm.DELEGATECALL {
		child.caller = f.caller
		child.address = f.address
		child.value = f.value.Clone()
	}
	if err := m.load(child, backend); err != nil {
		return err
	}
	return m.enter(child, backend)
}

// enter opens a snapshot for child, moves its value and makes it the running frame.
// Delegated frames share the parent's address and move nothing.
func (m *Interpreter) enter(child *frame, backend Backend) error {
	backend.Snapshot()
	parent := m.frames[len(m.frames)-1]
	if !child.value.IsZero() && parent.address != child.address {
		if err := backend.Transfer(parent.address, child.address, child.value); err != nil {
			return err
		}
	}
	m.frames = append(m.frames, child)
	return nil
}
