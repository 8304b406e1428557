package evm

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type frameRLP struct {
	Kind        uint8
	Caller      common.Address
	Address     common.Address
	CodeAddress common.Address
	Value       []byte
	Input       []byte
	Code        []byte
	PC          uint64
	Gas         uint64
	Static      bool
	Stack       [][]byte
	Memory      []byte
	ReturnData  []byte
	RetOffset   uint64
	RetSize     uint64
}

type interpreterRLP struct {
	Origin     common.Address
	GasPrice   []byte
	GasLimit   uint64
	Frames     []frameRLP
	Finished   bool
	ExitReason uint8
	ExitData   []byte
	Remaining  uint64
}

func (m *Interpreter) MarshalBinary() ([]byte, error) {
	enc := interpreterRLP{
		Origin:   m.origin,
		GasPrice: m.gasPrice.Bytes(),
		GasLimit: m.gasLimit,
		Frames:   make([]frameRLP, len(m.frames)),
	}
	for i, f := range m.frames {
		stack := make([][]byte, len(f.stack))
		for j := range f.stack {
			stack[j] = f.stack[j].Bytes()
		}
		enc.Frames[i] = frameRLP{
			Kind:        uint8(f.kind),
			Caller:      f.caller,
			Address:     f.address,
			CodeAddress: f.codeAddress,
			Value:       f.value.Bytes(),
			Input:       f.input,
			Code:        f.code,
			PC:          f.pc,
			Gas:         f.gas,
			Static:      f.static,
			Stack:       stack,
			Memory:      f.memory,
			ReturnData:  f.returnData,
			RetOffset:   f.retOffset,
			RetSize:     f.retSize,
		}
	}
	if m.exit != nil {
		enc.Finished = true
		enc.ExitReason = uint8(m.exit.Reason)
		enc.ExitData = m.exit.Data
		enc.Remaining = m.remaining
	}
	return rlp.EncodeToBytes(&enc)
}

func unmarshalInterpreter(data []byte) (*Interpreter, error) {
	var dec interpreterRLP
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("machine snapshot: %v: %w", err, evmerrors.ErrUnsupportedStateVersion)
	}
	m := &Interpreter{
		origin:   dec.Origin,
		gasPrice: new(uint256.Int).SetBytes(dec.GasPrice),
		gasLimit: dec.GasLimit,
		frames:   make([]*frame, len(dec.Frames)),
	}
	for i, fr := range dec.Frames {
		if fr.Kind > uint8(framePrecompile) {
			return nil, fmt.Errorf("frame %d kind %d: %w", i, fr.Kind, evmerrors.ErrUnsupportedStateVersion)
		}
		stack := make([]uint256.Int, len(fr.Stack))
		for j, b := range fr.Stack {
			stack[j].SetBytes(b)
		}
		m.frames[i] = &frame{
			kind:        frameKind(fr.Kind),
			caller:      fr.Caller,
			address:     fr.Address,
			codeAddress: fr.CodeAddress,
			value:       new(uint256.Int).SetBytes(fr.Value),
			input:       fr.Input,
			code:        fr.Code,
			pc:          fr.PC,
			gas:         fr.Gas,
			static:      fr.Static,
			stack:       stack,
			memory:      fr.Memory,
			returnData:  fr.ReturnData,
			retOffset:   fr.RetOffset,
			retSize:     fr.RetSize,
		}
	}
	if dec.Finished {
		m.exit = &ExitStatus{Reason: ExitReason(dec.ExitReason), Data: dec.ExitData}
		m.remaining = dec.Remaining
	}
	return m, nil
}
