package evm

import (
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// memory beyond this many bytes is treated as out of gas
const maxMemorySize = 32 << 20

type frameKind uint8

const (
	frameCall frameKind = iota
	frameCreate
	framePrecompile
)

// frame is one call or create on the machine's call stack.
type frame struct {
	kind        frameKind
	caller      common.Address
	address     common.Address // storage and balance context
	codeAddress common.Address
	value       *uint256.Int
	input       []byte
	code        []byte
	pc          uint64
	gas         uint64
	static      bool

	stack      []uint256.Int
	memory     []byte
	returnData []byte

	// output window in the parent's memory
	retOffset uint64
	retSize   uint64

	dests []bool
}

func (f *frame) useGas(g uint64) error {
	if f.gas < g {
		f.gas = 0
		return evmerrors.ErrOutOfGas
	}
	f.gas -= g
	return nil
}

// need checks that pops items are available and pushes more fit.
func (f *frame) need(pops, pushes int) error {
	if len(f.stack) < pops {
		return evmerrors.ErrStackUnderflow
	}
	if len(f.stack)-pops+pushes > int(params.StackLimit) {
		return evmerrors.ErrStackOverflow
	}
	return nil
}

func (f *frame) pop() uint256.Int {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) peek() *uint256.Int {
	return &f.stack[len(f.stack)-1]
}

func (f *frame) push(v *uint256.Int) {
	f.stack = append(f.stack, *v)
}

func (f *frame) pushAddress(a common.Address) {
	var v uint256.Int
	v.SetBytes20(a[:])
	f.push(&v)
}

func toWords(size uint64) uint64 {
	return (size + 31) / 32
}

func memoryCost(size uint64) uint64 {
	words := toWords(size)
	return words*params.MemoryGas + words*words/params.QuadCoeffDiv
}

// expand grows memory to cover [offset, offset+size), charging the expansion.
func (f *frame) expand(offset, size *uint256.Int) (uint64, uint64, error) {
	if size.IsZero() {
		return 0, 0, nil
	}
	if !offset.IsUint64() || !size.IsUint64() {
		return 0, 0, evmerrors.ErrOutOfGas
	}
	off, sz := offset.Uint64(), size.Uint64()
	end := off + sz
	if end < off || end > maxMemorySize {
		return 0, 0, evmerrors.ErrOutOfGas
	}
	newSize := toWords(end) * 32
	if cur := uint64(len(f.memory)); newSize > cur {
		if err := f.useGas(memoryCost(newSize) - memoryCost(cur)); err != nil {
			return 0, 0, err
		}
		grown := make([]byte, newSize)
		copy(grown, f.memory)
		f.memory = grown
	}
	return off, sz, nil
}

func (f *frame) validJump(dest *uint256.Int) bool {
	if f.dests == nil {
		f.dests = make([]bool, len(f.code))
		for pc := 0; pc < len(f.code); pc++ {
			op := vm.OpCode(f.code[pc])
			if op == vm.JUMPDEST {
				f.dests[pc] = true
			} else if op >= vm.PUSH1 && op <= vm.PUSH32 {
				pc += int(op - vm.PUSH1 + 1)
			}
		}
	}
	return dest.IsUint64() && dest.Uint64() < uint64(len(f.code)) && f.dests[dest.Uint64()]
}

// paddedSlice returns size bytes of data starting at offset, zero padded past the end.
func paddedSlice(data []byte, offset *uint256.Int, size uint64) []byte {
	out := make([]byte, size)
	if !offset.IsUint64() || offset.Uint64() >= uint64(len(data)) {
		return out
	}
	copy(out, data[offset.Uint64():])
	return out
}
