package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
)

// maxInstrLen is the architectural instruction length limit.
const maxInstrLen = 15

// ErrDecode covers opcodes and encodings outside the supported subset.
var ErrDecode = errors.New("undecodable instruction")

// ErrMathFault covers division by zero and quotient overflow, which on real
// hardware raise #DE.
var ErrMathFault = errors.New("divide error")

// Interpreter executes x86-32 user-mode code one instruction at a time
// against a flat guest arena. It is not safe for concurrent use; a guest has
// exactly one flow of control.
type Interpreter struct {
	mem *guestmem.AddressSpace
	sys SyscallHandler

	maxInstructions uint64
	trace           bool
	debugOut        io.Writer

	ctx *Context

	// decode state of the instruction in flight
	opsize16      bool
	segBase       uint32
	rep, repne    bool
	prefixLen     int
	windowClipped bool

	fpuWarned bool
}

func newInterpreter(mem *guestmem.AddressSpace, sys SyscallHandler, cfg Config) *Interpreter {
	max := cfg.MaxInstructions
	if max == 0 {
		max = DefaultMaxInstructions
	}
	out := cfg.DebugOut
	if out == nil {
		out = io.Discard
	}
	return &Interpreter{
		mem:             mem,
		sys:             sys,
		maxInstructions: max,
		trace:           cfg.Trace,
		debugOut:        out,
	}
}

// Run steps the guest until it halts, faults or exhausts the budget.
func (i *Interpreter) Run(ctx *Context) (Status, error) {
	for n := uint64(0); n < i.maxInstructions; n++ {
		st, err := i.Step(ctx)
		if st != StatusRunning {
			return st, err
		}
	}
	log.Warn(log.InterpModule, "instruction budget exhausted",
		"limit", i.maxInstructions, "eip", fmt.Sprintf("0x%08x", ctx.EIP))
	return StatusInstructionLimit, nil
}

// Step executes a single instruction. A jump to address zero is read as the
// guest returning off the top of its start frame and halts cleanly.
func (i *Interpreter) Step(ctx *Context) (Status, error) {
	i.ctx = ctx
	if ctx.Halted {
		return StatusHalted, nil
	}
	if ctx.EIP == 0 {
		log.Debug(log.InterpModule, "control reached address zero, halting")
		ctx.Halted = true
		return StatusHalted, nil
	}

	n, err := i.step()
	if err != nil {
		if errors.Is(err, guestmem.ErrOutOfBounds) {
			return StatusOutOfBounds, fmt.Errorf("at eip=0x%08x: %w", ctx.EIP, err)
		}
		if errors.Is(err, errShortInstruction) && i.windowClipped {
			return StatusOutOfBounds, fmt.Errorf("at eip=0x%08x: instruction crosses arena end: %w",
				ctx.EIP, guestmem.ErrOutOfBounds)
		}
		return StatusDecodeError, fmt.Errorf("at eip=0x%08x: %w", ctx.EIP, err)
	}
	if n > 0 {
		ctx.EIP += uint32(n)
	}
	if ctx.Halted {
		return StatusHalted, nil
	}
	return StatusRunning, nil
}

func (i *Interpreter) step() (int, error) {
	eip := i.ctx.EIP
	capacity := i.mem.Capacity()
	if eip >= capacity {
		return 0, fmt.Errorf("fetch at 0x%08x: %w", eip, guestmem.ErrOutOfBounds)
	}
	window := uint32(maxInstrLen)
	if capacity-eip < window {
		window = capacity - eip
	}
	code, err := i.mem.Pointer(eip, window)
	if err != nil {
		return 0, err
	}
	i.windowClipped = window < maxInstrLen

	i.opsize16 = false
	i.segBase = 0
	i.rep = false
	i.repne = false

	k := 0
prefixes:
	for k < len(code) {
		switch code[k] {
		case 0xF0:
			// LOCK is meaningless with a single flow of control
		case 0xF2:
			i.repne = true
		case 0xF3:
			i.rep = true
		case 0x66:
			i.opsize16 = true
		case 0x67:
			return 0, fmt.Errorf("%w: address-size override", ErrDecode)
		case 0x26, 0x2E, 0x36, 0x3E:
			i.segBase = 0 // ES/CS/SS/DS are flat
		case 0x64:
			i.segBase = i.ctx.FSBase
		case 0x65:
			i.segBase = i.ctx.GSBase
		default:
			break prefixes
		}
		k++
	}
	if k == len(code) {
		return 0, errShortInstruction
	}
	i.prefixLen = k

	if i.trace {
		i.traceInstruction(eip, code)
	}

	n, err := i.execute(code[k:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil // handler redirected EIP
	}
	return k + n, nil
}

// errDecodeDigit reports a reserved /digit opcode extension.
func errDecodeDigit(op byte, digit int) error {
	return fmt.Errorf("%w: opcode 0x%02x /%d", ErrDecode, op, digit)
}

// nextEIP is the address of the instruction following the current one, given
// its length from the opcode byte. Control-flow handlers use it for return
// addresses and relative targets.
func (i *Interpreter) nextEIP(n int) uint32 {
	return i.ctx.EIP + uint32(i.prefixLen+n)
}

// opWidth is the operand width selected by the operand-size prefix.
func (i *Interpreter) opWidth() int {
	if i.opsize16 {
		return 2
	}
	return 4
}

func (i *Interpreter) push32(v uint32) error {
	esp := i.ctx.Regs[RegESP] - 4
	if err := i.mem.WriteU32(esp, v); err != nil {
		return err
	}
	i.ctx.Regs[RegESP] = esp
	return nil
}

func (i *Interpreter) pop32() (uint32, error) {
	esp := i.ctx.Regs[RegESP]
	v, err := i.mem.ReadU32(esp)
	if err != nil {
		return 0, err
	}
	i.ctx.Regs[RegESP] = esp + 4
	return v, nil
}

// execute dispatches the opcode at code[0]. Handlers return the byte count
// from the opcode inclusive, or zero when they assigned EIP themselves.
func (i *Interpreter) execute(code []byte) (int, error) {
	op := code[0]

	if op == 0x0F {
		return i.executeTwoByte(code)
	}
	if op < 0x40 && op&7 <= 5 {
		return i.opALUBasic(code)
	}
	switch {
	case op >= 0x40 && op <= 0x4F:
		return i.opIncDecReg(code)
	case op >= 0x50 && op <= 0x57:
		return i.opPushReg(code)
	case op >= 0x58 && op <= 0x5F:
		return i.opPopReg(code)
	case op >= 0x70 && op <= 0x7F:
		return i.opJccShort(code)
	case op >= 0x91 && op <= 0x97:
		return i.opXchgEAX(code)
	case op >= 0xB0 && op <= 0xB7:
		return i.opMovImm8Reg(code)
	case op >= 0xB8 && op <= 0xBF:
		return i.opMovImmReg(code)
	case op >= 0xD8 && op <= 0xDF:
		return i.opFpuEscape(code)
	}

	switch op {
	case 0x60:
		return i.opPusha(code)
	case 0x61:
		return i.opPopa(code)
	case 0x68, 0x6A:
		return i.opPushImm(code)
	case 0x69, 0x6B:
		return i.opImulImm(code)
	case 0x80, 0x81, 0x83:
		return i.opALUGroup1(code)
	case 0x84, 0x85:
		return i.opTestModRM(code)
	case 0x86, 0x87:
		return i.opXchgModRM(code)
	case 0x88, 0x89, 0x8A, 0x8B:
		return i.opMovModRM(code)
	case 0x8D:
		return i.opLea(code)
	case 0x8F:
		return i.opPopRM(code)
	case 0x90:
		return 1, nil // NOP
	case 0x98:
		return i.opSignExtendAcc(code)
	case 0x99:
		return i.opSignSplitAcc(code)
	case 0x9C:
		return i.opPushf(code)
	case 0x9D:
		return i.opPopf(code)
	case 0x9E:
		return i.opSahf(code)
	case 0x9F:
		return i.opLahf(code)
	case 0xA0, 0xA1, 0xA2, 0xA3:
		return i.opMovMoffs(code)
	case 0xA4, 0xA5:
		return i.opMovs(code)
	case 0xA6, 0xA7:
		return i.opCmps(code)
	case 0xA8, 0xA9:
		return i.opTestAccImm(code)
	case 0xAA, 0xAB:
		return i.opStos(code)
	case 0xAC, 0xAD:
		return i.opLods(code)
	case 0xAE, 0xAF:
		return i.opScas(code)
	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3:
		return i.opShiftGroup2(code)
	case 0xC2, 0xC3:
		return i.opRet(code)
	case 0xC6, 0xC7:
		return i.opMovImmRM(code)
	case 0xC8:
		return i.opEnter(code)
	case 0xC9:
		return i.opLeave(code)
	case 0xCC, 0xCD:
		return i.opInt(code)
	case 0xE0, 0xE1, 0xE2, 0xE3:
		return i.opLoop(code)
	case 0xE4, 0xE5, 0xEC, 0xED:
		return i.opIn(code)
	case 0xE6, 0xE7, 0xEE, 0xEF:
		return i.opOut(code)
	case 0xE8:
		return i.opCallRel(code)
	case 0xE9, 0xEB:
		return i.opJmpRel(code)
	case 0xF4:
		return i.opHlt(code)
	case 0xF5, 0xF8, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD:
		return i.opFlagToggle(code)
	case 0xF6, 0xF7:
		return i.opALUGroup3(code)
	case 0xFE:
		return i.opIncDecRM8(code)
	case 0xFF:
		return i.opGroup5(code)
	}
	return 0, fmt.Errorf("%w: opcode 0x%02x", ErrDecode, op)
}

func (i *Interpreter) executeTwoByte(code []byte) (int, error) {
	if len(code) < 2 {
		return 0, errShortInstruction
	}
	op := code[1]
	switch {
	case op >= 0x40 && op <= 0x4F:
		return i.opCmovcc(code)
	case op >= 0x80 && op <= 0x8F:
		return i.opJccNear(code)
	case op >= 0x90 && op <= 0x9F:
		return i.opSetcc(code)
	case op >= 0xC8 && op <= 0xCF:
		return i.opBswap(code)
	}
	switch op {
	case 0x1F:
		return i.opLongNop(code)
	case 0xA2:
		return i.opCpuid(code)
	case 0xAF:
		return i.opImulModRM(code)
	case 0xB6, 0xB7, 0xBE, 0xBF:
		return i.opMovExtend(code)
	}
	return 0, fmt.Errorf("%w: opcode 0x0f 0x%02x", ErrDecode, op)
}
