package vm

import (
	"fmt"

	"github.com/userlandvm/userlandvm/log"
)

// debugPort is the byte-wide I/O port the guest can write to for host-side
// debug output. Reads from any port return zero; writes to other ports are
// dropped.
const debugPort = 0xE9

// opJccShort handles 0x70-0x7F, Jcc rel8.
func (i *Interpreter) opJccShort(code []byte) (int, error) {
	disp, err := immSigned8(code, 1)
	if err != nil {
		return 0, err
	}
	if i.ctx.condition(code[0] & 0x0f) {
		i.ctx.EIP = i.nextEIP(2) + disp
		return 0, nil
	}
	return 2, nil
}

// opJccNear handles 0F 80-8F, Jcc rel32.
func (i *Interpreter) opJccNear(code []byte) (int, error) {
	disp, err := imm(code, 2, 4)
	if err != nil {
		return 0, err
	}
	if i.ctx.condition(code[1] & 0x0f) {
		i.ctx.EIP = i.nextEIP(6) + disp
		return 0, nil
	}
	return 6, nil
}

// opJmpRel handles 0xE9 (rel32) and 0xEB (rel8).
func (i *Interpreter) opJmpRel(code []byte) (int, error) {
	if code[0] == 0xEB {
		disp, err := immSigned8(code, 1)
		if err != nil {
			return 0, err
		}
		i.ctx.EIP = i.nextEIP(2) + disp
	} else {
		disp, err := imm(code, 1, 4)
		if err != nil {
			return 0, err
		}
		i.ctx.EIP = i.nextEIP(5) + disp
	}
	return 0, nil
}

// opCallRel handles 0xE8, CALL rel32.
func (i *Interpreter) opCallRel(code []byte) (int, error) {
	disp, err := imm(code, 1, 4)
	if err != nil {
		return 0, err
	}
	ret := i.nextEIP(5)
	if err := i.push32(ret); err != nil {
		return 0, err
	}
	i.ctx.EIP = ret + disp
	return 0, nil
}

// opRet handles 0xC3 and 0xC2 imm16.
func (i *Interpreter) opRet(code []byte) (int, error) {
	var extra uint32
	if code[0] == 0xC2 {
		v, err := imm(code, 1, 2)
		if err != nil {
			return 0, err
		}
		extra = v
	}
	target, err := i.pop32()
	if err != nil {
		return 0, err
	}
	i.ctx.Regs[RegESP] += extra
	i.ctx.EIP = target
	return 0, nil
}

// opGroup5 handles 0xFF: INC/DEC, indirect CALL/JMP and PUSH on r/m32.
func (i *Interpreter) opGroup5(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	switch rm.regOp {
	case 0, 1: // INC / DEC
		width := i.opWidth()
		v, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		if err := i.writeRM(rm, width, i.ctx.setFlagsInc(v, width, rm.regOp == 1)); err != nil {
			return 0, err
		}
		return 1 + rm.size, nil

	case 2: // CALL r/m32
		target, err := i.readRM(rm, 4)
		if err != nil {
			return 0, err
		}
		if err := i.push32(i.nextEIP(1 + rm.size)); err != nil {
			return 0, err
		}
		i.ctx.EIP = target
		return 0, nil

	case 4: // JMP r/m32
		target, err := i.readRM(rm, 4)
		if err != nil {
			return 0, err
		}
		i.ctx.EIP = target
		return 0, nil

	case 6: // PUSH r/m32
		v, err := i.readRM(rm, 4)
		if err != nil {
			return 0, err
		}
		if err := i.push32(v); err != nil {
			return 0, err
		}
		return 1 + rm.size, nil
	}
	return 0, errDecodeDigit(code[0], rm.regOp)
}

// opLoop handles 0xE0-0xE2 (LOOPNE/LOOPE/LOOP) and 0xE3 (JECXZ).
func (i *Interpreter) opLoop(code []byte) (int, error) {
	disp, err := immSigned8(code, 1)
	if err != nil {
		return 0, err
	}
	c := i.ctx
	var taken bool
	if code[0] == 0xE3 {
		taken = c.Regs[RegECX] == 0
	} else {
		c.Regs[RegECX]--
		taken = c.Regs[RegECX] != 0
		switch code[0] {
		case 0xE0:
			taken = taken && !c.Flag(FlagZF)
		case 0xE1:
			taken = taken && c.Flag(FlagZF)
		}
	}
	if taken {
		c.EIP = i.nextEIP(2) + disp
		return 0, nil
	}
	return 2, nil
}

// opInt handles INT3 and INT imm8. The only wired vector is the syscall trap
// 0x80; INT3 halts the guest the way a debugger-less break would.
func (i *Interpreter) opInt(code []byte) (int, error) {
	if code[0] == 0xCC {
		log.Warn(log.InterpModule, "guest hit a breakpoint trap, halting",
			"eip", fmt.Sprintf("0x%08x", i.ctx.EIP))
		i.ctx.Halted = true
		return 1, nil
	}
	vector, err := imm(code, 1, 1)
	if err != nil {
		return 0, err
	}
	if vector != 0x80 {
		return 0, fmt.Errorf("%w: int 0x%02x", ErrDecode, vector)
	}
	if i.sys == nil {
		return 0, fmt.Errorf("%w: no syscall handler bound", ErrDecode)
	}
	if err := i.sys.Handle(i.ctx); err != nil {
		return 0, err
	}
	return 2, nil
}

// opHlt handles 0xF4. User code has no business halting a CPU; here it just
// stops the guest.
func (i *Interpreter) opHlt(code []byte) (int, error) {
	log.Debug(log.InterpModule, "hlt executed", "eip", fmt.Sprintf("0x%08x", i.ctx.EIP))
	i.ctx.Halted = true
	return 1, nil
}

// opIn handles 0xE4/0xE5/0xEC/0xED. There is no device model; every port
// reads as zero.
func (i *Interpreter) opIn(code []byte) (int, error) {
	op := code[0]
	size := 1
	if op == 0xE4 || op == 0xE5 {
		size = 2
		if _, err := imm(code, 1, 1); err != nil {
			return 0, err
		}
	}
	width := i.opWidth()
	if op&1 == 0 {
		width = 1
	}
	i.writeReg(RegEAX, width, 0)
	return size, nil
}

// opOut handles 0xE6/0xE7/0xEE/0xEF. Bytes sent to the debug port are
// forwarded to the configured writer, everything else is dropped.
func (i *Interpreter) opOut(code []byte) (int, error) {
	op := code[0]
	size := 1
	var port uint32
	if op == 0xE6 || op == 0xE7 {
		p, err := imm(code, 1, 1)
		if err != nil {
			return 0, err
		}
		port = p
		size = 2
	} else {
		port = i.ctx.Regs[RegEDX] & 0xffff
	}
	if port == debugPort {
		b := byte(i.ctx.Regs[RegEAX])
		if _, err := i.debugOut.Write([]byte{b}); err != nil {
			log.Warn(log.InterpModule, "debug port write failed", "err", err)
		}
	}
	return size, nil
}
