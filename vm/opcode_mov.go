package vm

import "math/bits"

// opMovModRM handles 0x88/0x89 (store) and 0x8A/0x8B (load).
func (i *Interpreter) opMovModRM(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	if op&1 == 0 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if op&2 == 0 {
		// MOV r/m, r
		if err := i.writeRM(rm, width, i.readReg(rm.regOp, width)); err != nil {
			return 0, err
		}
	} else {
		// MOV r, r/m
		v, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		i.writeReg(rm.regOp, width, v)
	}
	return 1 + rm.size, nil
}

// opMovImmReg handles 0xB8+r, MOV r32/r16, imm.
func (i *Interpreter) opMovImmReg(code []byte) (int, error) {
	width := i.opWidth()
	v, err := imm(code, 1, width)
	if err != nil {
		return 0, err
	}
	i.writeReg(int(code[0]&7), width, v)
	return 1 + width, nil
}

// opMovImm8Reg handles 0xB0+r, MOV r8, imm8.
func (i *Interpreter) opMovImm8Reg(code []byte) (int, error) {
	v, err := imm(code, 1, 1)
	if err != nil {
		return 0, err
	}
	i.writeReg(int(code[0]&7), 1, v)
	return 2, nil
}

// opMovImmRM handles 0xC6/0xC7 /0, MOV r/m, imm.
func (i *Interpreter) opMovImmRM(code []byte) (int, error) {
	width := i.opWidth()
	if code[0] == 0xC6 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if rm.regOp != 0 {
		return 0, errDecodeDigit(code[0], rm.regOp)
	}
	v, err := imm(code, 1+rm.size, width)
	if err != nil {
		return 0, err
	}
	if err := i.writeRM(rm, width, v); err != nil {
		return 0, err
	}
	return 1 + rm.size + width, nil
}

// opMovMoffs handles 0xA0-0xA3, the accumulator/absolute-address forms.
func (i *Interpreter) opMovMoffs(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	if op&1 == 0 {
		width = 1
	}
	off, err := imm(code, 1, 4)
	if err != nil {
		return 0, err
	}
	addr := off + i.segBase
	if op < 0xA2 {
		v, err := i.readRM(operand{addr: addr}, width)
		if err != nil {
			return 0, err
		}
		i.writeReg(RegEAX, width, v)
	} else {
		if err := i.writeRM(operand{addr: addr}, width, i.readReg(RegEAX, width)); err != nil {
			return 0, err
		}
	}
	return 5, nil
}

// opLea computes the effective address without touching memory.
func (i *Interpreter) opLea(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if rm.isReg {
		return 0, errDecodeDigit(code[0], rm.regOp)
	}
	// LEA ignores segment overrides; undo the base applied by decode.
	i.writeReg(rm.regOp, i.opWidth(), rm.addr-i.segBase)
	return 1 + rm.size, nil
}

// opMovExtend handles MOVZX (0F B6/B7) and MOVSX (0F BE/BF).
func (i *Interpreter) opMovExtend(code []byte) (int, error) {
	op := code[1]
	srcWidth := 1
	if op&1 != 0 {
		srcWidth = 2
	}
	rm, err := i.decodeModRM(code[2:])
	if err != nil {
		return 0, err
	}
	v, err := i.readRM(rm, srcWidth)
	if err != nil {
		return 0, err
	}
	if op >= 0xBE { // sign extend
		if srcWidth == 1 {
			v = uint32(int32(int8(v)))
		} else {
			v = uint32(int32(int16(v)))
		}
	}
	i.writeReg(rm.regOp, i.opWidth(), v)
	return 2 + rm.size, nil
}

// opXchgModRM handles 0x86/0x87.
func (i *Interpreter) opXchgModRM(code []byte) (int, error) {
	width := i.opWidth()
	if code[0] == 0x86 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	mv, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	rv := i.readReg(rm.regOp, width)
	if err := i.writeRM(rm, width, rv); err != nil {
		return 0, err
	}
	i.writeReg(rm.regOp, width, mv)
	return 1 + rm.size, nil
}

// opXchgEAX handles 0x91-0x97.
func (i *Interpreter) opXchgEAX(code []byte) (int, error) {
	width := i.opWidth()
	reg := int(code[0] & 7)
	a := i.readReg(RegEAX, width)
	b := i.readReg(reg, width)
	i.writeReg(RegEAX, width, b)
	i.writeReg(reg, width, a)
	return 1, nil
}

// opCmovcc handles 0F 40-4F.
func (i *Interpreter) opCmovcc(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[2:])
	if err != nil {
		return 0, err
	}
	width := i.opWidth()
	// the source is read regardless of the condition, faults included
	v, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	if i.ctx.condition(code[1] & 0x0f) {
		i.writeReg(rm.regOp, width, v)
	}
	return 2 + rm.size, nil
}

// opSignExtendAcc handles 0x98: CWDE (or CBW under the operand-size prefix).
func (i *Interpreter) opSignExtendAcc(code []byte) (int, error) {
	if i.opsize16 {
		i.writeReg(RegEAX, 2, uint32(int32(int8(i.ctx.Regs[RegEAX]))))
	} else {
		i.ctx.Regs[RegEAX] = uint32(int32(int16(i.ctx.Regs[RegEAX])))
	}
	return 1, nil
}

// opSignSplitAcc handles 0x99: CDQ (or CWD), spreading the accumulator sign
// into EDX.
func (i *Interpreter) opSignSplitAcc(code []byte) (int, error) {
	if i.opsize16 {
		if i.ctx.Regs[RegEAX]&0x8000 != 0 {
			i.writeReg(RegEDX, 2, 0xffff)
		} else {
			i.writeReg(RegEDX, 2, 0)
		}
	} else {
		if int32(i.ctx.Regs[RegEAX]) < 0 {
			i.ctx.Regs[RegEDX] = 0xffffffff
		} else {
			i.ctx.Regs[RegEDX] = 0
		}
	}
	return 1, nil
}

// opBswap handles 0F C8+r.
func (i *Interpreter) opBswap(code []byte) (int, error) {
	reg := int(code[1] & 7)
	i.ctx.Regs[reg] = bits.ReverseBytes32(i.ctx.Regs[reg])
	return 2, nil
}

// opCpuid reports no extended features; the guest sees a bare i386-class
// processor and stays on the paths this interpreter implements.
func (i *Interpreter) opCpuid(code []byte) (int, error) {
	switch i.ctx.Regs[RegEAX] {
	case 0:
		i.ctx.Regs[RegEAX] = 1
		// "GenuineIntel" byte order EBX, EDX, ECX
		i.ctx.Regs[RegEBX] = 0x756e6547
		i.ctx.Regs[RegEDX] = 0x49656e69
		i.ctx.Regs[RegECX] = 0x6c65746e
	default:
		i.ctx.Regs[RegEAX] = 0
		i.ctx.Regs[RegEBX] = 0
		i.ctx.Regs[RegECX] = 0
		i.ctx.Regs[RegEDX] = 0
	}
	return 2, nil
}

// opLongNop handles the multi-byte NOP 0F 1F /0.
func (i *Interpreter) opLongNop(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[2:])
	if err != nil {
		return 0, err
	}
	return 2 + rm.size, nil
}
