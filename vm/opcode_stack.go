package vm

// opPushReg handles 0x50+r.
func (i *Interpreter) opPushReg(code []byte) (int, error) {
	if err := i.push32(i.ctx.Regs[code[0]&7]); err != nil {
		return 0, err
	}
	return 1, nil
}

// opPopReg handles 0x58+r.
func (i *Interpreter) opPopReg(code []byte) (int, error) {
	v, err := i.pop32()
	if err != nil {
		return 0, err
	}
	i.ctx.Regs[code[0]&7] = v
	return 1, nil
}

// opPushImm handles 0x68 (imm32) and 0x6A (imm8, sign-extended).
func (i *Interpreter) opPushImm(code []byte) (int, error) {
	var v uint32
	var err error
	size := 5
	if code[0] == 0x6A {
		v, err = immSigned8(code, 1)
		size = 2
	} else {
		v, err = imm(code, 1, 4)
	}
	if err != nil {
		return 0, err
	}
	if err := i.push32(v); err != nil {
		return 0, err
	}
	return size, nil
}

// opPopRM handles 0x8F /0, POP r/m32.
func (i *Interpreter) opPopRM(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if rm.regOp != 0 {
		return 0, errDecodeDigit(code[0], rm.regOp)
	}
	v, err := i.pop32()
	if err != nil {
		return 0, err
	}
	if err := i.writeRM(rm, 4, v); err != nil {
		return 0, err
	}
	return 1 + rm.size, nil
}

// opPusha pushes all eight registers; the stored ESP is the value before the
// instruction.
func (i *Interpreter) opPusha(code []byte) (int, error) {
	esp := i.ctx.Regs[RegESP]
	for reg := 0; reg < 8; reg++ {
		v := i.ctx.Regs[reg]
		if reg == RegESP {
			v = esp
		}
		if err := i.push32(v); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// opPopa restores all registers except ESP, whose slot is skipped.
func (i *Interpreter) opPopa(code []byte) (int, error) {
	for reg := 7; reg >= 0; reg-- {
		v, err := i.pop32()
		if err != nil {
			return 0, err
		}
		if reg != RegESP {
			i.ctx.Regs[reg] = v
		}
	}
	return 1, nil
}

// opEnter handles 0xC8 iw ib for nesting level zero, the only level
// compilers emit.
func (i *Interpreter) opEnter(code []byte) (int, error) {
	frameSize, err := imm(code, 1, 2)
	if err != nil {
		return 0, err
	}
	level, err := imm(code, 3, 1)
	if err != nil {
		return 0, err
	}
	if level != 0 {
		return 0, errDecodeDigit(code[0], int(level))
	}
	if err := i.push32(i.ctx.Regs[RegEBP]); err != nil {
		return 0, err
	}
	i.ctx.Regs[RegEBP] = i.ctx.Regs[RegESP]
	i.ctx.Regs[RegESP] -= frameSize
	return 4, nil
}

// opLeave handles 0xC9.
func (i *Interpreter) opLeave(code []byte) (int, error) {
	i.ctx.Regs[RegESP] = i.ctx.Regs[RegEBP]
	v, err := i.pop32()
	if err != nil {
		return 0, err
	}
	i.ctx.Regs[RegEBP] = v
	return 1, nil
}
