package vm

// The eight classic ALU operations, in the order the opcode map encodes them.
const (
	aluAdd = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
)

// aluCompute applies one ALU operation and sets flags. CMP discards the
// result, which the callers express by not writing it back.
func (i *Interpreter) aluCompute(op int, a, b uint32, width int) uint32 {
	c := i.ctx
	switch op {
	case aluAdd:
		return c.setFlagsAdd(a, b, 0, width)
	case aluAdc:
		var carry uint32
		if c.Flag(FlagCF) {
			carry = 1
		}
		return c.setFlagsAdd(a, b, carry, width)
	case aluSub, aluCmp:
		return c.setFlagsSub(a, b, 0, width)
	case aluSbb:
		var borrow uint32
		if c.Flag(FlagCF) {
			borrow = 1
		}
		return c.setFlagsSub(a, b, borrow, width)
	case aluAnd:
		return c.setFlagsLogic(a&b, width)
	case aluOr:
		return c.setFlagsLogic(a|b, width)
	default: // aluXor
		return c.setFlagsLogic(a^b, width)
	}
}

// opALUBasic handles the regular block 0x00-0x3D: each of the eight ALU
// operations in six encodings selected by the low three opcode bits.
func (i *Interpreter) opALUBasic(code []byte) (int, error) {
	op := code[0]
	alu := int(op>>3) & 7
	form := op & 7

	width := i.opWidth()
	if form&1 == 0 {
		width = 1
	}

	switch form {
	case 0, 1: // r/m, r
		rm, err := i.decodeModRM(code[1:])
		if err != nil {
			return 0, err
		}
		a, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		result := i.aluCompute(alu, a, i.readReg(rm.regOp, width), width)
		if alu != aluCmp {
			if err := i.writeRM(rm, width, result); err != nil {
				return 0, err
			}
		}
		return 1 + rm.size, nil

	case 2, 3: // r, r/m
		rm, err := i.decodeModRM(code[1:])
		if err != nil {
			return 0, err
		}
		b, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		result := i.aluCompute(alu, i.readReg(rm.regOp, width), b, width)
		if alu != aluCmp {
			i.writeReg(rm.regOp, width, result)
		}
		return 1 + rm.size, nil

	default: // 4, 5: accumulator, imm
		v, err := imm(code, 1, width)
		if err != nil {
			return 0, err
		}
		result := i.aluCompute(alu, i.readReg(RegEAX, width), v, width)
		if alu != aluCmp {
			i.writeReg(RegEAX, width, result)
		}
		return 1 + width, nil
	}
}

// opALUGroup1 handles 0x80/0x81/0x83: ALU r/m, imm with the operation in the
// ModRM reg field.
func (i *Interpreter) opALUGroup1(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	if op == 0x80 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}

	var v uint32
	immSize := width
	if op == 0x83 {
		v, err = immSigned8(code, 1+rm.size)
		immSize = 1
	} else {
		v, err = imm(code, 1+rm.size, width)
	}
	if err != nil {
		return 0, err
	}

	a, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	result := i.aluCompute(rm.regOp, a, v, width)
	if rm.regOp != aluCmp {
		if err := i.writeRM(rm, width, result); err != nil {
			return 0, err
		}
	}
	return 1 + rm.size + immSize, nil
}

// opIncDecReg handles the short forms 0x40-0x4F.
func (i *Interpreter) opIncDecReg(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	reg := int(op & 7)
	v := i.readReg(reg, width)
	i.writeReg(reg, width, i.ctx.setFlagsInc(v, width, op >= 0x48))
	return 1, nil
}

// opIncDecRM8 handles group 4 (0xFE): INC/DEC r/m8.
func (i *Interpreter) opIncDecRM8(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if rm.regOp > 1 {
		return 0, errDecodeDigit(code[0], rm.regOp)
	}
	v, err := i.readRM(rm, 1)
	if err != nil {
		return 0, err
	}
	if err := i.writeRM(rm, 1, i.ctx.setFlagsInc(v, 1, rm.regOp == 1)); err != nil {
		return 0, err
	}
	return 1 + rm.size, nil
}

// opTestModRM handles 0x84/0x85.
func (i *Interpreter) opTestModRM(code []byte) (int, error) {
	width := i.opWidth()
	if code[0] == 0x84 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	a, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	i.ctx.setFlagsLogic(a&i.readReg(rm.regOp, width), width)
	return 1 + rm.size, nil
}

// opTestAccImm handles 0xA8/0xA9.
func (i *Interpreter) opTestAccImm(code []byte) (int, error) {
	width := i.opWidth()
	if code[0] == 0xA8 {
		width = 1
	}
	v, err := imm(code, 1, width)
	if err != nil {
		return 0, err
	}
	i.ctx.setFlagsLogic(i.readReg(RegEAX, width)&v, width)
	return 1 + width, nil
}

// opALUGroup3 handles 0xF6/0xF7: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV on r/m.
func (i *Interpreter) opALUGroup3(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	if op == 0xF6 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	size := 1 + rm.size

	switch rm.regOp {
	case 0, 1: // TEST r/m, imm
		v, err := imm(code, size, width)
		if err != nil {
			return 0, err
		}
		a, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		i.ctx.setFlagsLogic(a&v, width)
		return size + width, nil

	case 2: // NOT
		v, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		if err := i.writeRM(rm, width, ^v); err != nil {
			return 0, err
		}
		return size, nil

	case 3: // NEG
		v, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		result := i.ctx.setFlagsSub(0, v, 0, width)
		i.ctx.SetFlag(FlagCF, v&widthMask(width) != 0)
		if err := i.writeRM(rm, width, result); err != nil {
			return 0, err
		}
		return size, nil

	default: // 4-7: MUL, IMUL, DIV, IDIV
		v, err := i.readRM(rm, width)
		if err != nil {
			return 0, err
		}
		if err := i.mulDiv(rm.regOp, v, width); err != nil {
			return 0, err
		}
		return size, nil
	}
}

// mulDiv implements the wide multiply and divide forms over the EDX:EAX
// register pair (DX:AX and AH:AL at the narrower widths).
func (i *Interpreter) mulDiv(op int, v uint32, width int) error {
	c := i.ctx
	v &= widthMask(width)
	a := i.readReg(RegEAX, width)
	shift := uint(width * 8)

	switch op {
	case 4: // MUL
		product := uint64(a) * uint64(v)
		lo := uint32(product) & widthMask(width)
		hi := uint32(product >> shift)
		i.setWidePair(lo, hi, width)
		c.SetFlag(FlagCF, hi != 0)
		c.SetFlag(FlagOF, hi != 0)

	case 5: // IMUL
		product := int64(signExtend(a, width)) * int64(signExtend(v, width))
		lo := uint32(product) & widthMask(width)
		hi := uint32(uint64(product) >> shift)
		i.setWidePair(lo, hi, width)
		overflow := product != int64(signExtend(lo, width))
		c.SetFlag(FlagCF, overflow)
		c.SetFlag(FlagOF, overflow)

	case 6: // DIV
		if v == 0 {
			return ErrMathFault
		}
		dividend := i.widePair(width)
		quot := dividend / uint64(v)
		rem := dividend % uint64(v)
		if quot > uint64(widthMask(width)) {
			return ErrMathFault
		}
		i.setWidePair(uint32(quot), uint32(rem), width)

	default: // 7: IDIV
		if v == 0 {
			return ErrMathFault
		}
		dividend := int64(i.widePair(width))
		if width == 1 {
			dividend = int64(int16(uint16(dividend)))
		} else if width == 2 {
			dividend = int64(int32(uint32(dividend)))
		}
		divisor := int64(signExtend(v, width))
		quot := dividend / divisor
		rem := dividend % divisor
		min := -int64(signMask(width))
		max := int64(signMask(width)) - 1
		if quot < min || quot > max {
			return ErrMathFault
		}
		i.setWidePair(uint32(quot)&widthMask(width), uint32(rem)&widthMask(width), width)
	}
	return nil
}

// widePair reads the double-width accumulator: EDX:EAX, DX:AX or AH:AL.
func (i *Interpreter) widePair(width int) uint64 {
	if width == 1 {
		return uint64(i.ctx.Regs[RegEAX] & 0xffff)
	}
	shift := uint(width * 8)
	return uint64(i.readReg(RegEDX, width))<<shift | uint64(i.readReg(RegEAX, width))
}

func (i *Interpreter) setWidePair(lo, hi uint32, width int) {
	if width == 1 {
		r := &i.ctx.Regs[RegEAX]
		*r = *r&^uint32(0xffff) | hi&0xff<<8 | lo&0xff
		return
	}
	i.writeReg(RegEAX, width, lo)
	i.writeReg(RegEDX, width, hi)
}

func signExtend(v uint32, width int) int32 {
	switch width {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	}
	return int32(v)
}

// opImulModRM handles 0F AF: IMUL r, r/m.
func (i *Interpreter) opImulModRM(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[2:])
	if err != nil {
		return 0, err
	}
	width := i.opWidth()
	b, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	i.writeReg(rm.regOp, width, i.imulTruncating(i.readReg(rm.regOp, width), b, width))
	return 2 + rm.size, nil
}

// opImulImm handles 0x69/0x6B: IMUL r, r/m, imm.
func (i *Interpreter) opImulImm(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	width := i.opWidth()
	var v uint32
	immSize := width
	if code[0] == 0x6B {
		v, err = immSigned8(code, 1+rm.size)
		immSize = 1
	} else {
		v, err = imm(code, 1+rm.size, width)
	}
	if err != nil {
		return 0, err
	}
	a, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	i.writeReg(rm.regOp, width, i.imulTruncating(a, v, width))
	return 1 + rm.size + immSize, nil
}

// imulTruncating is the two-operand signed multiply: the result truncates to
// the operand width, CF/OF report whether anything was lost.
func (i *Interpreter) imulTruncating(a, b uint32, width int) uint32 {
	product := int64(signExtend(a, width)) * int64(signExtend(b, width))
	result := uint32(product) & widthMask(width)
	overflow := product != int64(signExtend(result, width))
	i.ctx.SetFlag(FlagCF, overflow)
	i.ctx.SetFlag(FlagOF, overflow)
	i.ctx.setFlagsResult(result, width)
	return result
}
