package vm

import "errors"

// errShortInstruction means decode ran past the fetched window. When the
// window was clipped by the arena end this is an out-of-bounds fetch, which
// the run loop reclassifies.
var errShortInstruction = errors.New("instruction truncated")

// operand is a decoded ModRM r/m operand: a register when isReg, otherwise an
// effective arena address with the segment base already applied. regOp is the
// ModRM reg field, which encodes either the second operand or the /digit
// opcode extension.
type operand struct {
	isReg bool
	reg   int
	addr  uint32
	regOp int
	size  int // bytes consumed, ModRM + SIB + displacement
}

// decodeModRM decodes the ModRM byte at code[0] plus any SIB byte and
// displacement. Only 32-bit addressing forms exist here; the 0x67
// address-size prefix is rejected before decode.
func (i *Interpreter) decodeModRM(code []byte) (operand, error) {
	if len(code) < 1 {
		return operand{}, errShortInstruction
	}
	modrm := code[0]
	mod := modrm >> 6
	regOp := int(modrm>>3) & 7
	rm := int(modrm) & 7

	if mod == 3 {
		return operand{isReg: true, reg: rm, regOp: regOp, size: 1}, nil
	}

	op := operand{regOp: regOp, size: 1}
	var base uint32
	dispSize := 0
	switch mod {
	case 1:
		dispSize = 1
	case 2:
		dispSize = 4
	}

	if rm == 4 {
		// SIB byte
		if len(code) < 2 {
			return operand{}, errShortInstruction
		}
		sib := code[1]
		op.size++
		scale := uint32(1) << (sib >> 6)
		index := int(sib>>3) & 7
		sibBase := int(sib) & 7

		if index != 4 {
			base += i.ctx.Regs[index] * scale
		}
		if sibBase == 5 && mod == 0 {
			dispSize = 4
		} else {
			base += i.ctx.Regs[sibBase]
		}
	} else if rm == 5 && mod == 0 {
		dispSize = 4
	} else {
		base = i.ctx.Regs[rm]
	}

	switch dispSize {
	case 1:
		if len(code) < op.size+1 {
			return operand{}, errShortInstruction
		}
		base += uint32(int32(int8(code[op.size])))
		op.size++
	case 4:
		if len(code) < op.size+4 {
			return operand{}, errShortInstruction
		}
		base += le32(code[op.size:])
		op.size += 4
	}

	op.addr = base + i.segBase
	return op, nil
}

// readReg reads a general-purpose register at the given width. At byte width
// the x86 encoding maps 0-3 to the low bytes AL..BL and 4-7 to the high
// bytes AH..BH.
func (i *Interpreter) readReg(reg, width int) uint32 {
	switch width {
	case 1:
		if reg >= 4 {
			return (i.ctx.Regs[reg-4] >> 8) & 0xff
		}
		return i.ctx.Regs[reg] & 0xff
	case 2:
		return i.ctx.Regs[reg] & 0xffff
	}
	return i.ctx.Regs[reg]
}

func (i *Interpreter) writeReg(reg, width int, v uint32) {
	switch width {
	case 1:
		if reg >= 4 {
			r := &i.ctx.Regs[reg-4]
			*r = *r&^uint32(0xff00) | (v&0xff)<<8
			return
		}
		r := &i.ctx.Regs[reg]
		*r = *r&^uint32(0xff) | v&0xff
	case 2:
		r := &i.ctx.Regs[reg]
		*r = *r&^uint32(0xffff) | v&0xffff
	default:
		i.ctx.Regs[reg] = v
	}
}

func (i *Interpreter) readRM(op operand, width int) (uint32, error) {
	if op.isReg {
		return i.readReg(op.reg, width), nil
	}
	switch width {
	case 1:
		v, err := i.mem.ReadU8(op.addr)
		return uint32(v), err
	case 2:
		v, err := i.mem.ReadU16(op.addr)
		return uint32(v), err
	}
	return i.mem.ReadU32(op.addr)
}

func (i *Interpreter) writeRM(op operand, width int, v uint32) error {
	if op.isReg {
		i.writeReg(op.reg, width, v)
		return nil
	}
	switch width {
	case 1:
		return i.mem.WriteU8(op.addr, uint8(v))
	case 2:
		return i.mem.WriteU16(op.addr, uint16(v))
	}
	return i.mem.WriteU32(op.addr, v)
}

// imm reads a little-endian immediate of the given width at code[off:].
func imm(code []byte, off, width int) (uint32, error) {
	if len(code) < off+width {
		return 0, errShortInstruction
	}
	switch width {
	case 1:
		return uint32(code[off]), nil
	case 2:
		return uint32(code[off]) | uint32(code[off+1])<<8, nil
	}
	return le32(code[off:]), nil
}

// immSigned sign-extends an imm8 to 32 bits.
func immSigned8(code []byte, off int) (uint32, error) {
	if len(code) <= off {
		return 0, errShortInstruction
	}
	return uint32(int32(int8(code[off]))), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
