package vm

// opShiftGroup2 handles 0xC0/0xC1 (imm8 count), 0xD0/0xD1 (count 1) and
// 0xD2/0xD3 (count in CL). The reg field selects the operation.
func (i *Interpreter) opShiftGroup2(code []byte) (int, error) {
	op := code[0]
	width := i.opWidth()
	if op&1 == 0 {
		width = 1
	}
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	size := 1 + rm.size

	var count uint32
	switch op {
	case 0xC0, 0xC1:
		c, err := imm(code, size, 1)
		if err != nil {
			return 0, err
		}
		count = c
		size++
	case 0xD0, 0xD1:
		count = 1
	default:
		count = i.ctx.Regs[RegECX] & 0xff
	}

	v, err := i.readRM(rm, width)
	if err != nil {
		return 0, err
	}
	result := i.shiftRotate(rm.regOp, v, count, width)
	if err := i.writeRM(rm, width, result); err != nil {
		return 0, err
	}
	return size, nil
}

// shiftRotate applies one group-2 operation. A masked count of zero leaves
// value and flags alone. OF is only architecturally defined for single-bit
// shifts; it is set the way hardware happens to set it and nothing more.
func (i *Interpreter) shiftRotate(op int, v, count uint32, width int) uint32 {
	c := i.ctx
	count &= 31
	if count == 0 {
		return v
	}
	m := widthMask(width)
	bitsN := uint32(width * 8)
	v &= m

	var r uint32
	switch op {
	case 0: // ROL
		n := count % bitsN
		r = (v<<n | v>>(bitsN-n)) & m
		c.SetFlag(FlagCF, r&1 != 0)
		c.SetFlag(FlagOF, (r&1 != 0) != (r&signMask(width) != 0))
		return r

	case 1: // ROR
		n := count % bitsN
		r = (v>>n | v<<(bitsN-n)) & m
		msb := r&signMask(width) != 0
		c.SetFlag(FlagCF, msb)
		c.SetFlag(FlagOF, msb != (r&(signMask(width)>>1) != 0))
		return r

	case 2, 3: // RCL / RCR, rotate through carry one bit at a time
		r = v
		for n := uint32(0); n < count; n++ {
			var cf uint32
			if c.Flag(FlagCF) {
				cf = 1
			}
			if op == 2 {
				c.SetFlag(FlagCF, r&signMask(width) != 0)
				r = (r<<1 | cf) & m
			} else {
				c.SetFlag(FlagCF, r&1 != 0)
				r = (r>>1 | cf<<(bitsN-1)) & m
			}
		}
		c.SetFlag(FlagOF, (r&signMask(width) != 0) != c.Flag(FlagCF))
		return r

	case 4, 6: // SHL
		if count > bitsN {
			r = 0
			c.SetFlag(FlagCF, false)
		} else {
			r = uint32(uint64(v)<<count) & m
			c.SetFlag(FlagCF, (v>>(bitsN-count))&1 != 0)
		}
		c.SetFlag(FlagOF, (r&signMask(width) != 0) != c.Flag(FlagCF))
		c.setFlagsResult(r, width)
		return r

	case 5: // SHR
		if count >= bitsN {
			r = 0
			c.SetFlag(FlagCF, count == bitsN && v&signMask(width) != 0)
		} else {
			r = v >> count
			c.SetFlag(FlagCF, (v>>(count-1))&1 != 0)
		}
		c.SetFlag(FlagOF, v&signMask(width) != 0)
		c.setFlagsResult(r, width)
		return r

	default: // 7: SAR
		s := signExtend(v, width)
		if count >= bitsN {
			count = bitsN - 1
			c.SetFlag(FlagCF, s < 0)
			r = uint32(s>>count>>1) & m
		} else {
			c.SetFlag(FlagCF, (uint32(s)>>(count-1))&1 != 0)
			r = uint32(s>>count) & m
		}
		c.SetFlag(FlagOF, false)
		c.setFlagsResult(r, width)
		return r
	}
}
