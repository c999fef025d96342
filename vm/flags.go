package vm

import "math/bits"

func widthMask(width int) uint32 {
	switch width {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	}
	return 0xffffffff
}

func signMask(width int) uint32 {
	switch width {
	case 1:
		return 0x80
	case 2:
		return 0x8000
	}
	return 0x80000000
}

func parityEven(v uint32) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// setFlagsResult sets ZF, SF and PF from a result. CF and OF are left to the
// caller; logic ops clear them, arithmetic ops compute them.
func (c *Context) setFlagsResult(result uint32, width int) {
	result &= widthMask(width)
	c.SetFlag(FlagZF, result == 0)
	c.SetFlag(FlagSF, result&signMask(width) != 0)
	c.SetFlag(FlagPF, parityEven(result))
}

// setFlagsLogic is the AND/OR/XOR/TEST rule: CF and OF cleared.
func (c *Context) setFlagsLogic(result uint32, width int) uint32 {
	result &= widthMask(width)
	c.setFlagsResult(result, width)
	c.SetFlag(FlagCF, false)
	c.SetFlag(FlagOF, false)
	return result
}

// setFlagsAdd computes a+b+carry at the given width and sets all six
// arithmetic flags. Overflow fires when both operands share a sign the result
// lacks.
func (c *Context) setFlagsAdd(a, b, carry uint32, width int) uint32 {
	m := widthMask(width)
	a &= m
	b &= m
	full := uint64(a) + uint64(b) + uint64(carry)
	result := uint32(full) & m

	c.setFlagsResult(result, width)
	c.SetFlag(FlagCF, full > uint64(m))
	c.SetFlag(FlagAF, (a&0xf)+(b&0xf)+carry > 0xf)
	sm := signMask(width)
	c.SetFlag(FlagOF, (a^result)&(b^result)&sm != 0)
	return result
}

// setFlagsSub computes a-b-borrow at the given width and sets all six
// arithmetic flags.
func (c *Context) setFlagsSub(a, b, borrow uint32, width int) uint32 {
	m := widthMask(width)
	a &= m
	b &= m
	result := (a - b - borrow) & m

	c.setFlagsResult(result, width)
	c.SetFlag(FlagCF, uint64(a) < uint64(b)+uint64(borrow))
	c.SetFlag(FlagAF, (a&0xf) < (b&0xf)+borrow)
	sm := signMask(width)
	c.SetFlag(FlagOF, (a^b)&(a^result)&sm != 0)
	return result
}

// setFlagsInc is INC/DEC arithmetic: like add/sub by one but CF survives.
func (c *Context) setFlagsInc(a uint32, width int, dec bool) uint32 {
	cf := c.Flag(FlagCF)
	var result uint32
	if dec {
		result = c.setFlagsSub(a, 1, 0, width)
	} else {
		result = c.setFlagsAdd(a, 1, 0, width)
	}
	c.SetFlag(FlagCF, cf)
	return result
}

// condition evaluates the low nibble of a Jcc/SETcc/CMOVcc opcode.
func (c *Context) condition(cc byte) bool {
	var r bool
	switch cc >> 1 {
	case 0: // O
		r = c.Flag(FlagOF)
	case 1: // B / C
		r = c.Flag(FlagCF)
	case 2: // Z / E
		r = c.Flag(FlagZF)
	case 3: // BE
		r = c.Flag(FlagCF) || c.Flag(FlagZF)
	case 4: // S
		r = c.Flag(FlagSF)
	case 5: // P
		r = c.Flag(FlagPF)
	case 6: // L
		r = c.Flag(FlagSF) != c.Flag(FlagOF)
	case 7: // LE
		r = c.Flag(FlagZF) || c.Flag(FlagSF) != c.Flag(FlagOF)
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}
