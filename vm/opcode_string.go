package vm

// String instructions use ESI as the source cursor and EDI as the
// destination cursor; the direction flag selects whether cursors advance or
// retreat. REP variants run the whole repetition inside one Step, which
// keeps a rep-moved block atomic with respect to the instruction budget.

// stringStep is the per-iteration cursor delta.
func (i *Interpreter) stringStep(width int) uint32 {
	if i.ctx.Flag(FlagDF) {
		return uint32(-width)
	}
	return uint32(width)
}

// stringWidth maps an even/odd string opcode to its element width.
func (i *Interpreter) stringWidth(op byte) int {
	if op&1 == 0 {
		return 1
	}
	return i.opWidth()
}

// repCount returns the iteration count and whether a REP prefix is active.
func (i *Interpreter) repCount() (uint32, bool) {
	if i.rep || i.repne {
		return i.ctx.Regs[RegECX], true
	}
	return 1, false
}

// opMovs handles 0xA4/0xA5 with optional REP.
func (i *Interpreter) opMovs(code []byte) (int, error) {
	width := i.stringWidth(code[0])
	step := i.stringStep(width)
	count, counted := i.repCount()
	c := i.ctx

	for n := uint32(0); n < count; n++ {
		v, err := i.readRM(operand{addr: c.Regs[RegESI] + i.segBase}, width)
		if err != nil {
			return 0, err
		}
		if err := i.writeRM(operand{addr: c.Regs[RegEDI]}, width, v); err != nil {
			return 0, err
		}
		c.Regs[RegESI] += step
		c.Regs[RegEDI] += step
		if counted {
			c.Regs[RegECX]--
		}
	}
	return 1, nil
}

// opStos handles 0xAA/0xAB with optional REP.
func (i *Interpreter) opStos(code []byte) (int, error) {
	width := i.stringWidth(code[0])
	step := i.stringStep(width)
	count, counted := i.repCount()
	c := i.ctx
	v := i.readReg(RegEAX, width)

	for n := uint32(0); n < count; n++ {
		if err := i.writeRM(operand{addr: c.Regs[RegEDI]}, width, v); err != nil {
			return 0, err
		}
		c.Regs[RegEDI] += step
		if counted {
			c.Regs[RegECX]--
		}
	}
	return 1, nil
}

// opLods handles 0xAC/0xAD. A REP prefix is legal and pointless; the
// accumulator ends up with the last element.
func (i *Interpreter) opLods(code []byte) (int, error) {
	width := i.stringWidth(code[0])
	step := i.stringStep(width)
	count, counted := i.repCount()
	c := i.ctx

	for n := uint32(0); n < count; n++ {
		v, err := i.readRM(operand{addr: c.Regs[RegESI] + i.segBase}, width)
		if err != nil {
			return 0, err
		}
		i.writeReg(RegEAX, width, v)
		c.Regs[RegESI] += step
		if counted {
			c.Regs[RegECX]--
		}
	}
	return 1, nil
}

// opCmps handles 0xA6/0xA7. REPE continues while equal, REPNE while not.
func (i *Interpreter) opCmps(code []byte) (int, error) {
	width := i.stringWidth(code[0])
	step := i.stringStep(width)
	count, counted := i.repCount()
	c := i.ctx

	for n := uint32(0); n < count; n++ {
		a, err := i.readRM(operand{addr: c.Regs[RegESI] + i.segBase}, width)
		if err != nil {
			return 0, err
		}
		b, err := i.readRM(operand{addr: c.Regs[RegEDI]}, width)
		if err != nil {
			return 0, err
		}
		c.setFlagsSub(a, b, 0, width)
		c.Regs[RegESI] += step
		c.Regs[RegEDI] += step
		if counted {
			c.Regs[RegECX]--
			if i.rep && !c.Flag(FlagZF) {
				break
			}
			if i.repne && c.Flag(FlagZF) {
				break
			}
		}
	}
	return 1, nil
}

// opScas handles 0xAE/0xAF, comparing the accumulator against [EDI].
func (i *Interpreter) opScas(code []byte) (int, error) {
	width := i.stringWidth(code[0])
	step := i.stringStep(width)
	count, counted := i.repCount()
	c := i.ctx
	a := i.readReg(RegEAX, width)

	for n := uint32(0); n < count; n++ {
		b, err := i.readRM(operand{addr: c.Regs[RegEDI]}, width)
		if err != nil {
			return 0, err
		}
		c.setFlagsSub(a, b, 0, width)
		c.Regs[RegEDI] += step
		if counted {
			c.Regs[RegECX]--
			if i.rep && !c.Flag(FlagZF) {
				break
			}
			if i.repne && c.Flag(FlagZF) {
				break
			}
		}
	}
	return 1, nil
}
