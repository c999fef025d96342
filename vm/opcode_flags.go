package vm

// flagsWritable are the EFLAGS bits POPF lets user code change.
const flagsWritable = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagDF | FlagOF

// opSetcc handles 0F 90-9F, SETcc r/m8.
func (i *Interpreter) opSetcc(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[2:])
	if err != nil {
		return 0, err
	}
	var v uint32
	if i.ctx.condition(code[1] & 0x0f) {
		v = 1
	}
	if err := i.writeRM(rm, 1, v); err != nil {
		return 0, err
	}
	return 2 + rm.size, nil
}

func (i *Interpreter) opPushf(code []byte) (int, error) {
	if err := i.push32(i.ctx.EFLAGS); err != nil {
		return 0, err
	}
	return 1, nil
}

func (i *Interpreter) opPopf(code []byte) (int, error) {
	v, err := i.pop32()
	if err != nil {
		return 0, err
	}
	i.ctx.EFLAGS = i.ctx.EFLAGS&^flagsWritable | v&flagsWritable
	return 1, nil
}

// opSahf stores AH into the low flag byte.
func (i *Interpreter) opSahf(code []byte) (int, error) {
	ah := i.readReg(4, 1) // AH
	low := FlagCF | FlagPF | FlagAF | FlagZF | FlagSF
	i.ctx.EFLAGS = i.ctx.EFLAGS&^low | ah&low | 0x02
	return 1, nil
}

// opLahf loads the low flag byte into AH.
func (i *Interpreter) opLahf(code []byte) (int, error) {
	i.writeReg(4, 1, i.ctx.EFLAGS&0xff|0x02)
	return 1, nil
}

// opFlagToggle handles the single-byte flag instructions CMC, CLC, STC, CLI,
// STI, CLD and STD. The interrupt flag is tracked but means nothing without
// asynchronous interrupts.
func (i *Interpreter) opFlagToggle(code []byte) (int, error) {
	c := i.ctx
	switch code[0] {
	case 0xF5:
		c.SetFlag(FlagCF, !c.Flag(FlagCF))
	case 0xF8:
		c.SetFlag(FlagCF, false)
	case 0xF9:
		c.SetFlag(FlagCF, true)
	case 0xFA:
		c.SetFlag(FlagIF, false)
	case 0xFB:
		c.SetFlag(FlagIF, true)
	case 0xFC:
		c.SetFlag(FlagDF, false)
	case 0xFD:
		c.SetFlag(FlagDF, true)
	}
	return 1, nil
}
