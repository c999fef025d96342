package vm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/userlandvm/userlandvm/log"
)

// Disassemble decodes one 32-bit instruction and renders it in Intel syntax.
// Undecodable bytes render as a raw byte marker so a trace never dies on the
// instruction it was supposed to explain.
func Disassemble(code []byte, pc uint32) (text string, length int) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return fmt.Sprintf(".byte 0x%02x", code[0]), 1
	}
	return x86asm.IntelSyntax(inst, uint64(pc), nil), inst.Len
}

func (i *Interpreter) traceInstruction(eip uint32, code []byte) {
	text, _ := Disassemble(code, eip)
	c := i.ctx
	log.Trace(log.InterpModule, "exec",
		"eip", fmt.Sprintf("0x%08x", eip),
		"asm", text,
		"eax", fmt.Sprintf("0x%08x", c.Regs[RegEAX]),
		"ebx", fmt.Sprintf("0x%08x", c.Regs[RegEBX]),
		"ecx", fmt.Sprintf("0x%08x", c.Regs[RegECX]),
		"edx", fmt.Sprintf("0x%08x", c.Regs[RegEDX]),
		"esp", fmt.Sprintf("0x%08x", c.Regs[RegESP]),
		"flags", flagString(c.EFLAGS),
	)
}

func flagString(eflags uint32) string {
	buf := make([]byte, 0, 8)
	for _, f := range []struct {
		mask uint32
		ch   byte
	}{
		{FlagOF, 'O'}, {FlagDF, 'D'}, {FlagSF, 'S'}, {FlagZF, 'Z'},
		{FlagAF, 'A'}, {FlagPF, 'P'}, {FlagCF, 'C'},
	} {
		if eflags&f.mask != 0 {
			buf = append(buf, f.ch)
		} else {
			buf = append(buf, '-')
		}
	}
	return string(buf)
}
