package vm

import (
	"fmt"

	"github.com/userlandvm/userlandvm/log"
)

// opFpuEscape covers the x87 escape range 0xD8-0xDF. There is no floating
// point unit here; the instructions are decoded for their length and skipped,
// which keeps integer-only guests running past startup sequences that
// initialize the FPU (FNINIT, FLDZ and friends) without ever consuming a
// result.
func (i *Interpreter) opFpuEscape(code []byte) (int, error) {
	rm, err := i.decodeModRM(code[1:])
	if err != nil {
		return 0, err
	}
	if !i.fpuWarned {
		i.fpuWarned = true
		log.Warn(log.InterpModule, "x87 instructions are ignored",
			"opcode", fmt.Sprintf("0x%02x", code[0]),
			"eip", fmt.Sprintf("0x%08x", i.ctx.EIP))
	}
	return 1 + rm.size, nil
}
