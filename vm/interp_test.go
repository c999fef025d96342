package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlandvm/userlandvm/guestmem"
)

const (
	testBase     = 0x1000
	testStackTop = 0x8000
)

// run loads code at testBase and executes it with a fresh context. The word
// at the initial stack top is zero, so a bare RET lands on address zero and
// halts cleanly.
func run(t *testing.T, code []byte, cfg Config, setup func(*Context)) (*Context, Status, error) {
	t.Helper()
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	eng := newInterpreter(mem, nil, cfg)
	ctx := NewContext(testBase, testStackTop)
	if setup != nil {
		setup(ctx)
	}
	st, err := eng.Run(ctx)
	return ctx, st, err
}

func TestMovImmThenRet(t *testing.T) {
	code := []byte{
		0xB8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
		0xC3, // ret
	}
	ctx, st, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st)
	assert.Equal(t, uint32(0x12345678), ctx.Regs[RegEAX])
}

func TestAddSignedOverflowFlags(t *testing.T) {
	code := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0x7F, // mov eax, 0x7FFFFFFF
		0x83, 0xC0, 0x01, // add eax, 1
		0xF4, // hlt
	}
	ctx, st, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st)
	assert.Equal(t, uint32(0x80000000), ctx.Regs[RegEAX])
	assert.True(t, ctx.Flag(FlagOF), "signed overflow must raise OF")
	assert.True(t, ctx.Flag(FlagSF))
	assert.False(t, ctx.Flag(FlagZF))
	assert.False(t, ctx.Flag(FlagCF), "no unsigned carry out of bit 31")
}

func TestSubSetsZeroFlag(t *testing.T) {
	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x2D, 0x05, 0x00, 0x00, 0x00, // sub eax, 5
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ctx.Regs[RegEAX])
	assert.True(t, ctx.Flag(FlagZF))
	assert.False(t, ctx.Flag(FlagSF))
}

func TestTightLoopHitsInstructionLimit(t *testing.T) {
	code := []byte{0xEB, 0xFE} // jmp $
	_, st, err := run(t, code, Config{MaxInstructions: 1000}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInstructionLimit, st)
}

func TestUndecodableOpcodeStops(t *testing.T) {
	code := []byte{0x0F, 0x0B} // ud2
	_, st, err := run(t, code, Config{}, nil)
	assert.Equal(t, StatusDecodeError, st)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestLoadOutsideArenaStops(t *testing.T) {
	code := []byte{0xA1, 0x00, 0xFF, 0xFF, 0xFF} // mov eax, [0xFFFFFF00]
	_, st, err := run(t, code, Config{}, nil)
	assert.Equal(t, StatusOutOfBounds, st)
	assert.ErrorIs(t, err, guestmem.ErrOutOfBounds)
}

func TestDivideByZeroFaults(t *testing.T) {
	code := []byte{
		0x31, 0xD2, // xor edx, edx
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x31, 0xC9, // xor ecx, ecx
		0xF7, 0xF1, // div ecx
	}
	_, st, err := run(t, code, Config{}, nil)
	assert.Equal(t, StatusDecodeError, st)
	assert.ErrorIs(t, err, ErrMathFault)
}

func TestCallAndRet(t *testing.T) {
	code := []byte{
		0xE8, 0x02, 0x00, 0x00, 0x00, // call +2
		0xF4,       // hlt        <- return lands here
		0x90,       // nop (skipped)
		0x40,       // inc eax    <- call target
		0xC3,       // ret
	}
	ctx, st, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st)
	assert.Equal(t, uint32(1), ctx.Regs[RegEAX])
	assert.Equal(t, uint32(testStackTop), ctx.Regs[RegESP], "ret must rebalance the stack")
}

func TestPushPopRoundTrip(t *testing.T) {
	code := []byte{
		0xBB, 0xEF, 0xBE, 0xAD, 0xDE, // mov ebx, 0xDEADBEEF
		0x53, // push ebx
		0x59, // pop ecx
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), ctx.Regs[RegECX])
	assert.Equal(t, uint32(testStackTop), ctx.Regs[RegESP])
}

func TestConditionalJumpTaken(t *testing.T) {
	code := []byte{
		0x31, 0xC0, // xor eax, eax
		0x74, 0x03, // je +3
		0x40, 0x40, 0x40, // inc eax x3 (skipped)
		0xB9, 0x2A, 0x00, 0x00, 0x00, // mov ecx, 42
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ctx.Regs[RegEAX])
	assert.Equal(t, uint32(42), ctx.Regs[RegECX])
}

func TestLeaWithSIB(t *testing.T) {
	code := []byte{
		0xBB, 0x10, 0x00, 0x00, 0x00, // mov ebx, 0x10
		0xB9, 0x04, 0x00, 0x00, 0x00, // mov ecx, 4
		0x8D, 0x44, 0x8B, 0x05, // lea eax, [ebx+ecx*4+5]
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10+4*4+5), ctx.Regs[RegEAX])
}

func TestMovzxAndMovsx(t *testing.T) {
	code := []byte{
		0xB3, 0x80, // mov bl, 0x80
		0x0F, 0xB6, 0xC3, // movzx eax, bl
		0x0F, 0xBE, 0xCB, // movsx ecx, bl
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80), ctx.Regs[RegEAX])
	assert.Equal(t, uint32(0xFFFFFF80), ctx.Regs[RegECX])
}

func TestShlSetsCarryAndOverflow(t *testing.T) {
	code := []byte{
		0xB8, 0x00, 0x00, 0x00, 0xC0, // mov eax, 0xC0000000
		0xD1, 0xE0, // shl eax, 1
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80000000), ctx.Regs[RegEAX])
	assert.True(t, ctx.Flag(FlagCF), "bit 31 shifts out into CF")
	assert.False(t, ctx.Flag(FlagOF), "sign did not change")
}

func TestSarKeepsSign(t *testing.T) {
	code := []byte{
		0xB8, 0xF8, 0xFF, 0xFF, 0xFF, // mov eax, -8
		0xC1, 0xF8, 0x02, // sar eax, 2
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFE), ctx.Regs[RegEAX], "-8 >> 2 == -2")
}

func TestRepStosFillsMemory(t *testing.T) {
	code := []byte{
		0xB0, 0xAB, // mov al, 0xAB
		0xBF, 0x00, 0x40, 0x00, 0x00, // mov edi, 0x4000
		0xB9, 0x10, 0x00, 0x00, 0x00, // mov ecx, 16
		0xF3, 0xAA, // rep stosb
		0xF4,
	}
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	eng := newInterpreter(mem, nil, Config{})
	ctx := NewContext(testBase, testStackTop)
	_, err := eng.Run(ctx)
	require.NoError(t, err)

	got, err := mem.Read(0x4000, 16)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 16), got)
	assert.Equal(t, uint32(0), ctx.Regs[RegECX])
	assert.Equal(t, uint32(0x4010), ctx.Regs[RegEDI])
}

func TestRepMovsCopiesMemory(t *testing.T) {
	code := []byte{
		0xBE, 0x00, 0x40, 0x00, 0x00, // mov esi, 0x4000
		0xBF, 0x00, 0x50, 0x00, 0x00, // mov edi, 0x5000
		0xB9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
		0xF3, 0xA4, // rep movsb
		0xF4,
	}
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	require.NoError(t, mem.Write(0x4000, []byte("hello")))
	eng := newInterpreter(mem, nil, Config{})
	_, err := eng.Run(NewContext(testBase, testStackTop))
	require.NoError(t, err)

	got, err := mem.Read(0x5000, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestFSRelativeLoad(t *testing.T) {
	code := []byte{
		0x64, 0xA1, 0x04, 0x00, 0x00, 0x00, // mov eax, fs:[4]
		0xF4,
	}
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	require.NoError(t, mem.WriteU32(0x6004, 0xCAFEBABE))
	eng := newInterpreter(mem, nil, Config{})
	ctx := NewContext(testBase, testStackTop)
	ctx.FSBase = 0x6000
	_, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), ctx.Regs[RegEAX])
}

func TestOperandSizePrefix(t *testing.T) {
	code := []byte{
		0xB8, 0xEF, 0xBE, 0xAD, 0xDE, // mov eax, 0xDEADBEEF
		0x66, 0xB8, 0x34, 0x12, // mov ax, 0x1234
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEAD1234), ctx.Regs[RegEAX], "16-bit write preserves the high half")
}

func TestEnterLeaveFrame(t *testing.T) {
	code := []byte{
		0xC8, 0x10, 0x00, 0x00, // enter 16, 0
		0xC9, // leave
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(testStackTop), ctx.Regs[RegESP])
	assert.Equal(t, uint32(0), ctx.Regs[RegEBP])
}

func TestSetccWritesBooleanByte(t *testing.T) {
	code := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x3D, 0x02, 0x00, 0x00, 0x00, // cmp eax, 2
		0x0F, 0x92, 0xC3, // setb bl
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ctx.Regs[RegEBX]&0xff, "1 < 2 unsigned")
}

func TestMulWide(t *testing.T) {
	code := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x80, // mov eax, 0x80000000
		0xBB, 0x04, 0x00, 0x00, 0x00, // mov ebx, 4
		0xF7, 0xE3, // mul ebx
		0xF4,
	}
	ctx, _, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ctx.Regs[RegEAX])
	assert.Equal(t, uint32(2), ctx.Regs[RegEDX])
	assert.True(t, ctx.Flag(FlagCF), "product overflowed into EDX")
}

func TestFpuInstructionsAreSkipped(t *testing.T) {
	code := []byte{
		0xD9, 0xEE, // fldz
		0xDE, 0xC1, // faddp st(1), st
		0xD9, 0x5C, 0x24, 0xFC, // fstp dword [esp-4]
		0xB8, 0x2A, 0x00, 0x00, 0x00, // mov eax, 42
		0xF4, // hlt
	}
	ctx, st, err := run(t, code, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st)
	assert.Equal(t, uint32(42), ctx.Regs[RegEAX], "integer flow continues past x87 code")
}

type recordingSyscalls struct {
	nums []uint32
}

func (r *recordingSyscalls) Handle(ctx *Context) error {
	r.nums = append(r.nums, ctx.Regs[RegEAX])
	if ctx.Regs[RegEAX] == 1 {
		ctx.Exit(int32(ctx.Regs[RegEBX]))
		return nil
	}
	ctx.Regs[RegEAX] = 0
	return nil
}

func TestInt80DispatchesToHandler(t *testing.T) {
	code := []byte{
		0xB8, 0x14, 0x00, 0x00, 0x00, // mov eax, 20
		0xCD, 0x80, // int 0x80
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xBB, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
		0xCD, 0x80, // int 0x80
	}
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	sys := &recordingSyscalls{}
	eng := newInterpreter(mem, sys, Config{})
	ctx := NewContext(testBase, testStackTop)
	st, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st)
	assert.Equal(t, []uint32{20, 1}, sys.nums)
	assert.Equal(t, int32(7), ctx.ExitCode)
}

func TestDebugPortWrite(t *testing.T) {
	code := []byte{
		0xB0, 'h', // mov al, 'h'
		0xE6, 0xE9, // out 0xE9, al
		0xB0, 'i',
		0xE6, 0xE9,
		0xF4,
	}
	var out bytes.Buffer
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	eng := newInterpreter(mem, nil, Config{DebugOut: &out})
	_, err := eng.Run(NewContext(testBase, testStackTop))
	require.NoError(t, err)
	assert.Equal(t, "hi", out.String())
}

func TestStepSingleInstruction(t *testing.T) {
	code := []byte{0x40, 0x40, 0xF4} // inc eax; inc eax; hlt
	mem := guestmem.New(1 << 16)
	require.NoError(t, mem.Write(testBase, code))
	eng := newInterpreter(mem, nil, Config{})
	ctx := NewContext(testBase, testStackTop)

	st, err := eng.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)
	assert.Equal(t, uint32(1), ctx.Regs[RegEAX])
	assert.Equal(t, uint32(testBase+1), ctx.EIP)
}

func TestDisassembleRendersIntelSyntax(t *testing.T) {
	text, length := Disassemble([]byte{0xB8, 0x78, 0x56, 0x34, 0x12}, testBase)
	assert.Equal(t, 5, length)
	assert.Contains(t, text, "mov")
}
