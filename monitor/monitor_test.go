package monitor

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlandvm/userlandvm/process"
)

// loadGuest builds a minimal ET_EXEC image around code at vaddr 0x1000.
func loadGuest(t *testing.T, code []byte) *process.Process {
	t.Helper()
	le := binary.LittleEndian
	const vaddr, phoff = 0x1000, 52
	dataOff := uint32(phoff + 32)

	buf := make([]byte, dataOff+uint32(len(code)))
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = 1
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_386))
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[24:], vaddr)
	le.PutUint32(buf[28:], phoff)
	le.PutUint16(buf[40:], 52)
	le.PutUint16(buf[42:], 32)
	le.PutUint16(buf[44:], 1)
	p := buf[phoff:]
	le.PutUint32(p[0:], uint32(elf.PT_LOAD))
	le.PutUint32(p[4:], dataOff)
	le.PutUint32(p[8:], vaddr)
	le.PutUint32(p[12:], vaddr)
	le.PutUint32(p[16:], uint32(len(code)))
	le.PutUint32(p[20:], uint32(len(code)))
	le.PutUint32(p[24:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	le.PutUint32(p[28:], 4)
	copy(buf[dataOff:], code)

	path := filepath.Join(t.TempDir(), "guest")
	require.NoError(t, os.WriteFile(path, buf, 0o755))
	proc, err := process.New(path, process.Config{ArenaSize: 1 << 20, StackSize: 64 << 10})
	require.NoError(t, err)
	return proc
}

func exitingGuest(t *testing.T) *process.Process {
	return loadGuest(t, []byte{
		0x40, // inc eax
		0x40, // inc eax
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xBB, 0x03, 0x00, 0x00, 0x00, // mov ebx, 3
		0xCD, 0x80, // int 0x80
	})
}

func TestStepAdvancesEIP(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	start := proc.Ctx.EIP
	m.dispatch("step")
	assert.Equal(t, start+1, proc.Ctx.EIP)
	assert.Equal(t, uint32(1), proc.Ctx.Regs[0])

	m.dispatch("step 2")
	assert.Equal(t, start+7, proc.Ctx.EIP)
}

func TestContRunsToExit(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("cont")
	assert.True(t, proc.Ctx.Halted)
	assert.Equal(t, int32(3), proc.Ctx.ExitCode)
	assert.Contains(t, out.String(), "halted")
	assert.Contains(t, out.String(), "exit 3")
}

func TestRegsCommandListsRegisters(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("regs")
	for _, name := range []string{"EAX", "ESP", "EIP", "EFLAGS"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestMemCommandHexDumps(t *testing.T) {
	proc := exitingGuest(t)
	require.NoError(t, proc.Mem.Write(0x5000, []byte("hello world")))
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("mem 0x5000 16")
	assert.Contains(t, out.String(), "68 65 6c 6c 6f")
	assert.Contains(t, out.String(), "hello world")
}

func TestMemCommandRejectsBadAddress(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("mem zzz")
	assert.Contains(t, out.String(), "bad address")
}

func TestDisasmCommand(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("disasm 0x1002 1")
	assert.Contains(t, out.String(), "mov")
}

func TestQuitEndsSession(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	assert.False(t, m.dispatch("regs"))
	assert.True(t, m.dispatch("quit"))
	assert.True(t, m.dispatch("q"))
}

func TestUnknownCommand(t *testing.T) {
	proc := exitingGuest(t)
	var out bytes.Buffer
	m := New(proc, &out)

	m.dispatch("frobnicate")
	assert.Contains(t, out.String(), "unknown command")
}
