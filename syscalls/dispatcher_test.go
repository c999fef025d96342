package syscalls

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/vm"
)

func testDispatcher(t *testing.T) (*Dispatcher, *guestmem.AddressSpace, *bytes.Buffer) {
	t.Helper()
	mem := guestmem.New(1 << 20)
	var out bytes.Buffer
	d := New(mem, Config{
		Stdin:   strings.NewReader("input"),
		Stdout:  &out,
		Stderr:  &bytes.Buffer{},
		Pid:     42,
		BrkBase: 0x10000,
	})
	return d, mem, &out
}

// trap fills the register file the way guest code would and dispatches.
func trap(t *testing.T, d *Dispatcher, num uint32, args ...uint32) (*vm.Context, int32) {
	t.Helper()
	ctx := vm.NewContext(0, 0)
	ctx.Regs[vm.RegEAX] = num
	regs := []int{vm.RegEBX, vm.RegECX, vm.RegEDX, vm.RegESI, vm.RegEDI, vm.RegEBP}
	for idx, a := range args {
		ctx.Regs[regs[idx]] = a
	}
	require.NoError(t, d.Handle(ctx))
	return ctx, int32(ctx.Regs[vm.RegEAX])
}

func TestWriteToStdout(t *testing.T) {
	d, mem, out := testDispatcher(t)
	require.NoError(t, mem.Write(0x5000, []byte("hi")))

	_, ret := trap(t, d, sysWrite, 1, 0x5000, 2)
	assert.Equal(t, int32(2), ret)
	assert.Equal(t, "hi", out.String())
}

func TestReadFromStdin(t *testing.T) {
	d, mem, _ := testDispatcher(t)

	_, ret := trap(t, d, sysRead, 0, 0x5000, 5)
	assert.Equal(t, int32(5), ret)
	got, err := mem.Read(0x5000, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("input"), got)
}

func TestExitHaltsContext(t *testing.T) {
	d, _, _ := testDispatcher(t)
	ctx, _ := trap(t, d, sysExit, 7)
	assert.True(t, ctx.Halted)
	assert.Equal(t, int32(7), ctx.ExitCode)
}

func TestGetpid(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, ret := trap(t, d, sysGetpid)
	assert.Equal(t, int32(42), ret)
}

func TestUnknownSyscallReturnsENOSYS(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, ret := trap(t, d, 9999)
	assert.Equal(t, int32(-errENOSYS), ret)
}

func TestWriteBadFD(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	require.NoError(t, mem.Write(0x5000, []byte("x")))
	_, ret := trap(t, d, sysWrite, 17, 0x5000, 1)
	assert.Equal(t, int32(-errEBADF), ret)
}

func TestWriteBufferOutsideArena(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, ret := trap(t, d, sysWrite, 1, 0xFFFFFF00, 64)
	assert.Equal(t, int32(-errEFAULT), ret)
}

func TestOpenReadClose(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o644))
	require.NoError(t, mem.Write(0x5000, append([]byte(path), 0)))

	_, fd := trap(t, d, sysOpen, 0x5000, 0, 0)
	assert.Equal(t, int32(3), fd, "first free descriptor is 3")

	_, n := trap(t, d, sysRead, uint32(fd), 0x6000, 100)
	assert.Equal(t, int32(9), n)
	got, err := mem.Read(0x6000, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("file body"), got)

	_, ret := trap(t, d, sysClose, uint32(fd))
	assert.Equal(t, int32(0), ret)

	_, ret = trap(t, d, sysClose, uint32(fd))
	assert.Equal(t, int32(-errEBADF), ret, "double close")
}

func TestOpenMissingFile(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	path := filepath.Join(t.TempDir(), "nope")
	require.NoError(t, mem.Write(0x5000, append([]byte(path), 0)))

	_, ret := trap(t, d, sysOpen, 0x5000, 0, 0)
	assert.Equal(t, int32(-errENOENT), ret)
}

func TestFDNumbersAreLowestFree(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	open := func(name string) int32 {
		p := filepath.Join(dir, name)
		require.NoError(t, mem.Write(0x5000, append([]byte(p), 0)))
		_, fd := trap(t, d, sysOpen, 0x5000, 0, 0)
		return fd
	}

	fdA := open("a")
	fdB := open("b")
	assert.Equal(t, int32(3), fdA)
	assert.Equal(t, int32(4), fdB)

	trap(t, d, sysClose, uint32(fdA))
	assert.Equal(t, int32(3), open("a"), "freed slot is reused first")
}

func TestBrkGrowsAndClamps(t *testing.T) {
	d, _, _ := testDispatcher(t)

	_, cur := trap(t, d, sysBrk, 0)
	assert.Equal(t, int32(0x10000), cur)

	_, grown := trap(t, d, sysBrk, 0x14000)
	assert.Equal(t, int32(0x14000), grown)

	// unsatisfiable request returns the current break
	_, same := trap(t, d, sysBrk, 0xFF000000)
	assert.Equal(t, int32(0x14000), same)
}

func TestMmap2Anonymous(t *testing.T) {
	d, mem, _ := testDispatcher(t)

	_, base := trap(t, d, sysMmap2, 0, 8192, 3, mapPrivate|mapAnonymous, uint32(0xFFFFFFFF), 0)
	require.Greater(t, base, int32(0))
	assert.Zero(t, uint32(base)%pageSize)

	got, err := mem.Read(uint32(base), 8192)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), got)

	_, next := trap(t, d, sysMmap2, 0, 4096, 3, mapPrivate|mapAnonymous, uint32(0xFFFFFFFF), 0)
	assert.Equal(t, base+8192, next, "bump allocation")
}

func TestMmap2StopsAtConfiguredLimit(t *testing.T) {
	mem := guestmem.New(1 << 20)
	d := New(mem, Config{
		Stdin:     strings.NewReader(""),
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
		BrkBase:   0x10000,
		BrkLimit:  0x20000,
		MmapBase:  0x20000,
		MmapLimit: 0x40000,
	})

	_, base := trap(t, d, sysMmap2, 0, 0x10000, 3, mapPrivate|mapAnonymous, uint32(0xFFFFFFFF), 0)
	assert.Equal(t, int32(0x20000), base)

	// the next 64KiB would end exactly at the limit, the one after must fail
	_, next := trap(t, d, sysMmap2, 0, 0x10000, 3, mapPrivate|mapAnonymous, uint32(0xFFFFFFFF), 0)
	assert.Equal(t, int32(0x30000), next)
	_, ret := trap(t, d, sysMmap2, 0, 0x10000, 3, mapPrivate|mapAnonymous, uint32(0xFFFFFFFF), 0)
	assert.Equal(t, int32(-errENOMEM), ret)

	// MAP_FIXED cannot punch through the limit either
	_, ret = trap(t, d, sysMmap2, 0xF0000, 4096, 3, mapPrivate|mapAnonymous|mapFixed, uint32(0xFFFFFFFF), 0)
	assert.Equal(t, int32(-errENOMEM), ret)
}

func TestMmap2FileBackedRefused(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, ret := trap(t, d, sysMmap2, 0, 4096, 3, mapPrivate, 3, 0)
	assert.Equal(t, int32(-errENOSYS), ret)
}

func TestMunmapAndMprotectSucceed(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, ret := trap(t, d, sysMunmap, 0x20000, 4096)
	assert.Equal(t, int32(0), ret)
	_, ret = trap(t, d, sysMprotect, 0x20000, 4096, 1)
	assert.Equal(t, int32(0), ret)
}

func TestUnameFields(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	_, ret := trap(t, d, sysUname, 0x5000)
	require.Equal(t, int32(0), ret)

	sysname, err := mem.ReadCString(0x5000, utsField)
	require.NoError(t, err)
	machine, err := mem.ReadCString(0x5000+4*utsField, utsField)
	require.NoError(t, err)
	assert.Equal(t, "Linux", sysname)
	assert.Equal(t, "i686", machine)
}

func TestStat64(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	require.NoError(t, mem.Write(0x5000, append([]byte(path), 0)))

	_, ret := trap(t, d, sysStat64, 0x5000, 0x6000)
	require.Equal(t, int32(0), ret)

	mode, err := mem.ReadU32(0x6000 + 16)
	require.NoError(t, err)
	size, err := mem.ReadU64(0x6000 + 44)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o100644), mode)
	assert.Equal(t, uint64(5), size)
}

func TestFcntl64Flags(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, mem.Write(0x5000, append([]byte(path), 0)))
	_, fd := trap(t, d, sysOpen, 0x5000, 0, 0)

	_, fl := trap(t, d, sysFcntl64, uint32(fd), fcntlGetFL)
	assert.Equal(t, int32(0), fl)

	_, ret := trap(t, d, sysFcntl64, uint32(fd), fcntlSetFL, openAppend)
	assert.Equal(t, int32(0), ret)
	_, fl = trap(t, d, sysFcntl64, uint32(fd), fcntlGetFL)
	assert.Equal(t, int32(openAppend), fl)

	_, dup := trap(t, d, sysFcntl64, uint32(fd), fcntlDupFD, 10)
	assert.Equal(t, int32(10), dup)
}

func TestDupSurvivesCloseOfOriginal(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	require.NoError(t, mem.Write(0x5000, append([]byte(path), 0)))

	_, fd := trap(t, d, sysOpen, 0x5000, 0, 0)
	_, dup := trap(t, d, sysFcntl64, uint32(fd), fcntlDupFD, 0)
	require.Greater(t, dup, fd)

	_, ret := trap(t, d, sysClose, uint32(fd))
	require.Equal(t, int32(0), ret)

	// the duplicate shares the open file description and must still read
	_, n := trap(t, d, sysRead, uint32(dup), 0x6000, 7)
	assert.Equal(t, int32(7), n)
	got, err := mem.Read(0x6000, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, ret = trap(t, d, sysClose, uint32(dup))
	assert.Equal(t, int32(0), ret)
}

func TestSetThreadAreaPointsGS(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	require.NoError(t, mem.WriteU32(0x5000, 0xFFFFFFFF)) // entry_number: pick one
	require.NoError(t, mem.WriteU32(0x5004, 0x7000))     // base_addr

	ctx, ret := trap(t, d, sysSetThreadArea, 0x5000)
	require.Equal(t, int32(0), ret)
	assert.Equal(t, uint32(0x7000), ctx.GSBase)

	slot, err := mem.ReadU32(0x5000)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), slot)
}
