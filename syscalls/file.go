package syscalls

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"

	"github.com/userlandvm/userlandvm/log"
)

// maxPathLen bounds guest-supplied path strings.
const maxPathLen = 4096

// i386 open(2) flag bits.
const (
	openAccMode = 0x3
	openCreat   = 0x40
	openExcl    = 0x80
	openTrunc   = 0x200
	openAppend  = 0x400
)

// fcntl64 commands.
const (
	fcntlDupFD  = 0
	fcntlGetFD  = 1
	fcntlSetFD  = 2
	fcntlGetFL  = 3
	fcntlSetFL  = 4
)

// errnoFromOS maps a host error onto a guest errno, negated for return.
func errnoFromOS(err error) int32 {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return -errENOENT
	case errors.Is(err, fs.ErrPermission):
		return -errEACCES
	case errors.Is(err, fs.ErrExist):
		return -errEEXIST
	case errors.Is(err, syscall.EISDIR):
		return -errEISDIR
	case errors.Is(err, syscall.ENOTDIR):
		return -errENOTDIR
	}
	return -errEINVAL
}

func (d *Dispatcher) read(fd int32, buf, count uint32) int32 {
	ent := d.entry(fd)
	if ent == nil {
		return -errEBADF
	}
	// Read into a scratch copy of the guest range; this validates the whole
	// range up front, before any stream input is consumed.
	dst, err := d.mem.Read(buf, count)
	if err != nil {
		return -errEFAULT
	}
	var src io.Reader
	switch {
	case ent.file != nil:
		src = ent.file
	case ent.r != nil:
		src = ent.r
	default:
		return -errEBADF
	}
	n, err := src.Read(dst)
	if n == 0 && err != nil && err != io.EOF {
		return errnoFromOS(err)
	}
	if err := d.mem.Write(buf, dst[:n]); err != nil {
		return -errEFAULT
	}
	return int32(n)
}

func (d *Dispatcher) write(fd int32, buf, count uint32) int32 {
	ent := d.entry(fd)
	if ent == nil {
		return -errEBADF
	}
	src, err := d.mem.Read(buf, count)
	if err != nil {
		return -errEFAULT
	}
	var dst io.Writer
	switch {
	case ent.file != nil:
		dst = ent.file
	case ent.w != nil:
		dst = ent.w
	default:
		return -errEBADF
	}
	n, err := dst.Write(src)
	if err != nil && n == 0 {
		return errnoFromOS(err)
	}
	return int32(n)
}

func (d *Dispatcher) open(pathAddr, flags, mode uint32) int32 {
	path, err := d.mem.ReadCString(pathAddr, maxPathLen)
	if err != nil {
		return -errEFAULT
	}

	hostFlags := int(flags & openAccMode)
	if flags&openCreat != 0 {
		hostFlags |= os.O_CREATE
	}
	if flags&openExcl != 0 {
		hostFlags |= os.O_EXCL
	}
	if flags&openTrunc != 0 {
		hostFlags |= os.O_TRUNC
	}
	if flags&openAppend != 0 {
		hostFlags |= os.O_APPEND
	}

	f, err := os.OpenFile(path, hostFlags, os.FileMode(mode&0o7777))
	if err != nil {
		log.Debug(log.SyscallModule, "open failed", "path", path, "err", err)
		return errnoFromOS(err)
	}
	fd := d.allocFD()
	d.files[fd] = &fileEntry{file: f, flags: flags, refs: 1}
	log.Debug(log.SyscallModule, "open", "path", path, "fd", fd)
	return fd
}

func (d *Dispatcher) close(fd int32) int32 {
	ent := d.entry(fd)
	if ent == nil {
		return -errEBADF
	}
	if fd <= 2 {
		// the stdio slots stay open for the host's sake
		return 0
	}
	delete(d.files, fd)
	ent.refs--
	if ent.refs > 0 {
		// a dup still points at this entry
		return 0
	}
	if ent.file != nil {
		if err := ent.file.Close(); err != nil {
			return errnoFromOS(err)
		}
	}
	return 0
}

func (d *Dispatcher) access(pathAddr, mode uint32) int32 {
	path, err := d.mem.ReadCString(pathAddr, maxPathLen)
	if err != nil {
		return -errEFAULT
	}
	if _, err := os.Stat(path); err != nil {
		return errnoFromOS(err)
	}
	return 0
}

func (d *Dispatcher) stat64(pathAddr, bufAddr uint32) int32 {
	path, err := d.mem.ReadCString(pathAddr, maxPathLen)
	if err != nil {
		return -errEFAULT
	}
	info, err := os.Stat(path)
	if err != nil {
		return errnoFromOS(err)
	}
	return d.writeStat64(bufAddr, info)
}

func (d *Dispatcher) fstat64(fd int32, bufAddr uint32) int32 {
	ent := d.entry(fd)
	if ent == nil {
		return -errEBADF
	}
	if ent.file == nil {
		// stdio: report a character device
		return d.writeStat64Raw(bufAddr, 0o020666, 0)
	}
	info, err := ent.file.Stat()
	if err != nil {
		return errnoFromOS(err)
	}
	return d.writeStat64(bufAddr, info)
}

// writeStat64 marshals the i386 stat64 layout, 96 bytes.
func (d *Dispatcher) writeStat64(bufAddr uint32, info fs.FileInfo) int32 {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode |= 0o040000
	case info.Mode()&fs.ModeSymlink != 0:
		mode |= 0o120000
	case info.Mode()&fs.ModeDevice != 0:
		mode |= 0o060000
	default:
		mode |= 0o100000
	}
	return d.statCommon(bufAddr, mode, uint64(info.Size()), uint32(info.ModTime().Unix()))
}

func (d *Dispatcher) writeStat64Raw(bufAddr, mode uint32, size uint64) int32 {
	return d.statCommon(bufAddr, mode, size, 0)
}

func (d *Dispatcher) statCommon(bufAddr, mode uint32, size uint64, mtime uint32) int32 {
	if err := d.mem.Zero(bufAddr, 96); err != nil {
		return -errEFAULT
	}
	put32 := func(off, v uint32) { _ = d.mem.WriteU32(bufAddr+off, v) }
	put64 := func(off uint32, v uint64) { _ = d.mem.WriteU64(bufAddr+off, v) }

	put64(0, 1)        // st_dev
	put32(12, 2)       // __st_ino
	put32(16, mode)    // st_mode
	put32(20, 1)       // st_nlink
	put64(44, size)    // st_size
	put32(52, 4096)    // st_blksize
	put64(56, (size+511)/512)
	put32(64, mtime)   // st_atime
	put32(72, mtime)   // st_mtime
	put32(80, mtime)   // st_ctime
	put64(88, 2)       // st_ino
	return 0
}

func (d *Dispatcher) fcntl64(fd int32, cmd, arg uint32) int32 {
	ent := d.entry(fd)
	if ent == nil {
		return -errEBADF
	}
	switch cmd {
	case fcntlDupFD:
		nfd := d.allocFD()
		if nfd < int32(arg) {
			nfd = int32(arg)
			for d.files[nfd] != nil {
				nfd++
			}
		}
		d.files[nfd] = ent
		ent.refs++
		return nfd
	case fcntlGetFD, fcntlSetFD:
		return 0
	case fcntlGetFL:
		return int32(ent.flags)
	case fcntlSetFL:
		ent.flags = arg
		return 0
	}
	return -errEINVAL
}

func (d *Dispatcher) ioctl(fd int32, req uint32) int32 {
	if d.entry(fd) == nil {
		return -errEBADF
	}
	// no terminal emulation
	log.Trace(log.SyscallModule, "ioctl refused", "fd", fd, "req", req)
	return -errENOTTY
}
