package syscalls

// Syscall numbers of the 32-bit i386 ABI. The guest selects one in EAX
// before trapping through vector 0x80.
const (
	sysExit          = 1
	sysRead          = 3
	sysWrite         = 4
	sysOpen          = 5
	sysClose         = 6
	sysTime          = 13
	sysGetpid        = 20
	sysAccess        = 33
	sysBrk           = 45
	sysIoctl         = 54
	sysMunmap        = 91
	sysUname         = 122
	sysMprotect      = 125
	sysMmap2         = 192
	sysStat64        = 195
	sysFstat64       = 197
	sysGetuid32      = 199
	sysGetgid32      = 200
	sysGeteuid32     = 201
	sysGetegid32     = 202
	sysFcntl64       = 240
	sysSetThreadArea = 243
	sysExitGroup     = 252
)

// Errno values returned to the guest as negative results, i386 numbering.
const (
	errEPERM   = 1
	errENOENT  = 2
	errEBADF   = 9
	errEAGAIN  = 11
	errENOMEM  = 12
	errEACCES  = 13
	errEFAULT  = 14
	errEEXIST  = 17
	errENOTDIR = 20
	errEISDIR  = 21
	errEINVAL  = 22
	errEMFILE  = 24
	errENOTTY  = 25
	errENOSYS  = 38
)

var sysNames = map[uint32]string{
	sysExit:          "exit",
	sysRead:          "read",
	sysWrite:         "write",
	sysOpen:          "open",
	sysClose:         "close",
	sysTime:          "time",
	sysGetpid:        "getpid",
	sysAccess:        "access",
	sysBrk:           "brk",
	sysIoctl:         "ioctl",
	sysMunmap:        "munmap",
	sysUname:         "uname",
	sysMprotect:      "mprotect",
	sysMmap2:         "mmap2",
	sysStat64:        "stat64",
	sysFstat64:       "fstat64",
	sysGetuid32:      "getuid32",
	sysGetgid32:      "getgid32",
	sysGeteuid32:     "geteuid32",
	sysGetegid32:     "getegid32",
	sysFcntl64:       "fcntl64",
	sysSetThreadArea: "set_thread_area",
	sysExitGroup:     "exit_group",
}

// SysName names a syscall number for logs and traces.
func SysName(num uint32) string {
	if name, ok := sysNames[num]; ok {
		return name
	}
	return "unknown"
}
