package syscalls

import (
	"github.com/userlandvm/userlandvm/vm"
)

// utsField is the fixed width of each utsname member.
const utsField = 65

var utsname = [6]string{
	"Linux",      // sysname
	"userlandvm", // nodename
	"4.4.0",      // release
	"#1 userlandvm", // version
	"i686",       // machine
	"(none)",     // domainname
}

func (d *Dispatcher) uname(bufAddr uint32) int32 {
	if err := d.mem.Zero(bufAddr, utsField*uint32(len(utsname))); err != nil {
		return -errEFAULT
	}
	for idx, field := range utsname {
		b := []byte(field)
		if len(b) >= utsField {
			b = b[:utsField-1]
		}
		if err := d.mem.Write(bufAddr+uint32(idx)*utsField, b); err != nil {
			return -errEFAULT
		}
	}
	return 0
}

// setThreadArea reads a user_desc and points GS at its base, which is how
// i386 threading libraries reach thread-local storage. A single GDT slot is
// handed out; there is only one thread to serve.
func (d *Dispatcher) setThreadArea(ctx *vm.Context, descAddr uint32) int32 {
	entry, err := d.mem.ReadU32(descAddr)
	if err != nil {
		return -errEFAULT
	}
	base, err := d.mem.ReadU32(descAddr + 4)
	if err != nil {
		return -errEFAULT
	}
	ctx.GSBase = base
	if int32(entry) == -1 {
		if err := d.mem.WriteU32(descAddr, 6); err != nil {
			return -errEFAULT
		}
	}
	return 0
}
