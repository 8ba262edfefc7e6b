//go:build windows

package progress

import (
	"os"

	"golang.org/x/sys/windows"
)

// enableVirtualTerminal is ENABLE_VIRTUAL_TERMINAL_PROCESSING
const enableVirtualTerminal = 0x0004

// enableWindowsANSI turns on escape sequence handling for the console behind f
func enableWindowsANSI(f *os.File) {
	handle := windows.Handle(f.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(handle, &mode); err == nil {
		_ = windows.SetConsoleMode(handle, mode|enableVirtualTerminal)
	}
}
