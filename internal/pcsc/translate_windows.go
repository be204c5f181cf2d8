//go:build windows

package pcsc

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/windows"
)

var (
	winscardOnce   sync.Once
	winscardModule windows.Handle
)

func winscardHandle() windows.Handle {
	winscardOnce.Do(func() {
		h, err := windows.LoadLibraryEx("winscard.dll", 0, windows.LOAD_LIBRARY_AS_DATAFILE)
		if err == nil {
			winscardModule = h
		}
	})
	return winscardModule
}

// StatusText returns the system message for a subsystem status code, looked up
// in winscard.dll and the system table. The result is never empty.
func StatusText(s Status) string {
	flags := uint32(windows.FORMAT_MESSAGE_FROM_SYSTEM | windows.FORMAT_MESSAGE_IGNORE_INSERTS)
	module := winscardHandle()
	if module != 0 {
		flags |= windows.FORMAT_MESSAGE_FROM_HMODULE
	}

	buf := make([]uint16, 512)
	n, err := windows.FormatMessage(flags, uintptr(module), uint32(s), 0, buf, nil)
	if err != nil || n == 0 {
		return fallbackText(s)
	}

	msg := strings.TrimRight(windows.UTF16ToString(buf[:n]), "\r\n. ")
	if msg == "" {
		return fallbackText(s)
	}
	return fmt.Sprintf("%s (0x%X)", msg, uint32(s))
}
