package tray

import (
	"fmt"

	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
)

// Readers is the reader state shown in the tray. *pcsc.Agent implements it.
type Readers interface {
	DescribeReaders() ([]pcsc.Reader, error)
	Listening() (reader string, ok bool)
	StopListening() error
}

// menuState holds the menu titles for one refresh.
type menuState struct {
	status    string
	readers   string
	listening string
	active    bool
}

func snapshot(r Readers) menuState {
	s := menuState{status: "Status: Running", listening: "Not listening"}

	list, err := r.DescribeReaders()
	switch {
	case err != nil:
		s.status = "Status: PC/SC unavailable"
		s.readers = "Readers: Unknown"
	case len(list) == 0:
		s.readers = "Readers: None connected"
	case len(list) == 1:
		s.readers = "Readers: 1 connected"
	default:
		s.readers = fmt.Sprintf("Readers: %d connected", len(list))
	}

	if reader, ok := r.Listening(); ok {
		s.listening = "Listening: " + reader
		s.active = true
	}
	return s
}

// displayVersion adds a "v" prefix to release versions but not dev builds.
func displayVersion(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		return "v" + version
	}
	return version
}
