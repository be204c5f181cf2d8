package pcsc

import (
	"errors"
	"fmt"
)

// Status is a PC/SC subsystem return code. Values are the ones shared by
// pcsc-lite and winscard, so every backend maps onto the same enumeration.
type Status uint32

const (
	StatusSuccess             Status = 0x00000000
	StatusInternalError       Status = 0x80100001
	StatusCancelled           Status = 0x80100002
	StatusInvalidHandle       Status = 0x80100003
	StatusInvalidParameter    Status = 0x80100004
	StatusNoMemory            Status = 0x80100006
	StatusInsufficientBuffer  Status = 0x80100008
	StatusUnknownReader       Status = 0x80100009
	StatusTimeout             Status = 0x8010000A
	StatusSharingViolation    Status = 0x8010000B
	StatusNoSmartcard         Status = 0x8010000C
	StatusProtoMismatch       Status = 0x8010000F
	StatusNotReady            Status = 0x80100010
	StatusSystemCancelled     Status = 0x80100012
	StatusReaderUnavailable   Status = 0x80100017
	StatusNoService           Status = 0x8010001D
	StatusServiceStopped      Status = 0x8010001E
	StatusNoReadersAvailable  Status = 0x8010002E
	StatusCommDataLost        Status = 0x8010002F
	StatusUnsupportedCard     Status = 0x80100065
	StatusUnresponsiveCard    Status = 0x80100066
	StatusUnpoweredCard       Status = 0x80100067
	StatusResetCard           Status = 0x80100068
	StatusRemovedCard         Status = 0x80100069
	StatusCancelledByUser     Status = 0x8010006E
)

// Error implements error so backends can return a bare Status.
func (s Status) Error() string {
	return StatusText(s)
}

func (s Status) String() string {
	return StatusText(s)
}

// fallbackText is used when no richer message is available for a code.
func fallbackText(s Status) string {
	return fmt.Sprintf("PC/SC error code: 0x%X", uint32(s))
}

// StatusOf extracts the subsystem status carried by err. Errors that carry no
// status map to StatusInternalError; nil maps to StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	return StatusInternalError
}

// statusClass groups poll results for the listener state machine.
type statusClass int

const (
	classOK statusClass = iota
	classCancelled
	classTimeout
	classReaderGone
	classInvalidHandle
	classTransient
)

func classify(s Status) statusClass {
	switch s {
	case StatusSuccess:
		return classOK
	case StatusCancelled, StatusCancelledByUser:
		return classCancelled
	case StatusTimeout:
		return classTimeout
	case StatusUnknownReader, StatusReaderUnavailable, StatusCommDataLost,
		StatusNoService, StatusServiceStopped:
		return classReaderGone
	case StatusInvalidHandle:
		return classInvalidHandle
	default:
		return classTransient
	}
}
