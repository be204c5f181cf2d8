//go:build !windows

package pcsc

import "fmt"

// Messages follow pcsc-lite's pcsc_stringify_error wording.
var statusMessages = map[Status]string{
	StatusSuccess:            "Command successful.",
	StatusInternalError:      "Internal error.",
	StatusCancelled:          "Command cancelled.",
	StatusInvalidHandle:      "Invalid handle.",
	StatusInvalidParameter:   "Invalid parameter given.",
	StatusNoMemory:           "Not enough memory.",
	StatusInsufficientBuffer: "Insufficient buffer.",
	StatusUnknownReader:      "Unknown reader specified.",
	StatusTimeout:            "Command timeout.",
	StatusSharingViolation:   "Sharing violation.",
	StatusNoSmartcard:        "No smart card inserted.",
	StatusProtoMismatch:      "Card protocol mismatch.",
	StatusNotReady:           "Subsystem not ready.",
	StatusSystemCancelled:    "System cancelled.",
	StatusReaderUnavailable:  "Reader is unavailable.",
	StatusNoService:          "Service not available.",
	StatusServiceStopped:     "Service was stopped.",
	StatusNoReadersAvailable: "Cannot find a smart card reader.",
	StatusCommDataLost:       "Communications data lost.",
	StatusUnsupportedCard:    "Card is not supported.",
	StatusUnresponsiveCard:   "Card is unresponsive.",
	StatusUnpoweredCard:      "Card is unpowered.",
	StatusResetCard:          "Card was reset.",
	StatusRemovedCard:        "Card was removed.",
	StatusCancelledByUser:    "Cancelled by user.",
}

// StatusText returns a human readable description of a subsystem status code.
// The result is never empty.
func StatusText(s Status) string {
	if msg, ok := statusMessages[s]; ok {
		return fmt.Sprintf("%s (0x%X)", msg, uint32(s))
	}
	return fallbackText(s)
}
