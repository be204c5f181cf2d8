package pcsc

import (
	"encoding/hex"
	"strings"
)

// getUIDCommand is the PC/SC pseudo-APDU that asks a contactless reader for
// the UID of the card in its field.
var getUIDCommand = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// FormatUID renders a GET UID response as uppercase hex without separators,
// excluding the 2-byte status trailer. ok is false when rsp holds nothing
// beyond the trailer.
func FormatUID(rsp []byte) (uid string, ok bool) {
	if len(rsp) <= 2 {
		return "", false
	}
	return strings.ToUpper(hex.EncodeToString(rsp[:len(rsp)-2])), true
}
