//go:build !windows

package pcsc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTextKnownCodes(t *testing.T) {
	assert.Equal(t, "No smart card inserted. (0x8010000C)", StatusText(StatusNoSmartcard))
	assert.Equal(t, "Command cancelled. (0x80100002)", StatusText(StatusCancelled))
}

func TestStatusTextFallback(t *testing.T) {
	assert.Equal(t, "PC/SC error code: 0x12345", StatusText(Status(0x12345)))
}
