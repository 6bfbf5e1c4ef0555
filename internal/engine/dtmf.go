package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDigits is returned when a digit string contains a character
// that cannot be sent as DTMF.
var ErrInvalidDigits = errors.New("invalid dtmf digits")

// Digit timing for SIP INFO relay.
const (
	digitDuration = 160 * time.Millisecond
	digitGap      = 100 * time.Millisecond
	// pauseDigit inserts a pauseDuration gap instead of a tone.
	pauseDigit    = 'W'
	pauseDuration = 500 * time.Millisecond
)

var validDigits = map[rune]bool{
	'0': true, '1': true, '2': true, '3': true, '4': true,
	'5': true, '6': true, '7': true, '8': true, '9': true,
	'*': true, '#': true,
	'A': true, 'B': true, 'C': true, 'D': true,
	pauseDigit: true,
}

// NormalizeDigits upper-cases digits and rejects anything outside
// 0-9, *, #, A-D and w (pause).
func NormalizeDigits(digits string) (string, error) {
	if digits == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDigits)
	}
	out := strings.ToUpper(digits)
	for _, r := range out {
		if !validDigits[r] {
			return "", fmt.Errorf("%w: %q", ErrInvalidDigits, r)
		}
	}
	return out, nil
}

// dtmfRelayBody builds an application/dtmf-relay INFO body for one digit.
func dtmfRelayBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, digitDuration.Milliseconds()))
}
