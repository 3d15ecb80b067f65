package entitlement

import (
	"errors"
	"net"
	"strings"
)

// ErrInvalidMAC is returned when a subject MAC cannot be parsed.
var ErrInvalidMAC = errors.New("invalid mac address")

// NormalizeMAC parses a MAC address in any common notation and returns the
// canonical lower-case colon-separated form used throughout the ledgers.
func NormalizeMAC(mac string) (string, error) {
	trimmed := strings.TrimSpace(mac)
	if trimmed == "" {
		return "", ErrInvalidMAC
	}
	hw, err := net.ParseMAC(trimmed)
	if err != nil {
		return "", ErrInvalidMAC
	}
	if len(hw) != 6 {
		// EUI-64 and InfiniBand addresses are not guest client MACs.
		return "", ErrInvalidMAC
	}
	return strings.ToLower(hw.String()), nil
}
