package common

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeToString returns the lowercase hexadecimal representation of hexBytes
// with the 0x prefix.
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0x%x", hexBytes)
}

// DecodeFromString converts a hex string, with or without the 0x prefix, to a
// byte slice.
func DecodeFromString(hexString string) ([]byte, error) {
	s := strings.TrimSpace(hexString)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
