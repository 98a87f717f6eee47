package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes hex fixture, spaces and newlines between bytes are ignored.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		panic(err)
	}
	return b
}
