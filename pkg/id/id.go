package id

import (
	"github.com/dchest/uniuri"
)

var caseInsensitiveAlphabet = []byte("abcdefghijklmnopqrstuvwxyz1234567890")

// Generate returns a new sandbox identifier. The alphabet is case-insensitive
// so the ID survives backends that lowercase resource names.
func Generate() string {
	return uniuri.NewLenChars(uniuri.UUIDLen, caseInsensitiveAlphabet)
}
