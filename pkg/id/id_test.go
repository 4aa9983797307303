package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	first := Generate()
	second := Generate()

	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)

	for _, c := range first {
		assert.Contains(t, string(caseInsensitiveAlphabet), string(c))
	}
}
