// ABOUTME: Tests for address classification, normalization and merge keys
// ABOUTME: Covers trunk-zero rewriting and linked-device unification

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		prefix string
		want   string
	}{
		{"trunk zero rewritten", "081199998888", "62", "6281199998888"},
		{"no leading zero unchanged", "81199998888", "62", "81199998888"},
		{"already prefixed unchanged", "6281199998888", "62", "6281199998888"},
		{"separators stripped", "+62 811-9999-8888", "62", "6281199998888"},
		{"too short rejected", "12345", "62", ""},
		{"empty rejected", "", "62", ""},
		{"letters only rejected", "call-me", "62", ""},
		{"six digits accepted", "123456", "62", "123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.input, tt.prefix))
		})
	}
}

func TestToAddress(t *testing.T) {
	assert.Equal(t, "6281100000000"+SuffixUser, ToAddress("6281100000000"))
	assert.Equal(t, "6281100000000"+SuffixUser, ToAddress("6281100000000@s.whatsapp.net"))
	assert.Equal(t, "12345"+SuffixGroup, ToAddress("12345"+SuffixGroup))
	assert.Equal(t, "6281100000000"+SuffixUser, PhoneToAddress("628 110(000)0000"))
}

func TestIsGroupAndPseudo(t *testing.T) {
	assert.True(t, IsGroup("12345-67890@g.us"))
	assert.False(t, IsGroup("6281100000000@s.whatsapp.net"))

	assert.True(t, IsPseudo(StatusBroadcast))
	assert.True(t, IsPseudo("something@broadcast"))
	assert.False(t, IsPseudo("6281100000000@s.whatsapp.net"))
}

func TestMergeKey(t *testing.T) {
	// The same digits under two wire forms share a key.
	a := MergeKey("6281100000000@formA", false)
	b := MergeKey("6281100000000@formB", false)
	assert.Equal(t, a, b)

	// Linked-device and user addresses with the same digit run merge.
	assert.Equal(t,
		MergeKey("6281100000000"+SuffixUser, false),
		MergeKey("6281100000000"+SuffixLinkedDevice, false))

	// Groups never merge with direct forms, or with each other.
	g1 := MergeKey("6281100000000@g.us", true)
	g2 := MergeKey("999@g.us", true)
	assert.NotEqual(t, g1, g2)
	assert.NotEqual(t, g1, a)

	// Addresses with no digits keep their raw form.
	assert.NotEqual(t,
		MergeKey("alpha@x", false),
		MergeKey("beta@x", false))
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "6281100000000", LocalPart("6281100000000@s.whatsapp.net"))
	assert.Equal(t, "bare", LocalPart("bare"))
}
