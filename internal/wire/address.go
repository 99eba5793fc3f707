// ABOUTME: Address parsing, normalization and canonical merge keys
// ABOUTME: One human contact can appear under several wire address forms

package wire

import "strings"

// Address suffixes used by the network. A direct peer normally appears
// under SuffixUser, but linked devices show up under SuffixLinkedDevice
// with an anonymized numeric local part.
const (
	SuffixUser         = "@s.whatsapp.net"
	SuffixLinkedDevice = "@lid"
	SuffixGroup        = "@g.us"
	SuffixBroadcast    = "@broadcast"
)

// StatusBroadcast is the pseudo-address used for status updates.
const StatusBroadcast = "status@broadcast"

// minPhoneDigits is the shortest digit string accepted as a phone number.
const minPhoneDigits = 6

// IsGroup reports whether the address identifies a group chat.
func IsGroup(address string) bool {
	return strings.HasSuffix(address, SuffixGroup)
}

// IsPseudo reports whether the address is a system or broadcast
// pseudo-address that never maps to a real conversation.
func IsPseudo(address string) bool {
	return address == StatusBroadcast || strings.HasSuffix(address, SuffixBroadcast)
}

// PhoneToAddress converts a bare phone number into a direct address.
// Non-digit characters are stripped.
func PhoneToAddress(phone string) string {
	return digitsOf(phone) + SuffixUser
}

// ToAddress accepts either a bare phone number or a full address.
// Full addresses (anything containing '@') pass through untouched so
// callers can target linked-device and group identifiers directly.
func ToAddress(phoneOrAddress string) string {
	if strings.Contains(phoneOrAddress, "@") {
		return phoneOrAddress
	}
	return PhoneToAddress(phoneOrAddress)
}

// LocalPart returns the part of the address before the '@'.
func LocalPart(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}

// MergeKey computes the canonical key used to unify the multiple wire
// forms of one contact. Group addresses are never merged with anything
// else. Direct addresses merge on the digit run of their local part;
// addresses without any digits stay keyed by their raw form.
func MergeKey(address string, isGroup bool) string {
	if isGroup {
		return "group:" + address
	}
	digits := digitsOf(LocalPart(address))
	if digits == "" {
		return "addr:" + address
	}
	return "id:" + digits
}

// NormalizePhone reduces raw recipient input to a canonical digit string.
// A leading trunk "0" is rewritten to the given country prefix. Inputs
// with fewer than six digits are rejected with an empty result.
func NormalizePhone(raw, countryPrefix string) string {
	digits := digitsOf(raw)
	if len(digits) < minPhoneDigits {
		return ""
	}
	if strings.HasPrefix(digits, "0") {
		return countryPrefix + digits[1:]
	}
	return digits
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
