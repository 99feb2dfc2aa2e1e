package whatsapp

import "strings"

// chatSuffix addresses an individual account on the network.
const chatSuffix = "@c.us"

// nationalLength is the length of a national significant number.
const nationalLength = 10

// PhoneNormalizer turns free-form phone numbers into canonical chat ids.
// CountryCode is prefixed to national numbers and MobileMarker is the digit
// the network expects between the country code and a mobile number.
type PhoneNormalizer struct {
	CountryCode  string
	MobileMarker string
}

// DefaultNormalizer is the shop's locale: Mexico, mobile marker "1".
var DefaultNormalizer = PhoneNormalizer{CountryCode: "52", MobileMarker: "1"}

// ChatID formats destination as a canonical chat id. Destinations that
// already carry a network suffix are returned unchanged.
func (p PhoneNormalizer) ChatID(destination string) string {
	if strings.Contains(destination, "@") {
		return destination
	}
	return p.Normalize(destination) + chatSuffix
}

// Normalize returns the fully qualified digits for destination:
//
//   - non-digits are dropped and one leading trunk "0" is removed
//   - cc+marker+10 digits is already canonical
//   - cc+10 digits gets the marker inserted
//   - 10 digits gets cc+marker prepended
//   - 11 or 12 digits without cc keep only the last 10 (dialing prefixes
//     such as "1", "01", "044" would otherwise double-count the marker)
//   - anything else is returned as digits
func (p PhoneNormalizer) Normalize(destination string) string {
	digits := onlyDigits(destination)
	digits = strings.TrimPrefix(digits, "0")

	cc, marker := p.CountryCode, p.MobileMarker
	switch {
	case cc != "" && len(digits) == len(cc)+len(marker)+nationalLength &&
		strings.HasPrefix(digits, cc+marker):
		return digits
	case cc != "" && len(digits) == len(cc)+nationalLength && strings.HasPrefix(digits, cc):
		return cc + marker + digits[len(cc):]
	case len(digits) == nationalLength:
		return cc + marker + digits
	case len(digits) > nationalLength && len(digits) <= nationalLength+2:
		return cc + marker + digits[len(digits)-nationalLength:]
	}
	return digits
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
