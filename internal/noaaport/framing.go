// Package noaaport implements the legacy NOAAPort wire framing that
// encapsulates NWS text products: an SOH byte, the body with CR-CR-LF
// line endings, and a trailing ETX byte. The receiver frames stanza
// bodies into this format so the raw event preserves what the satellite
// feed would have carried; the product transformer decodes it again
// before parsing.
package noaaport

import "strings"

// Frame control bytes.
const (
	SOH = 0x01 // start of header
	ETX = 0x03 // end of text
)

// Encode frames a product body: SOH, body with each blank line ("\n\n")
// rewritten to CR-CR-LF, a guaranteed trailing CR-CR-LF, and ETX.
func Encode(body string) []byte {
	s := strings.ReplaceAll(body, "\n\n", "\r\r\n")
	if !strings.HasSuffix(s, "\r\r\n") {
		s += "\r\r\n"
	}
	b := make([]byte, 0, len(s)+2)
	b = append(b, SOH)
	b = append(b, s...)
	b = append(b, ETX)
	return b
}

// Decode strips the SOH/ETX frame and restores blank lines. It is the
// inverse of Encode for bodies that already end in a blank line;
// unframed input passes through with only the line-ending rewrite.
func Decode(frame []byte) string {
	s := string(frame)
	if strings.HasPrefix(s, string(rune(SOH))) {
		s = s[1:]
	}
	if strings.HasSuffix(s, string(rune(ETX))) {
		s = s[:len(s)-1]
	}
	return strings.ReplaceAll(s, "\r\r\n", "\n\n")
}

// IsFramed reports whether b starts with SOH.
func IsFramed(b []byte) bool {
	return len(b) > 0 && b[0] == SOH
}
