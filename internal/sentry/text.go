package sentry

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"/", "&#x2F;",
)

// EscapeHTML replaces markup characters with entities so an excerpt can be
// shown inside HTML.
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }

// Excerpt returns up to n characters of text starting at byte index from.
// Invalid UTF-8 is replaced so the result is safe to print.
func Excerpt(text string, from, n int) string {
	if from < 0 || from >= len(text) || n <= 0 {
		return ""
	}
	rest := text[from:]
	end, count := len(rest), 0
	for i := range rest {
		if count == n {
			end = i
			break
		}
		count++
	}
	return strings.ToValidUTF8(rest[:end], "�")
}

// lookupCharset resolves a WHATWG encoding label. Empty and UTF-8 labels
// return nil, meaning the bytes are used as is.
func lookupCharset(label string) (encoding.Encoding, error) {
	if strings.TrimSpace(label) == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", label, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

// decodeText interprets data as text. Decoding is best effort: input the
// charset cannot decode falls back to UTF-8.
func decodeText(data []byte, enc encoding.Encoding) string {
	if enc == nil {
		return decodeUTF8(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return decodeUTF8(data)
	}
	return string(out)
}

// decodeUTF8 replaces each maximal invalid subpart with one U+FFFD, the way
// the WHATWG UTF-8 decoder does, so "\xE2\x82<" decodes to two characters.
func decodeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var sb strings.Builder
	sb.Grow(len(data) + 16)
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r != utf8.RuneError || size > 1 {
			sb.Write(data[i : i+size])
			i += size
			continue
		}
		sb.WriteRune(utf8.RuneError)
		i += invalidSubpart(data[i:])
	}
	return sb.String()
}

// invalidSubpart returns the length of the longest prefix of b that could
// start a well-formed sequence. b does not start with one.
func invalidSubpart(b []byte) int {
	lo, hi, need := byte(0x80), byte(0xBF), 0
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		lo, need = 0xA0, 2
	case c == 0xED:
		hi, need = 0x9F, 2
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		lo, need = 0x90, 3
	case c == 0xF4:
		hi, need = 0x8F, 3
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for n <= need && n < len(b) {
		if b[n] < lo || b[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}

// DecodeText is decodeText keyed by an encoding label.
func DecodeText(data []byte, charset string) (string, error) {
	enc, err := lookupCharset(charset)
	if err != nil {
		return "", err
	}
	return decodeText(data, enc), nil
}
