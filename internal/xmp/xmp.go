// Package xmp pulls the XMP metadata packet out of image bytes and
// neutralises it for display.
package xmp

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	packetStart = []byte("<x:xmpmeta")
	packetEnd   = []byte("</x:xmpmeta>")

	cdataRe = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	tagRe   = regexp.MustCompile(`<[^>]*>`)

	schemes = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?i)javascript:`), "java script:"},
		{regexp.MustCompile(`(?i)vbscript:`), "vb script:"},
		{regexp.MustCompile(`(?i)data:`), "data :"},
	}

	escaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
)

// Extract returns the first complete <x:xmpmeta> packet in data.
func Extract(data []byte) ([]byte, bool) {
	start := bytes.Index(data, packetStart)
	if start < 0 {
		return nil, false
	}
	end := bytes.Index(data[start:], packetEnd)
	if end < 0 {
		return nil, false
	}
	return data[start : start+end+len(packetEnd)], true
}

// Sanitize reduces XMP markup to inert text: CDATA sections are unwrapped,
// tags removed, script-capable URI schemes broken up, and the remaining
// markup characters entity-escaped.
func Sanitize(s string) string {
	s = cdataRe.ReplaceAllString(s, "$1")
	s = tagRe.ReplaceAllLiteralString(s, "")
	for _, sc := range schemes {
		s = sc.re.ReplaceAllLiteralString(s, sc.repl)
	}
	return escaper.Replace(s)
}
