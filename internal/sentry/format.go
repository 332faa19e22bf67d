package sentry

import (
	"bytes"
	"encoding/hex"
	"mime"
	"path/filepath"
	"strings"
)

// Format is an image container recognised by its magic number.
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWEBP    Format = "webp"
	FormatGIF     Format = "gif"
)

// DefaultMaxSize is the payload ceiling used when Options.MaxSize is zero.
const DefaultMaxSize int64 = 10 << 20

// headerLen covers the RIFF container header, where "WEBP" sits at bytes 8..11.
const headerLen = 12

// DefaultAllowedMIME lists the declared types a scan accepts by default.
var DefaultAllowedMIME = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

type signature struct {
	format   Format
	prefix   []byte
	contains []byte
}

var signatures = []signature{
	{format: FormatJPEG, prefix: []byte{0xFF, 0xD8, 0xFF, 0xE0}},
	{format: FormatJPEG, prefix: []byte{0xFF, 0xD8, 0xFF, 0xE1}},
	{format: FormatPNG, prefix: []byte{0x89, 0x50, 0x4E, 0x47}},
	{format: FormatWEBP, prefix: []byte("RIFF"), contains: []byte("WEBP")},
	{format: FormatGIF, prefix: []byte("GIF8")},
}

// DetectFormat identifies the image format from the leading bytes of data.
// It is a prefix match only; no header is parsed.
func DetectFormat(data []byte) Format {
	head := data[:min(len(data), headerLen)]
	for _, sig := range signatures {
		if !bytes.HasPrefix(head, sig.prefix) {
			continue
		}
		if sig.contains != nil && !bytes.Contains(head[len(sig.prefix):], sig.contains) {
			continue
		}
		return sig.format
	}
	return FormatUnknown
}

// HeaderHex renders the first 8 bytes as lowercase hex.
func HeaderHex(data []byte) string {
	return hex.EncodeToString(data[:min(len(data), 8)])
}

// NormalizeMIME strips parameters and lowercases a media type.
func NormalizeMIME(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	return strings.ToLower(s)
}

// MIMEFromName returns the type a browser would declare for a file name,
// derived from its extension only.
func MIMEFromName(name string) string {
	return NormalizeMIME(mime.TypeByExtension(strings.ToLower(filepath.Ext(name))))
}

// Validator rejects payloads whose declared type, size or magic number
// fall outside the allow-list.
type Validator struct {
	allowed  map[string]struct{}
	maxSize  int64
	allowGIF bool
}

// NewValidator builds a Validator. Empty allowed falls back to
// DefaultAllowedMIME, a non-positive maxSize to DefaultMaxSize.
func NewValidator(allowed []string, maxSize int64, allowGIF bool) *Validator {
	if len(allowed) == 0 {
		allowed = DefaultAllowedMIME
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	set := make(map[string]struct{}, len(allowed))
	for _, m := range allowed {
		set[NormalizeMIME(m)] = struct{}{}
	}
	return &Validator{allowed: set, maxSize: maxSize, allowGIF: allowGIF}
}

func (v *Validator) MaxSize() int64 { return v.maxSize }

func (v *Validator) CheckMIME(declared string) *Rejection {
	if _, ok := v.allowed[NormalizeMIME(declared)]; !ok {
		return reject(KindInvalidMimeType, "%q", declared)
	}
	return nil
}

func (v *Validator) CheckSize(size int64) *Rejection {
	if size > v.maxSize {
		return reject(KindOversizedPayload, "%d bytes (max %d bytes)", size, v.maxSize)
	}
	return nil
}

// CheckMagic matches the leading bytes against the known signatures.
// GIF is recognised but only accepted when the validator is GIF-aware.
func (v *Validator) CheckMagic(data []byte) (Format, *Rejection) {
	format := DetectFormat(data)
	switch format {
	case FormatUnknown:
		return format, reject(KindUnrecognizedFormat, "header %s", HeaderHex(data))
	case FormatGIF:
		if !v.allowGIF {
			return format, reject(KindDisallowedFormat, "%s", format)
		}
	}
	return format, nil
}

// Validate runs the MIME, size and magic number checks in that order.
func (v *Validator) Validate(data []byte, declared string, size int64) (Format, *Rejection) {
	if rej := v.CheckMIME(declared); rej != nil {
		return FormatUnknown, rej
	}
	if rej := v.CheckSize(size); rej != nil {
		return FormatUnknown, rej
	}
	return v.CheckMagic(data)
}
