package sentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	exifHeader = []byte{0xFF, 0xD8, 0xFF, 0xE1, 0x00, 0x18, 'E', 'x', 'i', 'f', 0x00}
	webpHeader = []byte{'R', 'I', 'F', 'F', 0x24, 0x00, 0x00, 0x00, 'W', 'E', 'B', 'P', 'V', 'P', '8', ' '}
)

func withBody(head []byte, body string) []byte {
	out := append([]byte(nil), head...)
	return append(out, body...)
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"jpeg jfif", jpegHeader, FormatJPEG},
		{"jpeg exif", exifHeader, FormatJPEG},
		{"png", pngHeader, FormatPNG},
		{"webp", webpHeader, FormatWEBP},
		{"gif87a", []byte("GIF87a"), FormatGIF},
		{"gif89a", []byte("GIF89a"), FormatGIF},
		{"riff wave", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), FormatUnknown},
		{"jpeg quantization marker", []byte{0xFF, 0xD8, 0xFF, 0xDB}, FormatUnknown},
		{"short", []byte{0x89, 'P'}, FormatUnknown},
		{"empty", nil, FormatUnknown},
		{"html", []byte("<html>"), FormatUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectFormat(tc.data))
		})
	}
}

func TestHeaderHex(t *testing.T) {
	assert.Equal(t, "89504e470d0a1a0a", HeaderHex(withBody(pngHeader, "IHDR")))
	assert.Equal(t, "ffd8", HeaderHex([]byte{0xFF, 0xD8}))
}

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, "image/png", NormalizeMIME(" Image/PNG "))
	assert.Equal(t, "text/plain", NormalizeMIME("text/plain; charset=utf-8"))
	assert.Equal(t, "", NormalizeMIME(""))
}

func TestMIMEFromName(t *testing.T) {
	assert.Equal(t, "image/jpeg", MIMEFromName("/tmp/photo.JPG"))
	assert.Equal(t, "image/png", MIMEFromName("a.png"))
	assert.Equal(t, "image/webp", MIMEFromName("a.webp"))
	assert.Equal(t, "image/gif", MIMEFromName("a.gif"))
	assert.Equal(t, "", MIMEFromName("noext"))
}

func TestValidator_MIME(t *testing.T) {
	v := NewValidator(nil, 0, false)
	for _, m := range []string{"image/jpeg", "image/png", "image/webp", "image/gif", "image/png; q=1"} {
		assert.Nil(t, v.CheckMIME(m), m)
	}
	for _, m := range []string{"", "text/html", "image/svg+xml", "application/octet-stream", "image/bmp"} {
		rej := v.CheckMIME(m)
		require.NotNil(t, rej, m)
		assert.Equal(t, KindInvalidMimeType, rej.Kind)
		assert.ErrorIs(t, rej, ErrInvalidMimeType)
	}
}

func TestValidator_Size(t *testing.T) {
	v := NewValidator(nil, 0, false)
	assert.Equal(t, DefaultMaxSize, v.MaxSize())
	assert.Nil(t, v.CheckSize(DefaultMaxSize))

	rej := v.CheckSize(DefaultMaxSize + 1)
	require.NotNil(t, rej)
	assert.Equal(t, KindOversizedPayload, rej.Kind)
	assert.ErrorIs(t, rej, ErrOversizedPayload)
}

func TestValidator_Magic(t *testing.T) {
	v := NewValidator(nil, 0, false)

	f, rej := v.CheckMagic(pngHeader)
	assert.Nil(t, rej)
	assert.Equal(t, FormatPNG, f)

	f, rej = v.CheckMagic([]byte("GIF89a"))
	require.NotNil(t, rej)
	assert.Equal(t, FormatGIF, f)
	assert.Equal(t, KindDisallowedFormat, rej.Kind)

	_, rej = v.CheckMagic([]byte("%PDF-1.7"))
	require.NotNil(t, rej)
	assert.Equal(t, KindUnrecognizedFormat, rej.Kind)
	assert.Contains(t, rej.Error(), "255044462d312e37")

	gifAware := NewValidator(nil, 0, true)
	f, rej = gifAware.CheckMagic([]byte("GIF89a"))
	assert.Nil(t, rej)
	assert.Equal(t, FormatGIF, f)
}

func TestValidator_ValidateOrder(t *testing.T) {
	v := NewValidator([]string{"image/png"}, 4, false)

	// MIME is checked before size and bytes.
	_, rej := v.Validate([]byte("junk"), "image/jpeg", 1000)
	require.NotNil(t, rej)
	assert.Equal(t, KindInvalidMimeType, rej.Kind)

	_, rej = v.Validate(pngHeader, "image/png", 8)
	require.NotNil(t, rej)
	assert.Equal(t, KindOversizedPayload, rej.Kind)

	_, rej = v.Validate([]byte("junk"), "image/png", 4)
	require.NotNil(t, rej)
	assert.Equal(t, KindUnrecognizedFormat, rej.Kind)
}
