package sentry

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(t *testing.T, opts Options) *Scanner {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestScan_CleanImagesPass(t *testing.T) {
	s := newScanner(t, Options{})
	ctx := context.Background()

	for _, in := range []Input{
		{Name: "a.png", MIME: "image/png", Data: withBody(pngHeader, "IHDR clean")},
		{Name: "a.jpg", MIME: "image/jpeg", Data: withBody(jpegHeader, "clean")},
		{Name: "b.jpg", MIME: "image/jpeg", Data: withBody(exifHeader, "clean")},
		{Name: "a.webp", MIME: "image/webp", Data: withBody(webpHeader, "clean")},
	} {
		res := s.Scan(ctx, in)
		assert.True(t, res.Passed(), "%s: %s", in.Name, res)
		assert.Equal(t, "ok", res.String())
		assert.NoError(t, res.Err())
	}
}

func TestScan_DisallowedMIMEIgnoresContent(t *testing.T) {
	s := newScanner(t, Options{})
	for _, mt := range []string{"text/html", "image/svg+xml", "", "application/octet-stream"} {
		for _, data := range [][]byte{withBody(pngHeader, "clean"), []byte("<script>x</script>"), nil} {
			res := s.Scan(context.Background(), Input{Name: "x", MIME: mt, Data: data})
			require.False(t, res.Passed())
			assert.Equal(t, KindInvalidMimeType, res.Rejection.Kind)
			assert.ErrorIs(t, res.Err(), ErrInvalidMimeType)
		}
	}
}

func TestScan_OversizedBeatsValidContent(t *testing.T) {
	s := newScanner(t, Options{MaxSize: 16})
	res := s.Scan(context.Background(), Input{Name: "big.png", MIME: "image/png", Data: withBody(pngHeader, strings.Repeat("x", 32))})

	require.False(t, res.Passed())
	assert.Equal(t, KindOversizedPayload, res.Rejection.Kind)
	assert.Equal(t, int64(40), res.Size)
}

func TestScan_DeclaredSizeTooSmallStillCaught(t *testing.T) {
	s := newScanner(t, Options{MaxSize: 16})
	data := withBody(pngHeader, strings.Repeat("x", 32))
	res := s.ScanReader(context.Background(), "liar.png", "image/png", 10, bytes.NewReader(data))

	require.False(t, res.Passed())
	assert.Equal(t, KindOversizedPayload, res.Rejection.Kind)
	assert.Equal(t, int64(17), res.Size)
}

func TestScan_MagicNumbers(t *testing.T) {
	s := newScanner(t, Options{})
	ctx := context.Background()

	res := s.Scan(ctx, Input{Name: "a.png", MIME: "image/png", Data: []byte("not really a png")})
	require.False(t, res.Passed())
	assert.Equal(t, KindUnrecognizedFormat, res.Rejection.Kind)
	assert.ErrorIs(t, res.Err(), ErrUnrecognizedFormat)

	// a declared type does not have to agree with the signature
	res = s.Scan(ctx, Input{Name: "a.jpg", MIME: "image/jpeg", Data: withBody(pngHeader, "clean")})
	assert.True(t, res.Passed())
	assert.Equal(t, FormatPNG, res.Format)
	assert.Equal(t, "image/png", res.DetectedMIME)

	res = s.Scan(ctx, Input{Name: "a.gif", MIME: "image/gif", Data: gifOf(trailer)})
	require.False(t, res.Passed())
	assert.Equal(t, KindDisallowedFormat, res.Rejection.Kind)
	assert.Equal(t, FormatGIF, res.Format)
}

func TestScan_ScriptTagReportedAtFirstBracket(t *testing.T) {
	s := newScanner(t, Options{})
	data := withBody(pngHeader, "IHDR<script>alert(1)</script>")

	res := s.Scan(context.Background(), Input{Name: "x.png", MIME: "image/png", Data: data})

	require.False(t, res.Passed())
	assert.Equal(t, KindPatternMatch, res.Rejection.Kind)
	require.NotNil(t, res.Rejection.Match)
	assert.Equal(t, 12, res.Rejection.Match.Offset)
	assert.Equal(t, defaultExprs[0], res.Rejection.Match.Pattern)
	assert.Equal(t, "&lt;script&gt;alert(1)&lt;&#x2F;script&gt;", res.Rejection.Match.Excerpt)
	assert.Contains(t, res.String(), "at offset 12")
	assert.ErrorIs(t, res.Err(), ErrPatternMatch)
}

func TestScan_IndependentScans(t *testing.T) {
	s := newScanner(t, Options{})
	late := withBody(pngHeader, strings.Repeat("a", 40)+"<script>x</script>")
	early := withBody(pngHeader, "aa<script>y</script>")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i, data := range [][]byte{late, early} {
		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			results[i] = s.Scan(context.Background(), Input{Name: "x.png", MIME: "image/png", Data: data})
		}(i, data)
	}
	wg.Wait()

	assert.Equal(t, 48, results[0].Rejection.Match.Offset)
	assert.Equal(t, 10, results[1].Rejection.Match.Offset)

	again := s.Scan(context.Background(), Input{Name: "x.png", MIME: "image/png", Data: late})
	assert.Equal(t, 48, again.Rejection.Match.Offset)
}

func TestScan_Charset(t *testing.T) {
	_, err := New(Options{Charset: "klingon"})
	require.Error(t, err)

	s := newScanner(t, Options{Charset: "euc-kr"})
	data := withBody(jpegHeader, "<iframe src=x></iframe>")
	res := s.Scan(context.Background(), Input{Name: "k.jpg", MIME: "image/jpeg", Data: data})
	require.False(t, res.Passed())
	assert.Equal(t, KindPatternMatch, res.Rejection.Kind)
}

func TestScan_ExtraRules(t *testing.T) {
	rules := DefaultRuleSet().With(NewPlainRule("TRACKING-PIXEL", true))
	s := newScanner(t, Options{Rules: rules})

	res := s.Scan(context.Background(), Input{Name: "t.png", MIME: "image/png", Data: withBody(pngHeader, "tracking-pixel")})
	require.False(t, res.Passed())
	assert.Equal(t, "plain:i:TRACKING-PIXEL", res.Rejection.Match.Pattern)
	assert.Same(t, rules, s.Rules())
}

func TestScan_GIFAware(t *testing.T) {
	s := newScanner(t, Options{AllowGIF: true})
	ctx := context.Background()

	res := s.Scan(ctx, Input{Name: "ok.gif", MIME: "image/gif", Data: gifOf(trailer)})
	require.True(t, res.Passed(), res.String())
	require.NotNil(t, res.GIF)
	assert.True(t, res.GIF.ValidGIF)
	assert.Empty(t, res.Warnings)

	// the comment heuristic warns without rejecting
	res = s.Scan(ctx, Input{Name: "c.gif", MIME: "image/gif", Data: gifOf(commentBlock("<script>"), trailer)})
	require.True(t, res.Passed(), res.String())
	require.Len(t, res.Warnings, 1)
	assert.True(t, res.GIF.HasComment)

	res = s.Scan(ctx, Input{Name: "p.gif", MIME: "image/gif", Data: gifOf()})
	require.True(t, res.Passed())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "partial parse")

	res = s.Scan(ctx, Input{Name: "bad.gif", MIME: "image/gif", Data: []byte("GIF8xa;")})
	require.False(t, res.Passed())
	assert.Equal(t, KindUnrecognizedFormat, res.Rejection.Kind)

	res = s.Scan(ctx, Input{Name: "x.gif", MIME: "image/gif", Data: gifOf(commentBlock("javascript:alert(1)"), trailer)})
	require.False(t, res.Passed())
	assert.Equal(t, KindPatternMatch, res.Rejection.Kind)
	require.NotNil(t, res.GIF)
	assert.Len(t, res.GIF.Warnings, 1)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestScanReader_ReadError(t *testing.T) {
	s := newScanner(t, Options{})
	res := s.ScanReader(context.Background(), "broken.png", "image/png", 100, failingReader{})

	require.False(t, res.Passed())
	assert.Equal(t, KindReadError, res.Rejection.Kind)
	assert.ErrorIs(t, res.Err(), ErrRead)
	assert.ErrorIs(t, res.Err(), io.ErrUnexpectedEOF)

	// a rejected type is reported before the stream is touched
	res = s.ScanReader(context.Background(), "broken.txt", "text/plain", 100, failingReader{})
	assert.Equal(t, KindInvalidMimeType, res.Rejection.Kind)
}

// headerThenError yields its head once, then fails every later read.
type headerThenError struct {
	head  []byte
	reads int
}

func (h *headerThenError) Read(p []byte) (int, error) {
	h.reads++
	if len(h.head) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, h.head)
	h.head = h.head[n:]
	return n, nil
}

func TestScanReader_MagicCheckedBeforeBody(t *testing.T) {
	s := newScanner(t, Options{})

	r := &headerThenError{head: []byte("not a png at all")}
	res := s.ScanReader(context.Background(), "x.png", "image/png", 100, r)
	require.False(t, res.Passed())
	assert.Equal(t, KindUnrecognizedFormat, res.Rejection.Kind)
	assert.Equal(t, 1, r.reads, "body must not be read after a bad header")

	// a good header followed by a failing body is a read error
	r = &headerThenError{head: withBody(pngHeader, "IHDR")}
	res = s.ScanReader(context.Background(), "y.png", "image/png", 100, r)
	require.False(t, res.Passed())
	assert.Equal(t, KindReadError, res.Rejection.Kind)
	assert.Equal(t, FormatPNG, res.Format)
}

func TestScanReader_ShortPayload(t *testing.T) {
	s := newScanner(t, Options{})
	res := s.ScanReader(context.Background(), "tiny.png", "image/png", 3, bytes.NewReader([]byte{0x89, 'P', 'N'}))
	require.False(t, res.Passed())
	assert.Equal(t, KindUnrecognizedFormat, res.Rejection.Kind)
}

func TestScan_OffsetAfterInvalidUTF8(t *testing.T) {
	s := newScanner(t, Options{})
	// E2 82 is a truncated three-byte sequence and decodes to one U+FFFD
	data := withBody(pngHeader, "\xE2\x82<script>x</script>")

	res := s.Scan(context.Background(), Input{Name: "x.png", MIME: "image/png", Data: data})
	require.False(t, res.Passed())
	assert.Equal(t, 9, res.Rejection.Match.Offset)
}

func TestScan_CancelledContext(t *testing.T) {
	s := newScanner(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Scan(ctx, Input{Name: "a.png", MIME: "image/png", Data: withBody(pngHeader, "x")})
	require.False(t, res.Passed())
	assert.Equal(t, KindReadError, res.Rejection.Kind)
	assert.ErrorIs(t, res.Err(), context.Canceled)
}

func TestScanFile(t *testing.T) {
	dir := t.TempDir()
	s := newScanner(t, Options{})
	ctx := context.Background()

	clean := filepath.Join(dir, "clean.png")
	require.NoError(t, os.WriteFile(clean, withBody(pngHeader, "IHDR"), 0644))
	res := s.ScanFile(ctx, clean)
	assert.True(t, res.Passed(), res.String())
	assert.Equal(t, "image/png", res.DeclaredMIME)
	assert.Equal(t, int64(12), res.Size)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, withBody(pngHeader, "IHDR"), 0644))
	res = s.ScanFile(ctx, txt)
	assert.Equal(t, KindInvalidMimeType, res.Rejection.Kind)

	res = s.ScanFile(ctx, filepath.Join(dir, "missing.png"))
	assert.Equal(t, KindReadError, res.Rejection.Kind)
	assert.True(t, errors.Is(res.Err(), fs.ErrNotExist))

	res = s.ScanFile(ctx, dir)
	assert.Equal(t, KindReadError, res.Rejection.Kind)
}

func TestScanFile_Sniff(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "upload.bin")
	require.NoError(t, os.WriteFile(blob, withBody(pngHeader, "IHDR"), 0644))

	res := newScanner(t, Options{}).ScanFile(context.Background(), blob)
	assert.Equal(t, KindInvalidMimeType, res.Rejection.Kind)

	res = newScanner(t, Options{SniffMIME: true}).ScanFile(context.Background(), blob)
	assert.True(t, res.Passed(), res.String())
	assert.Equal(t, "image/png", res.DeclaredMIME)
}

func TestScan_Probe(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	s := newScanner(t, Options{Probe: true})
	res := s.Scan(context.Background(), Input{Name: "real.png", MIME: "image/png", Data: buf.Bytes()})
	require.True(t, res.Passed(), res.String())
	require.NotNil(t, res.Image)
	assert.Equal(t, "png", res.Image.Format)
	assert.Equal(t, 3, res.Image.Width)
	assert.Equal(t, 2, res.Image.Height)

	res = s.Scan(context.Background(), Input{Name: "fake.png", MIME: "image/png", Data: withBody(pngHeader, "IHDR")})
	require.True(t, res.Passed())
	assert.Nil(t, res.Image)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "could not be decoded")
}

func TestRejection_Error(t *testing.T) {
	r := &Rejection{Kind: KindDisallowedFormat, Reason: "gif"}
	assert.Equal(t, "disallowed file format: gif", r.Error())
	assert.Equal(t, "disallowed file format", (&Rejection{Kind: KindDisallowedFormat}).Error())

	var target *Rejection
	require.True(t, errors.As(ReadFailure("x", io.EOF).Err(), &target))
	assert.Equal(t, KindReadError, target.Kind)

	text, err := KindPatternMatch.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "pattern_match", string(text))
	assert.Equal(t, "kind(42)", Kind(42).String())
}
