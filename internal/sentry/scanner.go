// Package sentry screens image payloads for script-injection content.
//
// A scan is a single pass: declared MIME type, size ceiling, magic number,
// then the content decoded as text is matched against an ordered rule list.
// GIF-aware scanners additionally walk the GIF block structure and attach
// its findings as warnings. A Scanner holds no per-scan state and is safe
// for concurrent use.
package sentry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding"
)

// Options configures a Scanner. Zero values select the defaults.
type Options struct {
	AllowedMIME []string
	MaxSize     int64
	// AllowGIF accepts GIF payloads and walks their block structure.
	AllowGIF bool
	// Probe decodes the image header to record dimensions.
	Probe bool
	// SniffMIME declares local files by content instead of extension, and
	// URL bodies served without a Content-Type by content.
	SniffMIME  bool
	Charset    string
	ExcerptLen int
	Rules      *RuleSet
	Fetcher    Fetcher
}

type Scanner struct {
	validator  *Validator
	rules      *RuleSet
	charset    encoding.Encoding
	fetcher    Fetcher
	excerptLen int
	probe      bool
	sniff      bool
}

func New(opts Options) (*Scanner, error) {
	enc, err := lookupCharset(opts.Charset)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		validator:  NewValidator(opts.AllowedMIME, opts.MaxSize, opts.AllowGIF),
		rules:      opts.Rules,
		charset:    enc,
		fetcher:    opts.Fetcher,
		excerptLen: opts.ExcerptLen,
		probe:      opts.Probe,
		sniff:      opts.SniffMIME,
	}
	if s.rules == nil {
		s.rules = DefaultRuleSet()
	}
	if s.fetcher == nil {
		s.fetcher = NewHTTPFetcher(30 * time.Second)
	}
	if s.excerptLen <= 0 {
		s.excerptLen = DefaultExcerptLen
	}
	return s, nil
}

// Rules exposes the immutable rule list in evaluation order.
func (s *Scanner) Rules() *RuleSet { return s.rules }

// Input is a caller-owned buffer with its declared metadata.
// A zero Size means len(Data).
type Input struct {
	Name string
	MIME string
	Size int64
	Data []byte
}

// Result is the outcome of one scan. Rejection is nil when the scan passed.
type Result struct {
	Name         string     `json:"name"`
	Format       Format     `json:"format,omitempty"`
	DeclaredMIME string     `json:"declared_mime"`
	DetectedMIME string     `json:"detected_mime,omitempty"`
	Size         int64      `json:"size"`
	Rejection    *Rejection `json:"rejection,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	GIF          *GIFReport `json:"gif,omitempty"`
	Image        *ImageInfo `json:"image,omitempty"`
}

func (r *Result) Passed() bool { return r.Rejection == nil }

// Err returns the rejection as an error, or nil.
func (r *Result) Err() error {
	if r.Rejection == nil {
		return nil
	}
	return r.Rejection
}

// String renders "ok" for a pass and the rejection message otherwise.
func (r *Result) String() string {
	if r.Rejection == nil {
		return "ok"
	}
	return r.Rejection.Error()
}

// ReadFailure builds the result for a payload that could not be read at all.
func ReadFailure(name string, err error) *Result {
	return &Result{Name: name, Rejection: readError(err)}
}

func (s *Scanner) Scan(ctx context.Context, in Input) *Result {
	size := in.Size
	if size == 0 {
		size = int64(len(in.Data))
	}
	return s.run(ctx, in.Name, in.MIME, size, memOpener(in.Data))
}

// ScanReader scans a stream whose size is known up front, such as an archive
// entry. Only the header is read before the magic number check; the rest is
// read once the header passes.
func (s *Scanner) ScanReader(ctx context.Context, name, declared string, size int64, r io.Reader) *Result {
	return s.run(ctx, name, declared, size, func() (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	})
}

// ScanFile scans a local file. The declared type comes from the extension,
// or from the content when the scanner sniffs.
func (s *Scanner) ScanFile(ctx context.Context, path string) *Result {
	st, err := os.Stat(path)
	if err != nil {
		return ReadFailure(path, err)
	}
	if st.IsDir() {
		return ReadFailure(path, fmt.Errorf("%s: is a directory", path))
	}

	declared := MIMEFromName(path)
	if s.sniff {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			return ReadFailure(path, err)
		}
		declared = NormalizeMIME(mt.String())
	}

	return s.run(ctx, path, declared, st.Size(), func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// ScanURL fetches url once and scans the body. The declared type is the
// response Content-Type. Without one the type is sniffed from the body when
// the scanner sniffs, and is otherwise empty, which the allow-list rejects.
func (s *Scanner) ScanURL(ctx context.Context, url string) *Result {
	fetched, err := s.fetcher.Fetch(ctx, url, s.validator.MaxSize())
	if err != nil {
		return ReadFailure(url, err)
	}
	declared := NormalizeMIME(fetched.ContentType)
	if declared == "" && s.sniff && len(fetched.Data) > 0 {
		declared = NormalizeMIME(mimetype.Detect(fetched.Data).String())
	}
	return s.run(ctx, url, declared, fetched.Size, memOpener(fetched.Data))
}

func memOpener(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func (s *Scanner) run(ctx context.Context, name, declared string, size int64, open func() (io.ReadCloser, error)) *Result {
	res := &Result{Name: name, DeclaredMIME: declared, Size: size}

	if res.Rejection = s.validator.CheckMIME(declared); res.Rejection != nil {
		return res
	}
	if res.Rejection = s.validator.CheckSize(size); res.Rejection != nil {
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Rejection = readError(err)
		return res
	}

	rc, err := open()
	if err != nil {
		res.Rejection = readError(err)
		return res
	}
	defer rc.Close()

	head, err := readHead(rc)
	if err != nil {
		res.Rejection = readError(err)
		return res
	}
	res.Format, res.Rejection = s.validator.CheckMagic(head)
	if res.Rejection != nil {
		return res
	}

	// one byte past the ceiling so an understated size is caught
	rest, err := readLimited(rc, s.validator.MaxSize()-int64(len(head)))
	if err != nil {
		res.Rejection = readError(err)
		return res
	}
	data := append(head, rest...)
	if n := int64(len(data)); n > res.Size {
		res.Size = n
		if res.Rejection = s.validator.CheckSize(n); res.Rejection != nil {
			return res
		}
	}
	res.DetectedMIME = NormalizeMIME(mimetype.Detect(data).String())

	if res.Format == FormatGIF {
		res.GIF = WalkGIF(data)
		if !res.GIF.ValidGIF {
			res.Rejection = reject(KindUnrecognizedFormat, "invalid GIF header %q", res.GIF.Header)
			return res
		}
		res.Warnings = append(res.Warnings, res.GIF.Issues()...)
	}

	if m := s.rules.Scan(decodeText(data, s.charset), s.excerptLen); m != nil {
		res.Rejection = &Rejection{
			Kind:   KindPatternMatch,
			Reason: fmt.Sprintf("%s at offset %d, content: %s...", m.Pattern, m.Offset, m.Excerpt),
			Match:  m,
		}
		return res
	}

	if s.probe {
		info, err := probeImage(data)
		if err != nil {
			res.Warnings = append(res.Warnings, "image header could not be decoded: "+err.Error())
		} else {
			res.Image = info
		}
	}
	return res
}

// readHead reads up to headerLen bytes. A payload shorter than the header is
// not an error; the magic number check rejects it.
func readHead(r io.Reader) ([]byte, error) {
	head := make([]byte, headerLen)
	n := 0
	for n < len(head) {
		m, err := r.Read(head[n:])
		n += m
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return head[:n], nil
}

// readLimited reads at most limit+1 bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit < 0 {
		limit = 0
	}
	return io.ReadAll(io.LimitReader(r, limit+1))
}
