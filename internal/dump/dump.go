// Package dump renders file bytes as a fixed-width listing in base 8, 16
// or 32, sixteen bytes per line behind an upper-case hex address.
package dump

import (
	"bufio"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const bytesPerLine = 16

var ErrBase = errors.New("unsupported base")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

type Options struct {
	// Base is 8, 16 or 32.
	Base int
	// Lines caps the number of complete lines; 0 means no limit.
	Lines int
}

func formatter(base int) (func(byte) string, error) {
	switch base {
	case 8:
		return func(b byte) string { return fmt.Sprintf("%03o", b) }, nil
	case 16:
		return func(b byte) string { return fmt.Sprintf("%02X", b) }, nil
	case 32:
		return func(b byte) string { return b32.EncodeToString([]byte{b}) }, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrBase, base)
}

// Write streams r into w. Reading stops as soon as the line limit is hit.
func Write(w io.Writer, r io.Reader, opts Options) error {
	format, err := formatter(opts.Base)
	if err != nil {
		return err
	}

	br := bufio.NewReaderSize(r, 64*1024)
	bw := bufio.NewWriter(w)
	lines := 0
	for addr := 0; ; addr++ {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if addr%bytesPerLine == 0 {
			fmt.Fprintf(bw, "%08X: ", addr)
		}
		bw.WriteString(format(b))
		bw.WriteByte(' ')
		if (addr+1)%bytesPerLine == 0 {
			bw.WriteByte('\n')
			lines++
			if opts.Lines > 0 && lines >= opts.Lines {
				break
			}
		}
	}
	return bw.Flush()
}

// String is Write into a string.
func String(r io.Reader, opts Options) (string, error) {
	var sb strings.Builder
	if err := Write(&sb, r, opts); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ParseBase accepts "8", "16", "32" and the aliases "oct", "hex", "b32".
func ParseBase(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oct":
		return 8, nil
	case "hex":
		return 16, nil
	case "b32", "base32":
		return 32, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBase, s)
	}
	if _, err := formatter(n); err != nil {
		return 0, err
	}
	return n, nil
}
