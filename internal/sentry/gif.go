package sentry

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	gifExtensionIntroducer = 0x21
	gifTrailer             = 0x3B

	gifGraphicControl = 0xF9
	gifComment        = 0xFE
	gifApplication    = 0xFF

	gifHeaderLen = 6
	// introducer, label, block size 4, four data bytes, terminator
	gifGraphicControlLen = 8
	// introducer, label, length byte
	gifSubBlockHead = 3
	// unknown labels are skipped as introducer plus label only
	gifUnknownAdvance = 2
)

// GIFExtension is one extension block seen by the walker.
type GIFExtension struct {
	Type   string `json:"type" yaml:"type"`
	Label  string `json:"label" yaml:"label"`
	Offset int    `json:"offset" yaml:"offset"`
	Data   string `json:"data,omitempty" yaml:"data,omitempty"`
}

// GIFReport describes the block structure of a GIF without decoding pixels.
type GIFReport struct {
	Header         string         `json:"header" yaml:"header"`
	Version        string         `json:"version,omitempty" yaml:"version,omitempty"`
	ValidGIF       bool           `json:"valid_gif" yaml:"valid_gif"`
	HasComment     bool           `json:"has_comment" yaml:"has_comment"`
	Comments       []string       `json:"comments,omitempty" yaml:"comments,omitempty"`
	HasExtension   bool           `json:"has_extension" yaml:"has_extension"`
	Extensions     []GIFExtension `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	Terminated     bool           `json:"terminated" yaml:"terminated"`
	Partial        bool           `json:"partial" yaml:"partial"`
	PartialReasons []string       `json:"partial_reasons,omitempty" yaml:"partial_reasons,omitempty"`
	Warnings       []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Issues flattens warnings and partial-parse reasons for attaching to a
// scan result.
func (r *GIFReport) Issues() []string {
	out := make([]string, 0, len(r.Warnings)+len(r.PartialReasons))
	for _, w := range r.Warnings {
		out = append(out, "gif: "+w)
	}
	for _, p := range r.PartialReasons {
		out = append(out, "gif partial parse: "+p)
	}
	return out
}

type gifState int

const (
	gifStateHeader gifState = iota
	gifStateBlock
	gifStateExtension
	gifStateGraphicControl
	gifStateComment
	gifStateApplication
	gifStateUnknownExtension
	gifStateImageData
	gifStateTrailer
	gifStateEnd
)

type gifWalker struct {
	buf    []byte
	off    int
	report *GIFReport
}

// WalkGIF walks the blocks that follow the header, recording extension
// blocks and comment text. Each state advances the offset by a fixed
// amount:
//
//	GraphicControl    8
//	Comment           3 + buf[off+2] + 1
//	Application       3 + buf[off+2] + 1
//	UnknownExtension  2 (marks the report partial)
//	ImageData         1
//
// Running out of bytes before the trailer marks the report partial.
func WalkGIF(buf []byte) *GIFReport {
	w := &gifWalker{buf: buf, report: &GIFReport{}}
	for state := gifStateHeader; state != gifStateEnd; {
		state = w.step(state)
	}
	return w.report
}

func (w *gifWalker) step(s gifState) gifState {
	switch s {
	case gifStateHeader:
		return w.header()
	case gifStateBlock:
		return w.block()
	case gifStateExtension:
		return w.extension()
	case gifStateGraphicControl:
		return w.graphicControl()
	case gifStateComment:
		return w.comment()
	case gifStateApplication:
		return w.application()
	case gifStateUnknownExtension:
		return w.unknownExtension()
	case gifStateImageData:
		w.off++
		return gifStateBlock
	case gifStateTrailer:
		w.report.Terminated = true
		return gifStateEnd
	}
	return gifStateEnd
}

func (w *gifWalker) header() gifState {
	head := string(w.buf[:min(len(w.buf), gifHeaderLen)])
	w.report.Header = head
	if head != "GIF87a" && head != "GIF89a" {
		return gifStateEnd
	}
	w.report.ValidGIF = true
	w.report.Version = head
	w.off = gifHeaderLen
	return gifStateBlock
}

func (w *gifWalker) block() gifState {
	if w.off >= len(w.buf) {
		w.partial("trailer not found before end of data")
		return gifStateEnd
	}
	switch w.buf[w.off] {
	case gifExtensionIntroducer:
		return gifStateExtension
	case gifTrailer:
		return gifStateTrailer
	}
	return gifStateImageData
}

func (w *gifWalker) extension() gifState {
	w.report.HasExtension = true
	if w.off+1 >= len(w.buf) {
		w.partial(fmt.Sprintf("extension introducer at offset %d has no label", w.off))
		return gifStateEnd
	}
	switch w.buf[w.off+1] {
	case gifGraphicControl:
		return gifStateGraphicControl
	case gifComment:
		return gifStateComment
	case gifApplication:
		return gifStateApplication
	}
	return gifStateUnknownExtension
}

func (w *gifWalker) graphicControl() gifState {
	end := w.off + gifGraphicControlLen
	if end > len(w.buf) {
		w.truncated("Graphic Control Extension")
		return gifStateEnd
	}
	w.record("Graphic Control Extension", w.buf[w.off+2:end])
	w.off = end
	return gifStateBlock
}

func (w *gifWalker) comment() gifState {
	payload, ok := w.subBlock("Comment Extension")
	if !ok {
		return gifStateEnd
	}
	text := strings.ToValidUTF8(string(payload), "�")
	w.report.HasComment = true
	w.report.Comments = append(w.report.Comments, text)
	w.record("Comment Extension", payload)
	if strings.Contains(text, "<script>") || strings.Contains(text, "javascript:") {
		w.report.Warnings = append(w.report.Warnings,
			fmt.Sprintf("comment at offset %d contains script-like content", w.off))
	}
	w.off += gifSubBlockHead + len(payload) + 1
	return gifStateBlock
}

func (w *gifWalker) application() gifState {
	payload, ok := w.subBlock("Application Extension")
	if !ok {
		return gifStateEnd
	}
	w.record("Application Extension", payload)
	w.off += gifSubBlockHead + len(payload) + 1
	return gifStateBlock
}

func (w *gifWalker) unknownExtension() gifState {
	w.record("Unknown Extension", nil)
	w.partial(fmt.Sprintf("unknown extension label 0x%02X at offset %d, skipped %d bytes",
		w.buf[w.off+1], w.off, gifUnknownAdvance))
	w.off += gifUnknownAdvance
	return gifStateBlock
}

// subBlock returns the payload of the first data sub-block of the extension
// at the current offset.
func (w *gifWalker) subBlock(kind string) ([]byte, bool) {
	if w.off+gifSubBlockHead > len(w.buf) {
		w.truncated(kind)
		return nil, false
	}
	start := w.off + gifSubBlockHead
	end := start + int(w.buf[w.off+2])
	if end > len(w.buf) {
		w.truncated(kind)
		return nil, false
	}
	return w.buf[start:end], true
}

func (w *gifWalker) record(kind string, data []byte) {
	ext := GIFExtension{
		Type:   kind,
		Label:  fmt.Sprintf("0x%02X", w.buf[w.off+1]),
		Offset: w.off,
	}
	if len(data) > 0 {
		ext.Data = hex.EncodeToString(data)
	}
	w.report.Extensions = append(w.report.Extensions, ext)
}

func (w *gifWalker) truncated(kind string) {
	w.partial(fmt.Sprintf("%s at offset %d runs past end of data", kind, w.off))
}

func (w *gifWalker) partial(reason string) {
	w.report.Partial = true
	w.report.PartialReasons = append(w.report.PartialReasons, reason)
}
