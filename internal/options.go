package internal

import (
	"errors"
	"runtime"
	"strings"
	"time"

	"ImageGuard/internal/sentry"
)

// DefaultExtensions is the whitelist used when neither list is given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// ScanOptions - public options from CLI.
type ScanOptions struct {
	Roots            []string
	URLs             []string
	PatternFile      string
	Threads          int
	Whitelist        []string
	Blacklist        []string
	Depth            int
	Archives         bool
	FailFast         bool
	ReportFile       string
	QuarantineFolder string

	MaxSize      int64
	AllowGIF     bool
	Probe        bool
	SniffMIME    bool
	Charset      string
	AllowedMIME  []string
	ExcerptLen   int
	FetchTimeout time.Duration

	whMap map[string]struct{}
	blMap map[string]struct{}
}

// Validate checks invariants.
func (o *ScanOptions) Validate() error {
	if len(o.Roots) == 0 && len(o.URLs) == 0 {
		return errors.New("nothing to scan: give paths or --url")
	}
	if o.MaxSize < 0 {
		return errors.New("max-size must not be negative")
	}
	if o.Depth < 0 {
		return errors.New("depth must not be negative")
	}
	for _, u := range o.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return errors.New("url must start with http:// or https://: " + u)
		}
	}
	return nil
}

// Prepare builds fast lookup structures and sensible defaults.
func (o *ScanOptions) Prepare() {
	o.Whitelist = NormalizeExts(o.Whitelist)
	o.Blacklist = NormalizeExts(o.Blacklist)
	if len(o.Whitelist) == 0 && len(o.Blacklist) == 0 {
		o.Whitelist = DefaultExtensions
	}
	o.whMap = toSet(o.Whitelist)
	o.blMap = toSet(o.Blacklist)
	if o.Threads <= 0 {
		o.Threads = max(8, runtime.GOMAXPROCS(0)*2)
	}
	if o.MaxSize == 0 {
		o.MaxSize = sentry.DefaultMaxSize
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
}

// scannerOptions maps batch options onto the core scanner.
func (o *ScanOptions) scannerOptions(extra []sentry.Rule) sentry.Options {
	rules := sentry.DefaultRuleSet()
	if len(extra) > 0 {
		rules = rules.With(extra...)
	}
	return sentry.Options{
		AllowedMIME: o.AllowedMIME,
		MaxSize:     o.MaxSize,
		AllowGIF:    o.AllowGIF,
		Probe:       o.Probe,
		SniffMIME:   o.SniffMIME,
		Charset:     o.Charset,
		ExcerptLen:  o.ExcerptLen,
		Rules:       rules,
		Fetcher:     sentry.NewHTTPFetcher(o.FetchTimeout),
	}
}

// NormalizeExts turns "png", ".PNG" and "png,jpg" into ".png" entries.
func NormalizeExts(s []string) []string {
	out := make([]string, 0, len(s))
	for _, ext := range s {
		for _, v := range strings.Split(ext, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			v = strings.TrimPrefix(v, ".")
			out = append(out, "."+strings.ToLower(v))
		}
	}
	return out
}

func toSet(s []string) map[string]struct{} {
	if len(s) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(s))
	for _, x := range s {
		m[x] = struct{}{}
	}
	return m
}

func (o *ScanOptions) useWhitelist() bool { return len(o.whMap) > 0 }

func (o *ScanOptions) allowedExt(ext string) bool {
	if o.useWhitelist() {
		_, ok := o.whMap[ext]
		return ok
	}
	if o.blMap == nil {
		return true
	}
	_, blocked := o.blMap[ext]
	return !blocked
}
