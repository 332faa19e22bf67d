package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML file given with --config.
type Config struct {
	Log  LogConfig  `yaml:"log"`
	Scan ScanConfig `yaml:"scan"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ScanConfig struct {
	MaxSize      string        `yaml:"max_size"`
	AllowGIF     bool          `yaml:"allow_gif"`
	Probe        bool          `yaml:"probe"`
	SniffMIME    bool          `yaml:"sniff_mime"`
	Charset      string        `yaml:"charset"`
	PatternFile  string        `yaml:"pattern_file"`
	Threads      int           `yaml:"threads"`
	Depth        int           `yaml:"depth"`
	Archives     bool          `yaml:"archives"`
	FailFast     bool          `yaml:"fail_fast"`
	Whitelist    []string      `yaml:"whitelist"`
	Blacklist    []string      `yaml:"blacklist"`
	AllowedMIME  []string      `yaml:"allowed_mime"`
	ExcerptLen   int           `yaml:"excerpt_length"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Report       string        `yaml:"report"`
	Quarantine   string        `yaml:"quarantine"`
}

// LoadConfig reads path. An empty path yields an empty config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseSize accepts byte counts with or without units ("10MiB", "512kB", "1024").
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// Apply fills opts from the file for every flag the user did not set.
func (c *Config) Apply(opts *ScanOptions, isSet func(flag string) bool) error {
	s := c.Scan
	if s.MaxSize != "" && !isSet("max-size") {
		n, err := ParseSize(s.MaxSize)
		if err != nil {
			return err
		}
		opts.MaxSize = n
	}
	setBool := func(flag string, dst *bool, v bool) {
		if v && !isSet(flag) {
			*dst = v
		}
	}
	setBool("allow-gif", &opts.AllowGIF, s.AllowGIF)
	setBool("probe", &opts.Probe, s.Probe)
	setBool("sniff-mime", &opts.SniffMIME, s.SniffMIME)
	setBool("archives", &opts.Archives, s.Archives)
	setBool("fail-fast", &opts.FailFast, s.FailFast)

	setString := func(flag string, dst *string, v string) {
		if v != "" && !isSet(flag) {
			*dst = v
		}
	}
	setString("charset", &opts.Charset, s.Charset)
	setString("pattern-file", &opts.PatternFile, s.PatternFile)
	setString("report", &opts.ReportFile, s.Report)
	setString("quarantine", &opts.QuarantineFolder, s.Quarantine)

	if s.Threads > 0 && !isSet("threads") {
		opts.Threads = s.Threads
	}
	if s.Depth > 0 && !isSet("depth") {
		opts.Depth = s.Depth
	}
	if len(s.Whitelist) > 0 && !isSet("whitelist") {
		opts.Whitelist = s.Whitelist
	}
	if len(s.Blacklist) > 0 && !isSet("blacklist") {
		opts.Blacklist = s.Blacklist
	}
	if s.FetchTimeout > 0 && !isSet("fetch-timeout") {
		opts.FetchTimeout = s.FetchTimeout
	}
	if len(s.AllowedMIME) > 0 {
		opts.AllowedMIME = s.AllowedMIME
	}
	if s.ExcerptLen > 0 {
		opts.ExcerptLen = s.ExcerptLen
	}
	return nil
}
