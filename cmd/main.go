package main

import (
	"ImageGuard/internal"
	"ImageGuard/internal/dump"
	"ImageGuard/internal/sentry"
	"ImageGuard/internal/xmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// exitRejected is returned when at least one payload was rejected.
const exitRejected = 2

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "ImageGuard",
		Usage: "Screen images for embedded scripts before they are stored or served",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "logfile",
				Usage:   "Write logs into file instead of stdout",
				EnvVars: []string{"IMAGEGUARD_LOGFILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"IMAGEGUARD_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file; explicit flags override it",
				EnvVars: []string{"IMAGEGUARD_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := internal.LoadConfig(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			c.App.Metadata = map[string]interface{}{"config": cfg}

			logfile, level := c.String("logfile"), c.String("log-level")
			if !c.IsSet("logfile") && cfg.Log.File != "" {
				logfile = cfg.Log.File
			}
			if !c.IsSet("log-level") && cfg.Log.Level != "" {
				level = cfg.Log.Level
			}
			internal.InitLogger(logfile, level)
			return nil
		},
		Commands: []*cli.Command{
			scanCommand(),
			gifCommand(),
			dumpCommand(),
			xmpCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func configFrom(c *cli.Context) *internal.Config {
	if cfg, ok := c.App.Metadata["config"].(*internal.Config); ok {
		return cfg
	}
	return &internal.Config{}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Scan image files, directories, archives and URLs",
		ArgsUsage: "[paths...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "url",
				Usage:   "Fetch and scan this URL (repeatable). Fetched once, never retried",
				EnvVars: []string{"IMAGEGUARD_URLS"},
			},
			&cli.StringFlag{
				Name:    "pattern-file",
				Usage:   "Extra rules appended after the built-in ones: plain lines, 'plain:i:' for case-insensitive, or 're:<regex>'",
				EnvVars: []string{"IMAGEGUARD_PATTERN_FILE"},
			},
			&cli.StringSliceFlag{
				Name:  "whitelist",
				Usage: "Only scan these extensions (comma separated). Default: jpg,jpeg,png,webp,gif",
			},
			&cli.StringSliceFlag{
				Name:  "blacklist",
				Usage: "Skip these extensions (comma separated). If whitelist is set, blacklist is ignored.",
			},
			&cli.IntFlag{
				Name:    "threads",
				Usage:   "Max concurrent workers (default scales with CPU)",
				EnvVars: []string{"IMAGEGUARD_THREADS"},
			},
			&cli.BoolFlag{
				Name:  "archives",
				Usage: "Also scan images inside archives (.zip,.tar,.gz,.7z,...)",
			},
			&cli.IntFlag{
				Name:  "depth",
				Usage: "Max directory depth (0 - unlimited)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Global timeout for scan (e.g. 10m, 1h)",
			},
			&cli.DurationFlag{
				Name:    "fetch-timeout",
				Usage:   "Timeout for a single URL fetch",
				Value:   30 * time.Second,
				EnvVars: []string{"IMAGEGUARD_FETCH_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop on the first walk or read error",
			},
			&cli.StringFlag{
				Name:    "report",
				Usage:   "Append one JSON line per scanned payload to this file",
				EnvVars: []string{"IMAGEGUARD_REPORT"},
			},
			&cli.StringFlag{
				Name:    "quarantine",
				Usage:   "Copy rejected files and archive entries into this folder",
				EnvVars: []string{"IMAGEGUARD_QUARANTINE"},
			},
			&cli.BoolFlag{
				Name:    "allow-gif",
				Usage:   "Accept GIF images and inspect their block structure",
				EnvVars: []string{"IMAGEGUARD_ALLOW_GIF"},
			},
			&cli.BoolFlag{
				Name:  "probe",
				Usage: "Decode image headers and record dimensions",
			},
			&cli.BoolFlag{
				Name:  "sniff-mime",
				Usage: "Declare local files by content instead of extension",
			},
			&cli.StringFlag{
				Name:    "charset",
				Usage:   "Decode content with this charset before matching (e.g. windows-1252)",
				EnvVars: []string{"IMAGEGUARD_CHARSET"},
			},
			&cli.StringFlag{
				Name:    "max-size",
				Usage:   "Reject payloads larger than this (e.g. 10MiB, 512kB)",
				Value:   "10MiB",
				EnvVars: []string{"IMAGEGUARD_MAX_SIZE"},
			},
		},
		Action: scanAction,
	}
}

func scanAction(c *cli.Context) error {
	logrus.Info("ImageGuard scan started")

	// ctx with timeout + OS signals
	base := context.Background()
	var cancel context.CancelFunc
	if t := c.Duration("timeout"); t > 0 {
		base, cancel = context.WithTimeout(base, t)
	} else {
		base, cancel = context.WithCancel(base)
	}
	defer cancel()

	ctx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var roots []string
	for _, r := range c.Args().Slice() {
		if _, err := os.Stat(r); err == nil {
			roots = append(roots, r)
		} else {
			logrus.Warnf("Skip: inaccessible: %s", r)
		}
	}
	if c.Args().Len() > 0 && len(roots) == 0 && len(c.StringSlice("url")) == 0 {
		return cli.Exit("No valid search paths", 1)
	}

	maxSize, err := internal.ParseSize(c.String("max-size"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	opts := internal.ScanOptions{
		Roots:            roots,
		URLs:             c.StringSlice("url"),
		PatternFile:      c.String("pattern-file"),
		Depth:            c.Int("depth"),
		Archives:         c.Bool("archives"),
		Whitelist:        c.StringSlice("whitelist"),
		Blacklist:        c.StringSlice("blacklist"),
		Threads:          c.Int("threads"),
		FailFast:         c.Bool("fail-fast"),
		ReportFile:       c.String("report"),
		QuarantineFolder: c.String("quarantine"),
		MaxSize:          maxSize,
		AllowGIF:         c.Bool("allow-gif"),
		Probe:            c.Bool("probe"),
		SniffMIME:        c.Bool("sniff-mime"),
		Charset:          c.String("charset"),
		FetchTimeout:     c.Duration("fetch-timeout"),
	}
	if err := configFrom(c).Apply(&opts, c.IsSet); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := opts.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	opts.Prepare() // build fast lookup maps, set defaults

	var stats internal.AppStats
	finder := internal.NewFileScanner()

	scanErr := finder.Scan(ctx, opts, internal.NewResultSink(opts, &stats))
	switch {
	case scanErr == nil:
	case errors.Is(scanErr, internal.ErrFailFast):
		logrus.Warn("Scan stopped: fail-fast")
	case ctx.Err() != nil:
		logrus.Warn("Scan cancelled")
	default:
		logrus.WithError(scanErr).Error("Scan failed")
	}

	fmt.Printf(
		"\n======= Scan finished in %s =======\nPayloads scanned: %s\nPassed: %s\nRejected: %s\nWarnings: %s\nQuarantined: %s\nErrors: %s\n",
		stats.Elapsed().Round(time.Millisecond),
		humanize.Comma(stats.FilesProcessed.Load()),
		humanize.Comma(stats.Passed.Load()),
		humanize.Comma(stats.Rejected.Load()),
		humanize.Comma(stats.Warnings.Load()),
		humanize.Comma(stats.Quarantined.Load()),
		humanize.Comma(stats.Errors.Load()),
	)

	if stats.Rejected.Load() > 0 {
		return cli.Exit("", exitRejected)
	}
	if scanErr != nil {
		return cli.Exit(scanErr.Error(), 1)
	}
	return nil
}

func gifCommand() *cli.Command {
	return &cli.Command{
		Name:      "gif",
		Usage:     "Print the GIF block structure report as YAML",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			data, err := readArg(c)
			if err != nil {
				return err
			}
			report := sentry.WalkGIF(data)
			enc := yaml.NewEncoder(c.App.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			if !report.ValidGIF {
				return cli.Exit("not a GIF: header "+report.Header, exitRejected)
			}
			return nil
		},
	}
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "Dump the leading bytes of a file in octal, hex or base32",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "base",
				Usage: "8, 16 or 32 (aliases: oct, hex, b32)",
				Value: "16",
			},
			&cli.IntFlag{
				Name:  "lines",
				Usage: "Number of 16-byte lines to print (0 - whole file)",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one file", 1)
			}
			base, err := dump.ParseBase(c.String("base"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer f.Close()
			return dump.Write(c.App.Writer, f, dump.Options{Base: base, Lines: c.Int("lines")})
		},
	}
}

func xmpCommand() *cli.Command {
	return &cli.Command{
		Name:      "xmp",
		Usage:     "Print the sanitized XMP metadata packet of an image",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			data, err := readArg(c)
			if err != nil {
				return err
			}
			packet, ok := xmp.Extract(data)
			if !ok {
				return cli.Exit("no XMP packet found", 1)
			}
			_, err = fmt.Fprintln(c.App.Writer, xmp.Sanitize(string(packet)))
			return err
		},
	}
}

// readArg loads the single file argument, capped at the scanner's ceiling.
func readArg(c *cli.Context) ([]byte, error) {
	if c.Args().Len() != 1 {
		return nil, cli.Exit("expected exactly one file", 1)
	}
	path := c.Args().First()
	st, err := os.Stat(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	if st.Size() > sentry.DefaultMaxSize {
		return nil, cli.Exit(fmt.Sprintf("%s is %s, larger than %s", path,
			humanize.IBytes(uint64(st.Size())), humanize.IBytes(uint64(sentry.DefaultMaxSize))), 1)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return data, nil
}
