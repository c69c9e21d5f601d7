// Command cellbtree loads, inspects and benchmarks disk-resident cell
// B-tree indexes.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
var CLI struct {
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log format (text, json)"`

	Bench   BenchCmd   `cmd:"" help:"Benchmark the cell B-tree against Pebble and SQLite"`
	Load    LoadCmd    `cmd:"" help:"Load generated keys into a store"`
	Scan    ScanCmd    `cmd:"" help:"Print the entries of a key range"`
	Dot     DotCmd     `cmd:"" help:"Export the tree as a Graphviz graph"`
	Verify  VerifyCmd  `cmd:"" help:"Check the structure of a stored tree"`
	Backup  BackupCmd  `cmd:"" help:"Write an xz backup of the tree file"`
	Restore RestoreCmd `cmd:"" help:"Replace the tree file with a backup"`
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("cellbtree"),
		kong.Description("Disk-resident multi-value B-tree tools"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	logger := newLogger(CLI.LogLevel, CLI.LogFormat)
	err := ctx.Run(logger)
	ctx.FatalIfErrorf(err)
}
