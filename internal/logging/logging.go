// Package logging builds the structured loggers handed to every crewline service.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Options selects level and output format.
type Options struct {
	Level  string
	Format string
	Prefix string
}

// New returns a logger writing to w. An empty level means info; format is one of
// text, logfmt or json.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse logging level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	formatter := log.TextFormatter
	switch opts.Format {
	case "", "text":
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "json":
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown logging format %q", opts.Format)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "crewline"
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Discard returns a logger that drops everything. Services fall back to it when
// constructed without a logger.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
