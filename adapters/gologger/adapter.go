package gologger

import (
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// New builds the root glog logger from the log settings. The result is also
// the provider for named component loggers. Format accepts json, text (or
// console) and pretty; anything else is json.
func New(w io.Writer, level string, format string, opts ...glog.Option) *glog.BaseLogger {
	if w == nil {
		w = os.Stderr
	}
	options := []glog.Option{
		glog.WithWriter(w),
		glog.WithLevel(Level(level)),
		loggerType(format),
	}
	return glog.NewLogger(append(options, opts...)...)
}

// Level maps a configured level onto the names glog understands.
func Level(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return glog.Trace
	case "debug":
		return glog.Debug
	case "warn", "warning":
		return glog.Warn
	case "error":
		return glog.Error
	case "fatal":
		return glog.Fatal
	default:
		return glog.Info
	}
}

func loggerType(format string) glog.Option {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return glog.WithLoggerTypeConsole()
	case "pretty":
		return glog.WithLoggerTypePretty()
	default:
		return glog.WithLoggerTypeJSON()
	}
}
