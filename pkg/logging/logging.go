// Package logging builds the root logrus logger from configuration.
//
// Logging is configured before anything else runs, so a bad level or format
// is an error rather than a silent fallback.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/emirkrhan/fable/pkg/config"
)

// Version is stamped on every JSON log line. Set by the CLI at startup.
var Version = "dev"

// jsonFormatter adds the build version to each entry.
type jsonFormatter struct {
	*logrus.JSONFormatter
	version string
}

func (f *jsonFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data["version"] = f.version
	return f.JSONFormatter.Format(e)
}

// New returns a logger configured by cfg. The returned closer releases a log
// file opened for Output and is a no-op for stdout and stderr.
func New(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&jsonFormatter{JSONFormatter: &logrus.JSONFormatter{}, version: Version})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	}

	return logger, closer, nil
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// An empty level is info.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
