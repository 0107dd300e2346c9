// Package logger provides the process-wide structured logger built on logrus.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log     *logrus.Logger
	mu      sync.RWMutex
	logFile io.Closer
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// Initialize configures the global logger.
//   - level: debug, info, warn, error
//   - format: json or text
//   - output: stdout, stderr or file (file requires path)
func Initialize(level, format, output, path string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	case "text", "":
		formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"}
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", format)
	}

	var (
		writer io.Writer
		closer io.Closer
	)
	switch output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "file":
		if path == "" {
			return fmt.Errorf("log file must be specified when output is 'file'")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", path, err)
		}
		writer, closer = f, f
	default:
		return fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", output)
	}

	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(writer)

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close previous log file: %v\n", err)
		}
	}
	log, logFile = l, closer
	return nil
}

// Get returns the global logger instance
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput redirects the global logger, mainly for tests
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

// WithComponent returns an entry tagged with the owning component
func WithComponent(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

// WithFields returns a logger entry with structured fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Get().WithFields(fields)
}

// WithError returns a logger entry with an error field
func WithError(err error) *logrus.Entry {
	return Get().WithError(err)
}

func Debugf(format string, args ...interface{}) { Get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Get().Errorf(format, args...) }
