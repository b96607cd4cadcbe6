package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. format is "text" or "json".
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Used as the zero value by
// components constructed without a logger.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
