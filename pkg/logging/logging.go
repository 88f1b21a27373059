package logging

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type requestIDKey struct{}

// WithRequestID returns a context whose log entries carry a request_id field.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDHook copies the request id of an entry's context into its fields.
type RequestIDHook struct{}

func (RequestIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (RequestIDHook) Fire(entry *logrus.Entry) error {
	if id := RequestID(entry.Context); id != "" {
		entry.Data["request_id"] = id
	}
	return nil
}

// Setup configures the standard logger. format is "text" or "json".
func Setup(out io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	logger := logrus.StandardLogger()
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	if out != nil {
		logger.SetOutput(out)
	}
	logger.SetLevel(lvl)
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.AddHook(RequestIDHook{})
	return nil
}
