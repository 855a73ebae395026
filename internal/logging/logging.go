// Package logging configures logrus loggers and forwards error entries to
// Sentry.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Options configures a logger.
type Options struct {
	// Level is a logrus level name. Default: info
	Level string

	// Format is "text" or "json". Default: text
	Format string

	// Output defaults to stderr.
	Output io.Writer
}

// New returns a configured logger.
func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	level := strings.ToLower(opts.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q", opts.Level)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			DisableQuote:    true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("logging: invalid format %q", opts.Format)
	}
	return l, nil
}

// NewSentryHub creates a hub whose events carry the run id tag. Callers
// should Flush the hub before exit.
func NewSentryHub(opts sentry.ClientOptions, runID string) (*sentry.Hub, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("logging: sentry client: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
	})
	return hub, nil
}

// SentryHook sends log entries to Sentry.
type SentryHook struct {
	hub    *sentry.Hub
	levels []logrus.Level
}

// NewSentryHook returns a hook firing on levels, or on error and above when
// none are given.
func NewSentryHook(hub *sentry.Hub, levels ...logrus.Level) *SentryHook {
	if len(levels) == 0 {
		levels = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
	}
	return &SentryHook{hub: hub, levels: levels}
}

// Levels implements logrus.Hook.
func (h *SentryHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook. An error in the entry's error field is sent
// as an exception; otherwise the message is sent.
func (h *SentryHook) Fire(e *logrus.Entry) error {
	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(e.Level))
		for k, v := range e.Data {
			switch k {
			case logrus.ErrorKey, "stack":
				scope.SetExtra(k, fmt.Sprint(v))
			case "target", "kind", "window":
				scope.SetTag(k, fmt.Sprint(v))
			default:
				scope.SetExtra(k, v)
			}
		}

		if err, ok := e.Data[logrus.ErrorKey].(error); ok {
			scope.SetExtra("message", e.Message)
			h.hub.CaptureException(err)
			return
		}
		h.hub.CaptureMessage(e.Message)
	})
	return nil
}

func sentryLevel(l logrus.Level) sentry.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.ErrorLevel:
		return sentry.LevelError
	case logrus.WarnLevel:
		return sentry.LevelWarning
	case logrus.InfoLevel:
		return sentry.LevelInfo
	default:
		return sentry.LevelDebug
	}
}
