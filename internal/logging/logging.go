// Package logging is the single structured-logging facade for vserver.
//
// Every component logs through a *Logger returned by New or With, never
// through the logrus package directly, so that the password-scrubbing
// rule in the design notes (substitute the configured database password
// with an empty string before anything reaches a sink) is enforced in one
// place instead of at every call site.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry with password scrubbing.
type Logger struct {
	entry *logrus.Entry

	mu       sync.RWMutex
	scrubbed []string
}

// Config controls the output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "console"
	Output io.Writer
}

// New builds a root Logger from Config.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(out)
	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{entry: logrus.NewEntry(base)}
}

// AddSecret registers a literal value that must never reach a log sink.
// Typically called once with the configured database password.
func (l *Logger) AddSecret(secret string) {
	if secret == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scrubbed = append(l.scrubbed, secret)
}

func (l *Logger) scrub(msg string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.scrubbed {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "")
		}
	}
	return msg
}

// With returns a child logger carrying an additional "component" field.
func (l *Logger) With(component string) *Logger {
	l.mu.RLock()
	secrets := append([]string(nil), l.scrubbed...)
	l.mu.RUnlock()
	return &Logger{entry: l.entry.WithField("component", component), scrubbed: secrets}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debug(l.scrub(sprintf(format, args...))) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Info(l.scrub(sprintf(format, args...))) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warn(l.scrub(sprintf(format, args...))) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Error(l.scrub(sprintf(format, args...))) }
func (l *Logger) Fatalf(format string, args ...any) { l.entry.Fatal(l.scrub(sprintf(format, args...))) }

// errorEvent mirrors logrus's chained WithError(...).<level>(msg) idiom,
// finished by Msg so call sites read the same regardless of level.
type errorEvent struct {
	entry *logrus.Entry
	log   *Logger
}

// WithError attaches an error, scrubbing its message, and returns an event
// that must be finished with Msg.
func (l *Logger) WithError(err error) *errorEvent {
	if err == nil {
		return &errorEvent{entry: l.entry, log: l}
	}
	return &errorEvent{entry: l.entry.WithField("error", l.scrub(err.Error())), log: l}
}

func (e *errorEvent) Msg(msg string) {
	e.entry.Error(e.log.scrub(msg))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
