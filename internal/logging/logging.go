// Package logging configures the daemon's structured logger and the
// fatal-error checkpoint trail described in the design notes on error
// handling: every key function boundary records a (file, line) pair,
// surfaced by the next fatal log record.
package logging

import (
	"fmt"
	"log/syslog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// checkpoint holds the most recently recorded (file, line) pair as a
// single immutable string, swapped atomically so it can be read from
// any goroutine without a lock.
var checkpoint atomic.Value

func init() {
	checkpoint.Store("")
}

// Checkpoint records the caller's (file, line) as the most recent
// checkpoint. Call it at the entry of functions whose failure should
// be traceable in a fatal log record.
func Checkpoint() {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return
	}

	checkpoint.Store(fmt.Sprintf("%s:%d", file, line))
}

// LastCheckpoint returns the most recently recorded checkpoint, or ""
// if none has been recorded yet.
func LastCheckpoint() string {
	return checkpoint.Load().(string)
}

// Config controls logger construction.
type Config struct {
	// Level is the daemon debug level, 0..5.
	Level int
	// Ident is the syslog identity tag, e.g. "tincd" or
	// "tincd.<netname>".
	Ident string
	// Syslog enables the syslog hook (disabled for foreground/-D runs
	// writing to a terminal).
	Syslog bool
}

// New builds a logrus.Logger per Config, constructing one logger
// value and threading it through rather than mutating logrus's
// global singleton.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(LevelFromDebug(cfg.Level))

	out := os.Stderr
	if term.IsTerminal(int(out.Fd())) {
		logger.SetOutput(colorable.NewColorable(out))
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetOutput(out)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}

	if cfg.Syslog {
		hook, err := newSyslogHook(cfg.Ident)
		if err != nil {
			return nil, fmt.Errorf("connect syslog: %w", err)
		}

		logger.AddHook(hook)
	}

	return logger, nil
}

// LevelFromDebug maps the daemon's 0..5 debug level onto a
// logrus level.
func LevelFromDebug(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.InfoLevel
	case level == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// syslogHook forwards logrus entries to the syslog DAEMON facility.
// The standard library's log/syslog is used here rather than a
// third-party package: syslog is a thin, stable OS-level wire protocol
// with no actively maintained ecosystem alternative, the same class
// of leaf as "net" itself.
type syslogHook struct {
	writer *syslog.Writer
}

func newSyslogHook(ident string) (*syslogHook, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, ident)
	if err != nil {
		return nil, err
	}

	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}

	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Notice(line)
	default:
		return h.writer.Debug(line)
	}
}

// Fatalf logs a fatal-classified record including the last checkpoint,
// then exits the process, mirroring the design notes' "every
// allocation failure produces a syslog record including the most
// recent checkpoint, then exits".
func Fatalf(logger *logrus.Logger, format string, args ...any) {
	logger.WithField("checkpoint", LastCheckpoint()).Errorf(format, args...)
	os.Exit(1)
}
