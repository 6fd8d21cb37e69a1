package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rexliu/codexbridge/pkg/config"
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// ParseLevel maps a config string to a Level. Unknown values select info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger wraps the standard log.Logger with a level threshold.
type Logger struct {
	*log.Logger
	level atomic.Int32
}

// New returns a logger writing to stdout at info level.
func New(prefix string) *Logger {
	return NewWithWriter(os.Stdout, prefix)
}

// NewWithWriter returns a logger writing to w at info level.
func NewWithWriter(w io.Writer, prefix string) *Logger {
	l := &Logger{Logger: log.New(w, prefix+" ", log.LstdFlags|log.Lshortfile)}
	l.level.Store(int32(LevelInfo))
	return l
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "")
}

// SetLevel changes the threshold.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && Level(l.level.Load()) <= level
}

func (l *Logger) logf(level Level, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}
	_ = l.Output(3, level.String()+" "+fmt.Sprintf(format, v...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, v ...any) { l.logf(LevelDebug, format, v...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, v ...any) { l.logf(LevelInfo, format, v...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, v ...any) { l.logf(LevelWarn, format, v...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, v ...any) { l.logf(LevelError, format, v...) }

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...any) { l.logf(LevelInfo, format, v...) }

// Println logs at info level.
func (l *Logger) Println(v ...any) {
	l.logf(LevelInfo, "%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Configure applies logging settings from config. FilePath is expected to be
// resolved against the profile directory already.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	l.SetLevel(ParseLevel(cfg.Level))
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return err
		}
		l.SetOutput(io.MultiWriter(os.Stdout, writer))
	}
	return nil
}

type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			r.file.Close()
			os.Rename(r.path, r.path+".1")
			newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return 0, err
			}
			r.file = newFile
		}
	}
	return r.file.Write(p)
}
