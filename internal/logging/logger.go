package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a small leveled logger. All levels share one sink: stdout, plus
// a size-rotated file when a directory is configured.
type Logger struct {
	info *log.Logger
	warn *log.Logger
	err  *log.Logger
}

// Options configures file output. A zero Options logs to stdout only.
type Options struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// New builds a Logger. When opts.Dir is set, log lines are mirrored into
// <dir>/terratueftler.log with lumberjack rotation.
func New(opts Options) *Logger {
	var out io.Writer = os.Stdout
	if opts.Dir != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "terratueftler.log"),
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}
	return newWithWriter(out)
}

// Discard returns a logger that drops everything. Test use.
func Discard() *Logger {
	return newWithWriter(io.Discard)
}

func newWithWriter(out io.Writer) *Logger {
	flags := log.Ldate | log.Ltime
	return &Logger{
		info: log.New(out, "INFO: ", flags),
		warn: log.New(out, "WARNING: ", flags),
		err:  log.New(out, "ERROR: ", flags),
	}
}

func (l *Logger) Infof(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Warnf(format string, v ...any) {
	l.warn.Printf(format, v...)
}

func (l *Logger) Errorf(format string, v ...any) {
	l.err.Printf(format, v...)
}
