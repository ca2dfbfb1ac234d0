// Package util provides shared logging and traffic accounting.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/tebeka/atexit"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr unless LogToFile redirects it.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// SetLevel sets the minimum level by name: debug, info, warn, error or off.
func SetLevel(name string) error {
	switch strings.ToLower(name) {
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "", "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	case "off":
		pterm.DefaultLogger.Level = pterm.LogLevelDisabled
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

// LogToFile sends log output to a size-rotated file, optionally mirrored to
// stderr. The file is flushed and closed by atexit.Exit.
func LogToFile(filename string, alsoStderr bool) {
	fileLogger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10, // MB before rotating
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	var sink io.Writer = fileLogger
	if alsoStderr {
		sink = io.MultiWriter(fileLogger, os.Stderr)
	}
	pterm.DefaultLogger.Writer = sink

	atexit.Register(func() {
		_ = fileLogger.Close()
	})
}
