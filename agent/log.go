package agent

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.Mutex
	// DebugEnabled controls whether debug-level logs are written.
	DebugEnabled = false
	logSink      io.WriteCloser
)

// ExternalLogger is the minimal logger the agent package can delegate to.
// Kept small so a host application can plug in its own structured logger.
type ExternalLogger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var extLogger ExternalLogger

// SetLogger installs an external structured logger. When set,
// agent.Info/Warn/Error/Debug delegate to it.
func SetLogger(l ExternalLogger) { extLogger = l }

// SetDebugEnabled toggles debug logging at runtime.
func SetDebugEnabled(v bool) { DebugEnabled = v }

// OpenLogFile routes log output to path with size-based rotation, in
// addition to stdout.
func OpenLogFile(path string) {
	logMu.Lock()
	defer logMu.Unlock()
	if logSink != nil {
		_ = logSink.Close()
	}
	logSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
}

// CloseLogFile stops on-disk logging.
func CloseLogFile() {
	logMu.Lock()
	defer logMu.Unlock()
	if logSink != nil {
		_ = logSink.Close()
		logSink = nil
	}
}

func writeLine(level, msg string, context ...interface{}) {
	if extLogger != nil {
		switch level {
		case "ERROR":
			extLogger.Error(msg, context...)
		case "WARN":
			extLogger.Warn(msg, context...)
		case "DEBUG":
			extLogger.Debug(msg, context...)
		default:
			extLogger.Info(msg, context...)
		}
		return
	}
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format(time.RFC3339), level, msg)
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Fprint(os.Stdout, line)
	if logSink != nil {
		_, _ = io.WriteString(logSink, line)
	}
}

// Info logs an informational message with optional key/value context.
func Info(msg string, context ...interface{}) { writeLine("INFO", msg, context...) }

// Warn logs a warning.
func Warn(msg string, context ...interface{}) { writeLine("WARN", msg, context...) }

// Error logs an error message.
func Error(msg string, context ...interface{}) { writeLine("ERROR", msg, context...) }

// Debug logs a debug message when debug logging is enabled.
func Debug(msg string, context ...interface{}) {
	if !DebugEnabled {
		return
	}
	writeLine("DEBUG", msg, context...)
}

// pkgLogger adapts the package-level functions to the Logger interfaces the
// storage and upgrade packages accept.
type pkgLogger struct{}

func (pkgLogger) Error(msg string, context ...interface{}) { Error(msg, context...) }
func (pkgLogger) Warn(msg string, context ...interface{})  { Warn(msg, context...) }
func (pkgLogger) Info(msg string, context ...interface{})  { Info(msg, context...) }
func (pkgLogger) Debug(msg string, context ...interface{}) { Debug(msg, context...) }
