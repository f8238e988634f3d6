package inspector

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// Logger provides leveled, optionally colored output for the inspector.
// A nil *Logger is safe to use; all methods become no-ops.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// SetVerbose toggles verbose output.
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// SetWriter changes the output destination.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) log(color, prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05")

	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s[%s]%s %s%s%s %s\n", colorGray, ts, colorReset, color, prefix, colorReset, msg)
	} else {
		fmt.Fprintf(l.writer, "[%s] %s %s\n", ts, prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(colorBlue, "INFO", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.log(colorBlue, "INFO", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(colorYellow, "WARN", format, args...)
}

// WarningVerbose logs a warning message only in verbose mode.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.log(colorYellow, "WARN", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(colorRed, "ERROR", format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(colorGreen, "OK", format, args...)
}

// Debug logs a debug message only in verbose mode.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.log(colorGray, "DEBUG", format, args...)
}

// Request logs an outgoing protocol request when JSON-RPC logging is enabled.
func (l *Logger) Request(method string, payload interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	enabled := l.jsonRPCMode
	l.mu.Unlock()
	if !enabled {
		return
	}
	l.log(colorGray, "-->", "%s %s", method, PrettyJSON(payload))
}

// Response logs an incoming protocol response when JSON-RPC logging is enabled.
func (l *Logger) Response(method string, payload interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	enabled := l.jsonRPCMode
	l.mu.Unlock()
	if !enabled {
		return
	}
	l.log(colorGray, "<--", "%s %s", method, PrettyJSON(payload))
}

// PrettyJSON renders a value as indented JSON, falling back to %v on failure.
func PrettyJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
