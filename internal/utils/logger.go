package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logTimeFormat = "2006-01-02 15:04:05"

// Logger writes timestamped lines to a log file (and allows reading recent data).
type Logger struct {
	mu        *sync.Mutex
	writeFile *os.File
	readFile  *os.File
	prefix    string
}

// defaultLogPath returns the path to the default opsdash log file, rooted next
// to the running executable.
func defaultLogPath() string {
	exe, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil && resolved != "" {
			exe = resolved
		}
		return NewPaths(filepath.Dir(exe)).LogFile()
	}
	return NewPaths(filepath.Join(os.TempDir(), "opsdash")).LogFile()
}

// NewLogger opens the given log file for appending and a parallel read handle.
// If the file cannot be opened, logs will be written to stdout.
func NewLogger(logFile string) *Logger {
	logger := &Logger{mu: &sync.Mutex{}}
	if logFile == "" {
		logFile = defaultLogPath()
	}

	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)

	var err error
	logger.writeFile, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: Error opening log file (%s): %v\n", time.Now().Format(logTimeFormat), logFile, err)
		return logger
	}
	logger.readFile, err = os.Open(logFile)
	if err != nil {
		logger.Write(fmt.Sprintf("Error opening log file for reading (%s): %v", logFile, err))
	}
	return logger
}

// NewStdoutLogger returns a logger that only writes to stdout.
func NewStdoutLogger() *Logger {
	return &Logger{mu: &sync.Mutex{}}
}

// With returns a logger sharing the same file handles and lock that prefixes
// every line with the component name.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{mu: l.mu, writeFile: l.writeFile, readFile: l.readFile, prefix: "[" + component + "] "}
}

// Write appends a timestamped message to the log (or stdout when no file).
func (l *Logger) Write(message string) {
	if l == nil {
		return
	}
	timestamp := time.Now().Format(logTimeFormat)
	logMessage := fmt.Sprintf("%s: %s%s\n", timestamp, l.prefix, message)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeFile != nil {
		_, _ = l.writeFile.WriteString(logMessage)
		_ = l.writeFile.Sync()
	} else {
		fmt.Print(logMessage)
	}
}

// Writef formats and writes a single line.
func (l *Logger) Writef(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Write(fmt.Sprintf(format, args...))
}

// Tail returns up to max bytes from the end of the log file.
func (l *Logger) Tail(max int64) string {
	if l == nil || l.readFile == nil || max <= 0 {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.readFile.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - max
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	n, _ := l.readFile.ReadAt(buf, offset)
	return string(buf[:n])
}

// Close flushes and closes underlying file handles. Loggers derived with With
// share the handles and must not be closed separately.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	if l.writeFile != nil {
		l.writeFile.Close()
	}
	if l.readFile != nil {
		l.readFile.Close()
	}
}
