package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	maxFileSize = 5 << 20 // 5 MB
	maxValueLen = 200
)

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens the log file for appending. Call once at startup.
// A file over 5 MB is rotated (renamed to .log.1) before opening.
// Safe to skip — all log calls become no-ops if not initialized.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "panicwatch.log")

	if info, err := os.Stat(path); err == nil && info.Size() > maxFileSize {
		os.Rename(path, path+".1")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	mu.Lock()
	file = f
	mu.Unlock()
	return nil
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// Info logs a structured event line.
//
//	applog.Info("socket.connected", "url", wsURL)
//	applog.Info("complete.accepted", "ts", now, "total", 25)
func Info(event string, kv ...any) {
	write("INFO", event, nil, kv)
}

// Warn logs a non-fatal degradation.
func Warn(event string, kv ...any) {
	write("WARN", event, nil, kv)
}

// Error logs an event with an error.
//
//	applog.Error("bus.post", err, "topic", "upload_status")
func Error(event string, err error, kv ...any) {
	write("ERROR", event, err, kv)
}

func write(level, event string, err error, kv []any) {
	mu.Lock()
	f := file
	mu.Unlock()
	if f == nil {
		return
	}

	parts := make([]string, 0, 4+len(kv)/2)
	parts = append(parts,
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		level,
		event,
	)
	if err != nil {
		parts = append(parts, "err="+quote(err.Error()))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprint(kv[i])+"="+quote(fmt.Sprint(kv[i+1])))
	}

	line := strings.Join(parts, " ") + "\n"

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.WriteString(line)
	}
}

func quote(s string) string {
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + "…"
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
	}
	return s
}
