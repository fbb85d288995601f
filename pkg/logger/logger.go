package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	logLevelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	zerologLevels = map[LogLevel]zerolog.Level{
		DEBUG: zerolog.DebugLevel,
		INFO:  zerolog.InfoLevel,
		WARN:  zerolog.WarnLevel,
		ERROR: zerolog.ErrorLevel,
		FATAL: zerolog.FatalLevel,
	}

	currentLevel = INFO
	console      zerolog.Logger
	file         *zerolog.Logger
	sink         *lumberjack.Logger
	mu           sync.RWMutex
	exit         = os.Exit
)

func init() {
	console = newConsole(os.Stderr)
}

func newConsole(w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	return zerolog.New(out).With().Timestamp().Logger()
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for lvl, name := range logLevelNames {
		if name == want {
			return lvl, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetConsoleOutput redirects human-readable output, mostly for tests and the CLI.
func SetConsoleOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console = newConsole(w)
}

func EnableFileLogging(filePath string) error {
	return EnableFileLoggingWithRotation(filePath, false, 0, 0)
}

// EnableFileLoggingWithRotation writes JSON lines to filePath. With rotation
// disabled the file grows without bound.
func EnableFileLoggingWithRotation(filePath string, rotationEnabled bool, maxSizeMB int, maxAgeDays int) error {
	mu.Lock()
	defer mu.Unlock()

	if strings.HasPrefix(filePath, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// lumberjack opens lazily; probe the path so misconfiguration surfaces now.
	probe, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	probe.Close()

	if sink != nil {
		sink.Close()
	}

	sink = &lumberjack.Logger{Filename: filePath}
	if rotationEnabled {
		sink.MaxSize = maxSizeMB
		sink.MaxAge = maxAgeDays
	} else {
		// lumberjack treats 0 as its 100MB default.
		sink.MaxSize = 1 << 20
	}
	fl := zerolog.New(sink).With().Timestamp().Logger()
	file = &fl

	console.Info().Str("path", filePath).Msg("File logging enabled")
	if rotationEnabled {
		console.Info().Int("max_size_mb", maxSizeMB).Int("max_age_days", maxAgeDays).Msg("Log rotation enabled")
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()

	if sink != nil {
		sink.Close()
		sink = nil
		file = nil
		console.Info().Msg("File logging disabled")
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	c := console
	f := file
	mu.RUnlock()

	zl := zerologLevels[level]
	emit := func(l zerolog.Logger, withCaller bool) {
		ev := l.WithLevel(zl)
		if component != "" {
			ev = ev.Str("component", component)
		}
		if len(fields) > 0 {
			ev = ev.Fields(fields)
		}
		if withCaller {
			if pc, path, line, ok := runtime.Caller(3); ok {
				if fn := runtime.FuncForPC(pc); fn != nil {
					ev = ev.Str("caller", fmt.Sprintf("%s:%d (%s)", path, line, fn.Name()))
				}
			}
		}
		ev.Msg(message)
	}

	if f != nil {
		emit(*f, true)
	}
	emit(c, false)

	if level == FATAL {
		exit(1)
	}
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]interface{}) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, fields map[string]interface{}) {
	logMessage(WARN, "", message, fields)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, fields map[string]interface{}) {
	logMessage(ERROR, "", message, fields)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) {
	logMessage(FATAL, "", message, nil)
}

func FatalC(component string, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalF(message string, fields map[string]interface{}) {
	logMessage(FATAL, "", message, fields)
}

func FatalCF(component string, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}

// Zerolog exposes the console logger for libraries that take a zerolog.Logger
// directly, such as the gateway request middleware.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return console
}
