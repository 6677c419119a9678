package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.Nop()
var logFile *os.File

// Format selects how log lines are rendered
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

func newConsoleWriter(w io.Writer) zerolog.ConsoleWriter {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i interface{}) string {
		return fmt.Sprintf("[%s]", i)
	}
	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("%s", i)
	}
	return output
}

func setLevel(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// Init configures the process-wide logger for the server and CLI commands.
// DEBUG in the environment always enables debug output.
func Init(format Format, debug bool) {
	var w io.Writer = newConsoleWriter(os.Stdout)
	if format == FormatJSON {
		w = os.Stdout
	}

	log = zerolog.New(w).With().Timestamp().Logger()

	if _, exists := os.LookupEnv("DEBUG"); exists {
		debug = true
	}
	setLevel(debug)
}

// InitFileOnly initializes the logger to write only to a file (for the TUI monitor)
func InitFileOnly(logDir string) (string, error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, fmt.Sprintf("crawl-sync_%s.log", timestamp))

	f, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}
	logFile = f

	log = zerolog.New(logFile).With().Timestamp().Logger()

	_, debug := os.LookupEnv("DEBUG")
	setLevel(debug)

	Info("Logger initialized in file-only mode: %s", logPath)
	return logPath, nil
}

// Close closes the log file if it's open
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// SetOutput redirects log output, mainly for tests
func SetOutput(w io.Writer) {
	log = zerolog.New(newConsoleWriter(w)).With().Timestamp().Logger()
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	log.Debug().Msgf(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	log.Info().Msgf(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	log.Warn().Msgf(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	log.Error().Msgf(msg, args...)
}

// Fatal logs a fatal message and exits the program
func Fatal(msg string, args ...interface{}) {
	log.Fatal().Msgf(msg, args...)
}

// Task logs an info message tagged with the task id, so a run can be followed in JSON output
func Task(taskID string, msg string, args ...interface{}) {
	log.Info().Str("task_id", taskID).Msgf(msg, args...)
}

// TaskError logs an error message tagged with the task id
func TaskError(taskID string, msg string, args ...interface{}) {
	log.Error().Str("task_id", taskID).Msgf(msg, args...)
}

// Request logs a served HTTP request
func Request(method, path string, status int, latency time.Duration, clientIP string) {
	event := log.Info()
	switch {
	case status >= 500:
		event = log.Error()
	case status >= 400:
		event = log.Warn()
	}
	event.
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("latency", latency).
		Str("client_ip", clientIP).
		Msg("request")
}
