// Package logger provides centralized logging functionality for the proxychat
// agent. It configures structured logging with support for different output
// formats and log levels.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Logger is the global logger instance used throughout the agent.
var Logger *log.Logger

func init() {
	Logger = log.New(os.Stderr)
	Logger.SetTimeFormat("")
	Logger.SetLevel(log.InfoLevel)
}

// Configure sets up the logger based on CLI flags and environment variables.
// CLI flags take precedence over environment variables.
func Configure(logLevel string, logFile string, testMode bool) error {
	// Set log level with precedence: CLI flag > env var > default
	level := logLevel
	if level == "" {
		level = strings.ToLower(os.Getenv("PROXYCHAT_LOG_LEVEL"))
	}
	if level == "" {
		level = "info"
	}

	// Set log output destination
	var output io.Writer = os.Stderr
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		output = file
	}

	Logger = log.New(output)
	Logger.SetTimeFormat("")
	Logger.SetLevel(parseLogLevel(level))

	if testMode {
		// In test mode, ensure deterministic output
		Logger.SetTimeFormat("")
		Logger.SetLevel(log.InfoLevel)
	}

	return nil
}

// parseLogLevel converts string to log level
func parseLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg interface{}, keyvals ...interface{}) {
	Logger.Debug(msg, keyvals...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg interface{}, keyvals ...interface{}) {
	Logger.Info(msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg interface{}, keyvals ...interface{}) {
	Logger.Warn(msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg interface{}, keyvals ...interface{}) {
	Logger.Error(msg, keyvals...)
}

// Fatal logs a fatal message with optional key-value pairs and exits.
func Fatal(msg interface{}, keyvals ...interface{}) {
	Logger.Fatal(msg, keyvals...)
}

// NewStyledLogger creates a new logger with custom styles and prefix for
// component-specific logging. The prefix parameter identifies the component
// (e.g. "Agent", "Compactor").
func NewStyledLogger(prefix string) *log.Logger {
	styles := log.DefaultStyles()

	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("33")). // Blue background
		Foreground(lipgloss.Color("15"))  // White text

	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("196")). // Red background
		Foreground(lipgloss.Color("15"))   // White text

	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("240")). // Gray background
		Foreground(lipgloss.Color("15"))   // White text

	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("214")). // Orange background
		Foreground(lipgloss.Color("15"))   // White text

	styles.Levels[log.FatalLevel] = lipgloss.NewStyle().
		SetString("FATAL").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("88")). // Dark red background
		Foreground(lipgloss.Color("15"))  // White text

	// Custom key styling for common agent keys
	styles.Keys["session_id"] = lipgloss.NewStyle().Foreground(lipgloss.Color("99")) // Purple
	styles.Keys["action"] = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))     // Green
	styles.Keys["model"] = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))      // Blue
	styles.Keys["endpoint"] = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))   // Cyan
	styles.Keys["error"] = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))     // Red
	styles.Keys["turn_id"] = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))   // Orange

	// Custom value styling
	styles.Values["session_id"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	styles.Values["error"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	componentLogger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: prefix + " ",
	})

	componentLogger.SetStyles(styles)
	componentLogger.SetLevel(Logger.GetLevel())

	return componentLogger
}
