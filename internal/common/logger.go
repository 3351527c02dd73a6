package common

import (
	"io"
	"os"
	"strings"

	"github.com/labstack/gommon/log"
)

// NewLogger returns a component logger writing to stdout at the given level.
func NewLogger(prefix, level string) *log.Logger {
	logger := log.New(prefix)
	logger.SetOutput(os.Stdout)
	logger.SetHeader(`{"time":"${time_rfc3339}","level":"${level}","prefix":"${prefix}","file":"${short_file}","line":"${line}"}`)
	logger.SetLevel(ParseLevel(level))
	return logger
}

// DiscardLogger is used by tests and by components built without a logger.
func DiscardLogger() *log.Logger {
	logger := log.New("-")
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.OFF)
	return logger
}

// ParseLevel maps LOG_LEVEL values onto gommon levels. Unknown values mean info.
func ParseLevel(level string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off", "none":
		return log.OFF
	default:
		return log.INFO
	}
}
