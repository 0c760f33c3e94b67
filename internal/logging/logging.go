package logging

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
)

var loggerFactory = logging.NewDefaultLoggerFactory()

func NewLogger(scope string) logging.LeveledLogger {
	return loggerFactory.NewLogger(scope)
}

// SetLevel changes the default level of loggers created after the call.
// Accepted names are trace, debug, info, warn, error and disabled.
func SetLevel(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}

	loggerFactory.DefaultLogLevel = level
	return nil
}

func ParseLevel(name string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return logging.LogLevelTrace, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	}

	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", name)
}
