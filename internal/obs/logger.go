// Package obs provides the process-wide structured logger used by every
// component of the inference gateway.
package obs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logSubsys = "subsys"

var (
	defaultLogger  = initDefaultLogger()
	fileOnlyLogger = initFileLogger()

	defaultLogLevel = logrus.InfoLevel
	defaultLogFile  = "/var/log/infercore/gateway.log"

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
	}

	loggerMap = map[string]*logrus.Logger{
		"default":  defaultLogger,
		"fileOnly": fileOnlyLogger,
	}
)

func initDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(defaultLogFormat)
	logger.SetLevel(defaultLogLevel)
	return logger
}

func initFileLogger() *logrus.Logger {
	logger := initDefaultLogger()
	logFilePath := defaultLogFile
	dir, fileName := filepath.Split(logFilePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warnf("failed to create log directory: %v, falling back to cwd", err)
		logFilePath = fileName
	}

	logfile := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   false,
	}
	logger.SetOutput(io.Writer(logfile))
	return logger
}

// SetLevel sets the level of a named logger ("default" or "fileOnly").
func SetLevel(loggerName string, level logrus.Level) error {
	logger, exists := loggerMap[loggerName]
	if !exists || logger == nil {
		return errLoggerNotFound(loggerName)
	}
	logger.SetLevel(level)
	return nil
}

// NewLogger allocates a log entry scoped to a specific subsystem, e.g.
// "scheduler", "kvcache", "reliability".
func NewLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(logSubsys, subsys)
}

// NewFileLogger behaves like NewLogger but never writes to stdout/stderr.
func NewFileLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(fileOnlyLogger)
	}
	return fileOnlyLogger.WithField(logSubsys, subsys)
}

type loggerNotFoundError string

func (e loggerNotFoundError) Error() string { return "logger " + string(e) + " does not exist" }

func errLoggerNotFound(name string) error { return loggerNotFoundError(name) }
