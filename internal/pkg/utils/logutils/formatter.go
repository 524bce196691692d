package logutils

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// UTCFormatter is a log formatter that prints with UTC timestamps.
type UTCFormatter struct {
	logrus.Formatter
}

func (u *UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

func SetupTestLogging() {
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&UTCFormatter{Formatter: &logrus.TextFormatter{FullTimestamp: true}})
}

// Setup configures the global logger for the agent and server binaries.
// The serial console of a device has no color support, so colors are disabled for TEXT.
func Setup(logLevel, logFormat string) error {
	if err := SetLogLevel(logLevel); err != nil {
		return err
	}
	SetLogFormat(logFormat)
	return nil
}

func SetLogFormat(logFormat string) {
	switch strings.ToUpper(logFormat) {
	case "JSON":
		logrus.SetFormatter(&UTCFormatter{Formatter: &logrus.JSONFormatter{}})
	default:
		logrus.SetFormatter(&UTCFormatter{Formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}})
	}
}

func SetLogLevel(logLevel string) error {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		logrus.SetLevel(logrus.InfoLevel)
	case "DEBUG":
		logrus.SetLevel(logrus.DebugLevel)
	case "WARN":
		logrus.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	return nil
}
