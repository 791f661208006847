package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by all subsystems.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewLogrus returns a logrus-backed Logger for the given level string.
// Unknown levels fall back to info.
func NewLogrus(level string) Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

// Noop discards all log output. Used as the default in library code.
type Noop struct{}

func (Noop) Debugf(_ string, _ ...interface{}) {}
func (Noop) Infof(_ string, _ ...interface{})  {}
func (Noop) Warnf(_ string, _ ...interface{})  {}
func (Noop) Errorf(_ string, _ ...interface{}) {}
