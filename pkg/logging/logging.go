package logging

import (
	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger a component should use. Every entry carries the component name.
func NewLogger(loggerName string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger.WithField("component", loggerName)
}

// SetLevel parses level and applies it to the logger behind entry. An empty level is a no-op.
func SetLevel(entry *logrus.Entry, level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	entry.Logger.SetLevel(lvl)
	return nil
}
