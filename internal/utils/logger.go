package utils

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

// GetLogger returns the shared process logger. The level comes from
// LOG_LEVEL; the formatter follows APP_ENV, JSON in production for log
// shipping and plain text everywhere else.
func GetLogger() *logrus.Logger {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)

		level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)

		if os.Getenv("APP_ENV") == "production" {
			logger.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: time.RFC3339,
			})
		} else {
			logger.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "15:04:05",
			})
		}
	}
	return logger
}
