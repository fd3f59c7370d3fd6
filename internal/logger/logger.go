package logger

import (
	"github.com/sirupsen/logrus"
)

// New returns the logrus logger the binaries share: timestamped text output
// on stderr, info level unless debug is requested.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
