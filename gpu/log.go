package gpu

import "github.com/sirupsen/logrus"

// Debug enables verbose resource lifecycle logging.
var Debug bool

var logger = logrus.New()

// SetLogger replaces the package logger. A nil logger is ignored.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the package logger.
func Logger() *logrus.Logger { return logger }

// Log writes a debug line. Callers gate it on Debug.
func Log(format string, args ...any) {
	logger.Debugf(format, args...)
}
