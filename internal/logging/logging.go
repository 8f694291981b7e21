// Package logging wires up the daemon's structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the daemon logger.
type Options struct {
	Level  string // logrus level name; empty defaults to "info"
	JSON   bool   // true selects logrus.JSONFormatter over TextFormatter
	Output io.Writer
}

// New builds a *logrus.Logger per Options, defaulting to text output on
// stderr at info level.
func New(opts Options) *logrus.Logger {
	log := logrus.New()

	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stderr)
	}

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
