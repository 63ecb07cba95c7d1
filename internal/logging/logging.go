// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Setup applies the level and format (text or json) to the standard logger.
// An unknown level keeps the current one and is reported as a warning.
func Setup(level, format string, out io.Writer) {
	if out != nil {
		log.SetOutput(out)
	}

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logLevel, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("log_level", level).Warn("invalid_log_level")
		return
	}
	log.SetLevel(logLevel)
}
