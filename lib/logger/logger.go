// Package logger sets up the process logger shared by the services.
package logger

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the log file.
const (
	maxSizeMB  = 50
	maxBackups = 10
	maxAgeDays = 28
)

// Setup configures the standard logrus logger with the given level (debug, info, warn, error). When file is not empty,
// log lines are also written to that file, which is rotated by size.
func Setup(level, file string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	log.SetOutput(Output(os.Stdout, file))

	return nil
}

// Output returns w, or w plus a rotating file writer when file is set.
func Output(w io.Writer, file string) io.Writer {
	if file == "" {
		return w
	}

	return io.MultiWriter(w, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
}
