package util

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skyforge/launcher/formatter"
)

// LogSource tags entries written through a context carrying a "source" value.
type LogSource string

const (
	InstallSource LogSource = "INSTALL"
	CLISource     LogSource = "CLI"
)

type logSourceKey struct{}

// SourceKey is the context key the log hook reads the LogSource from.
var SourceKey = logSourceKey{}

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != "console" {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	formatter.SetTextFormatter(log.StandardLogger(), map[string]any{"source": SourceKey})
	log.SetLevel(level)
	return nil
}
