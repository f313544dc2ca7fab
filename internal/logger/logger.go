package logger

import (
	"io"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	logrus "github.com/sirupsen/logrus"
)

var output io.Writer = os.Stderr

// Setup points logrus at a rotating file, or at stderr when file is empty.
func Setup(file, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	if file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 7,
			MaxAge:     7, // days
			Compress:   true,
		}
	} else {
		output = os.Stderr
	}

	logrus.SetOutput(output)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logrus.SetLevel(lvl)
	return nil
}

// Writer returns the destination chosen by Setup, for request logs.
func Writer() io.Writer {
	return output
}
