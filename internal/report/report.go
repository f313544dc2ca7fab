// Package report forwards unexpected errors to Sentry.
package report

import (
	"os"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
)

// Setup initialises the Sentry client. An empty dsn leaves reporting disabled.
func Setup(dsn, env string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
	}); err != nil {
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("env", env)
		scope.SetTag("go_version", runtime.Version())
		scope.SetContext("host_info", map[string]interface{}{
			"hostname": hostname(),
		})
	})
	return nil
}

// Flush waits for buffered events to be sent.
func Flush() {
	sentry.Flush(2 * time.Second)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Options carries optional data attached to a report.
type Options struct {
	Tags         map[string]string
	ExtraContext map[string]interface{}
	Level        sentry.Level
}

// ReportError reports err with the given options. Level defaults to sentry.LevelError.
func ReportError(err error, opts Options) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		level := opts.Level
		if level == "" {
			level = sentry.LevelError
		}
		scope.SetLevel(level)
		for k, v := range opts.Tags {
			scope.SetTag(k, v)
		}
		if opts.ExtraContext != nil {
			scope.SetContext("extra", opts.ExtraContext)
		}
		sentry.CaptureException(err)
	})
}
