// Package ratelog throttles diagnostics emitted from hot paths, such as
// blocking reads that give control back to the caller at every cancellation
// checkpoint.
package ratelog

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Logger is the subset of logrus.FieldLogger used by the runtime.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type rateLimitedLogger struct {
	logger logrus.FieldLogger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, args ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, args...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, args ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, args...)
	}
}

func (rl *rateLimitedLogger) Warnf(format string, args ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, args...)
	}
}

// New returns a Logger that logs to logger no more than once per the
// provided duration.
func New(logger logrus.FieldLogger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// Discard is a Logger which drops every message.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
