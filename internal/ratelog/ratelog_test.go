package ratelog_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stealthrocket/microvisor/internal/ratelog"
)

func TestRateLimitedLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	log := ratelog.New(logger, time.Hour)
	for i := 0; i < 10; i++ {
		log.Warnf("attempt %d", i)
	}

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("wrong number of log entries: want=1 got=%d", len(entries))
	}
	if msg := entries[0].Message; msg != "attempt 0" {
		t.Errorf("wrong message: want=%q got=%q", "attempt 0", msg)
	}
	if lvl := entries[0].Level; lvl != logrus.WarnLevel {
		t.Errorf("wrong level: want=%v got=%v", logrus.WarnLevel, lvl)
	}
}
