package delivery

import (
	"context"
	"time"

	"cadence/internal/eventbus"
	"cadence/pkg/clock"
	logx "cadence/pkg/logx"
)

// Log is a driver that writes each notification to the log when it fires.
type Log struct {
	*timers
}

func NewLog(log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Log{}
	l.timers = newTimers("log", func(_ context.Context, id string, p Payload) error {
		log.Info("notification delivered",
			logx.String("id", id),
			logx.Category(p.Category),
			logx.String("title", p.Title),
			logx.String("body", p.Body),
		)
		return nil
	}, time.Second, clk, log, bus)
	return l
}
