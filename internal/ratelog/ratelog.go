// Package ratelog throttles log lines from paths that can fail on every request.
package ratelog

import (
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Logger prints at most one line per interval and counts what it dropped.
type Logger struct {
	s          rate.Sometimes
	suppressed atomic.Uint64
}

func New(interval time.Duration) *Logger {
	return &Logger{s: rate.Sometimes{Interval: interval}}
}

func (l *Logger) Printf(format string, args ...any) {
	printed := false
	l.s.Do(func() {
		printed = true
		if n := l.suppressed.Swap(0); n > 0 {
			log.Printf(format+" (%d similar suppressed)", append(args, n)...)
			return
		}
		log.Printf(format, args...)
	})
	if !printed {
		l.suppressed.Add(1)
	}
}
