package eventlog

import (
	"time"
)

// WaitForAppend blocks until a new append occurs, the timeout elapses, or
// the log is closed. It returns true only when woken by an append.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.notifyCh
	done := l.doneCh
	l.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-done:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-done:
		return false
	case <-t.C:
		return false
	}
}
