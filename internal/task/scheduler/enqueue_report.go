package scheduler

import (
	"errors"
	"time"

	"automoth/internal/task/engine"
	"automoth/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed submission at most once per throttle
// window per name. Alarms lost this way stay in the pending store and are
// picked up by the next reconcile.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrStopped) {
		s.log.Debug("trigger skipped: engine stopped", logx.String("name", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue task", logx.String("name", name), logx.Err(err))
}
