package scheduler

import (
	"errors"
	"time"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a fired job the engine refused. The post stays
// SCHEDULED, so the sweeper or the next boot re-admits it.
func (s *Service) reportEnqueueError(postID int64, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, engine.ErrStopping) || (errors.Is(err, engine.ErrStopped) && s.isStopped()) {
		s.log.Debug("fired job not submitted: engine stopping", logx.PostID(postID), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[postID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	// Keep the throttle map bounded.
	for id, at := range s.lastEnqWarn {
		if now.Sub(at) >= enqueueWarnThrottle {
			delete(s.lastEnqWarn, id)
		}
	}
	s.lastEnqWarn[postID] = now
	s.enqMu.Unlock()

	s.log.Warn("fired job not submitted; left for sweeper", logx.PostID(postID), logx.Err(err))
}
