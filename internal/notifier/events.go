package notifier

import (
	"context"
	"fmt"

	"automoth/internal/eventbus"
	"automoth/pkg/logx"
)

// DefaultEvents are forwarded when Config.Events is empty. Per-image
// events are left out.
var DefaultEvents = []string{
	eventbus.SessionStarted,
	eventbus.SessionStopped,
	eventbus.CaptureFailed,
	eventbus.PendingAdded,
	eventbus.PendingCanceled,
	eventbus.PendingDropped,
	eventbus.TaskFailed,
}

// Watch forwards selected bus events until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			types := s.cfg.Events
			s.mu.Unlock()
			if len(types) == 0 {
				types = DefaultEvents
			}
			if !eventbus.Matcher(types)(e.Type) {
				continue
			}
			text := Format(e)
			if err := s.Notify(ctx, text); err != nil && err != ErrDisabled {
				s.log.Debug("event not forwarded", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// Format renders an event as a one-line message.
func Format(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.SessionInfo:
		switch e.Type {
		case eventbus.SessionStarted:
			return fmt.Sprintf("▶️ Session %q (#%d) started", d.Name, d.SessionID)
		case eventbus.SessionStopped:
			return fmt.Sprintf("⏹ Session %q (#%d) stopped (%s): %d images, %d failed, %d dropped",
				d.Name, d.SessionID, d.Reason, d.Images, d.Failures, d.Dropped)
		case eventbus.CaptureFailed:
			return fmt.Sprintf("⚠️ Capture failed in session %q (#%d): %s", d.Name, d.SessionID, d.Error)
		}
	case eventbus.PendingInfo:
		switch e.Type {
		case eventbus.PendingAdded:
			return fmt.Sprintf("🗓 Scheduled %q (#%d) for %s", d.Name, d.RequestCode, d.Start)
		case eventbus.PendingCanceled:
			return fmt.Sprintf("✖️ Schedule %q (#%d) %s", d.Name, d.RequestCode, d.Reason)
		case eventbus.PendingDropped:
			return fmt.Sprintf("⚠️ Scheduled session %q (#%d) dropped: %s", d.Name, d.RequestCode, d.Reason)
		}
	}
	return fmt.Sprintf("%s: %+v", e.Type, e.Data)
}
