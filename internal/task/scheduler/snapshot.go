package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		e := s.entry(d.entryID)
		items = append(items, ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Next: e.Next, Prev: e.Prev})
	}
	eng := s.engine
	s.mu.Unlock()

	snap := Snapshot{Timezone: loc.String(), Schedules: items, Alarms: s.alarmInfos()}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
