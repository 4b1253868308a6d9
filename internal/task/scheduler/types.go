package scheduler

import (
	"context"
	"sync"
	"time"

	"automoth/internal/eventbus"
	"automoth/internal/task/engine"
	"automoth/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls trigger calculation.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"

	// InexactWindow batches non-exact alarms: they fire at the next multiple
	// of the window at or after the requested time. 0 makes every alarm exact.
	InexactWindow time.Duration

	// FireTimeout bounds a single alarm handler run. 0 uses the engine default.
	FireTimeout time.Duration
}

// FireFunc handles an alarm. It runs on the engine worker.
type FireFunc func(ctx context.Context, code int64) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type alarm struct {
	at    time.Time // effective fire time
	want  time.Time // requested time
	exact bool
	ver   uint64
	timer *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// Alarm definitions survive Stop; timers exist only while started.
	amu     sync.Mutex
	alarms  map[int64]*alarm
	aver    uint64
	fire    FireFunc
	running bool
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type AlarmInfo struct {
	Code      int64     `json:"code"`
	At        time.Time `json:"at"`
	Requested time.Time `json:"requested"`
	Exact     bool      `json:"exact"`
}

type Snapshot struct {
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Alarms    []AlarmInfo     `json:"alarms"`
	Engine    engine.Snapshot `json:"engine"`
}
