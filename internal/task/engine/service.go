package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"automoth/internal/eventbus"
	rtsup "automoth/internal/runtime/supervisor"
	"automoth/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq   atomic.Uint64
	dropped atomic.Uint64
}

type queuedTask struct {
	task       Task
	op         *Op
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{cfg: cfg, log: log.Component("taskengine"), bus: bus}
}

// Start launches the worker. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	stopCh, queue := s.stopCh, s.q
	s.sup.GoRestart("worker", func(c context.Context) error {
		s.worker(c, stopCh, queue)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	})
	s.log.Info("task engine started", logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops the worker and fails queued tasks with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.stopCh, s.q, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
	}
	for {
		select {
		case qt := <-queue:
			qt.op.finish(ErrStopped)
		default:
			s.log.Info("task engine stopped")
			return
		}
	}
}

// Submit queues t without blocking and returns its handle.
func (s *Service) Submit(t Task) (*Op, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()
	if q == nil {
		return nil, ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	op := newOp(t.ID, t.Name)
	qt := queuedTask{task: t, op: op, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	select {
	case q <- qt:
		return op, nil
	default:
		s.dropped.Add(1)
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		return nil, ErrQueueFull
	}
}

// Do submits t and waits for it to finish.
func (s *Service) Do(ctx context.Context, t Task) error {
	op, err := s.Submit(t)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{Running: q != nil, Dropped: s.dropped.Load()}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
