package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool that runs tasks with per-attempt timeouts and
// exponential-backoff retries.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq            atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastDropWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; worker count or queue size changes restart the pool. Tasks still
// queued move to the new pool; a task waiting between retries ends with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize && cfg.Enabled) {
		return
	}
	pending, _ := s.halt(ctx)
	s.Start(ctx)
	s.requeue(pending)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))))
	stopCh, queue, sup := s.stopCh, s.q, s.sup

	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop signals workers and waits for in-flight attempts up to ctx. Tasks still queued are
// finished with ErrStopped; their rows stay in the store for the sweep or the next recovery.
func (s *Service) Stop(ctx context.Context) {
	pending, ok := s.halt(ctx)
	if !ok {
		return
	}
	for _, qt := range pending {
		s.abandon(qt, "stopped")
	}
	s.log.Info("task engine stopped", logx.Int("abandoned", len(pending)))
}

// halt stops the workers and returns whatever was left in the queue. It reports false when
// the pool was not running.
func (s *Service) halt(ctx context.Context) ([]queuedTask, bool) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil, false
	}
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
	}

	var pending []queuedTask
	for {
		select {
		case qt := <-q:
			pending = append(pending, qt)
		default:
			return pending, true
		}
	}
}

// requeue moves tasks left by halt onto the current queue, keeping their enqueue time.
func (s *Service) requeue(pending []queuedTask) {
	for _, qt := range pending {
		s.mu.Lock()
		q := s.q
		sent := false
		if q != nil {
			select {
			case q <- qt:
				sent = true
			default:
			}
		}
		s.mu.Unlock()
		if !sent {
			s.abandon(qt, "requeue_failed")
		}
	}
	if len(pending) > 0 {
		s.log.Info("queued tasks moved to restarted pool", logx.Int("tasks", len(pending)))
	}
}

func (s *Service) abandon(qt queuedTask, reason string) {
	now := time.Now()
	s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: now, Error: reason})
	if qt.task.Done != nil {
		qt.task.Done(Result{Err: ErrStopped, QueueDelay: max(now.Sub(qt.enqueuedAt), 0)})
	}
}

// Enqueue hands t to the pool without blocking. The send happens under the lock so a
// concurrent Stop either sees the task in the queue or makes Enqueue fail.
func (s *Service) Enqueue(t Task) error {
	t, err := s.prepare(t)
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	if !cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: effectiveTimeout(t, cfg), opt: t.Opt.withDefaults(cfg)}
	select {
	case q <- qt:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
	}

	s.droppedQueueFull.Add(1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if s.shouldWarn(now) {
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
	}
	return ErrQueueFull
}

// RunNow executes t on the calling goroutine with the same retry policy the workers use.
// It works whether or not the pool is running.
func (s *Service) RunNow(ctx context.Context, t Task) Result {
	t, err := s.prepare(t)
	if err != nil {
		res := Result{Err: err}
		if t.Done != nil {
			t.Done(res)
		}
		return res
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	qt := queuedTask{task: t, enqueuedAt: time.Now(), timeout: effectiveTimeout(t, cfg), opt: t.Opt.withDefaults(cfg)}
	return s.execOne(ctx, nil, qt, newRand(0))
}

func (s *Service) prepare(t Task) (Task, error) {
	if t.Run == nil {
		return t, errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return t, errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", time.Now().UnixNano(), s.idSeq.Add(1))
	}
	return t, nil
}

func effectiveTimeout(t Task, cfg Config) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return cfg.DefaultTimeout
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarnAt.CompareAndSwap(prev, n)
}

func (s *Service) record(item HistoryItem, limit int) {
	if limit <= 0 {
		limit = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}
