package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "remindbot/pkg/logx"
)

func newRand(idx int) *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := newRand(idx)
	for {
		// Stop wins over a non-empty queue; halt hands leftovers to the next pool.
		if stopped(ctx, stopCh) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			if stopped(ctx, stopCh) {
				s.abandon(t, "stopped")
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

// execOne runs all attempts of qt and reports the final Result to Done.
// A nil stopCh means the caller owns the goroutine (RunNow).
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (res Result) {
	start := time.Now()
	res.QueueDelay = max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	defer func() {
		if qt.task.Done != nil {
			qt.task.Done(res)
		}
	}()

	if cfg.MaxQueueDelay > 0 && res.QueueDelay > cfg.MaxQueueDelay {
		res.Err = ErrStaleQueue
		s.droppedStale.Add(1)
		s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: res.QueueDelay, Error: "stale_queue_delay"})
		if s.shouldWarn(start) {
			s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", res.QueueDelay))
		}
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: res.QueueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		return res
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", res.QueueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: res.QueueDelay})

	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	var err error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = errors.Join(err, ctx.Err())
			break attempts
		case <-stopCh:
			tmr.Stop()
			err = errors.Join(err, ErrStopped)
			break attempts
		case <-tmr.C:
		}
	}

	// An attempt cut short by shutdown is reported as such, whatever the task returned.
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = errors.Join(err, ctx.Err())
	}
	res.Err = err
	res.Duration = time.Since(start)
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: res.QueueDelay, Duration: res.Duration, Attempts: res.Attempts}
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: res.QueueDelay, Duration: res.Duration, Attempts: res.Attempts}
	if err != nil {
		ev.Error, item.Error = err.Error(), err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
		s.publish("task.failed", ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
		s.publish("task.finished", ev)
	}
	s.record(item, cfg.HistorySize)
	return res
}

// runAttempt bounds one attempt with the task timeout and turns a panic into an error so one bad
// task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

// backoffDelay doubles RetryBase per retry, capped at RetryMaxDelay, with symmetric jitter.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
