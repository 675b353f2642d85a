package registry

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/storage"
)

// Key identifies one armed job: a stage of a reminder.
type Key struct {
	UserID int64
	Kind   storage.Kind
	Ref    string // reminder ID
	Stage  storage.Stage
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s/%s", k.UserID, k.Kind, k.Ref, k.Stage)
}

// LockKey is the serialization unit shared by every stage of one reminder.
func (k Key) LockKey() string {
	return fmt.Sprintf("%d/%s/%s", k.UserID, k.Kind, k.Ref)
}

// Job is a snapshot of an armed entry. Gen changes on every arm or rekey.
type Job struct {
	Key    Key
	FireAt time.Time
	Gen    uint64
}

type entry struct {
	job   Job
	index int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	heap     jobHeap
	inflight map[Key]int
	gen      uint64

	wake     chan struct{}
	now      func() time.Time
	maxSleep time.Duration

	locks keyLocks
}

type Option func(*Registry)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMaxSleep bounds how long the wake loop sleeps, so wall-clock jumps are noticed.
func WithMaxSleep(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxSleep = d
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  map[Key]*entry{},
		inflight: map[Key]int{},
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		maxSleep: 30 * time.Second,
		locks:    keyLocks{m: map[string]*lockRef{}},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Arm inserts or replaces the job for key.
func (r *Registry) Arm(key Key, fireAt time.Time) Job {
	r.mu.Lock()
	r.gen++
	job := Job{Key: key, FireAt: fireAt, Gen: r.gen}
	if e, ok := r.entries[key]; ok {
		e.job = job
		heap.Fix(&r.heap, e.index)
	} else {
		e := &entry{job: job}
		r.entries[key] = e
		heap.Push(&r.heap, e)
	}
	r.mu.Unlock()
	r.signal()
	return job
}

// Rekey moves an armed job to fireAt. It reports false when key is not armed.
func (r *Registry) Rekey(key Key, fireAt time.Time) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		r.gen++
		e.job.FireAt = fireAt
		e.job.Gen = r.gen
		heap.Fix(&r.heap, e.index)
	}
	r.mu.Unlock()
	if ok {
		r.signal()
	}
	return ok
}

// Cancel removes the job for key. An already-claimed job is not affected.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	ok := r.removeLocked(key)
	r.mu.Unlock()
	if ok {
		r.signal()
	}
	return ok
}

// CancelRef removes every stage armed for one reminder.
func (r *Registry) CancelRef(userID int64, kind storage.Kind, ref string) int {
	return r.cancelWhere(func(k Key) bool { return k.UserID == userID && k.Kind == kind && k.Ref == ref })
}

// CancelAll removes every job of a user.
func (r *Registry) CancelAll(userID int64) int {
	return r.cancelWhere(func(k Key) bool { return k.UserID == userID })
}

func (r *Registry) cancelWhere(match func(Key) bool) int {
	r.mu.Lock()
	n := 0
	for k := range r.entries {
		if match(k) && r.removeLocked(k) {
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.signal()
	}
	return n
}

func (r *Registry) removeLocked(key Key) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	heap.Remove(&r.heap, e.index)
	delete(r.entries, key)
	return true
}

func (r *Registry) Lookup(key Key) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// NextWake returns the earliest fire time.
func (r *Registry) NextWake() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heap) == 0 {
		return time.Time{}, false
	}
	return r.heap[0].job.FireAt, true
}

// PopDue removes and returns every job with FireAt <= now, earliest first, and marks each as in
// flight until Done is called for its key.
func (r *Registry) PopDue(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for len(r.heap) > 0 && !r.heap[0].job.FireAt.After(now) {
		e := heap.Pop(&r.heap).(*entry)
		delete(r.entries, e.job.Key)
		r.inflight[e.job.Key]++
		out = append(out, e.job)
	}
	return out
}

// Done releases the in-flight mark set by PopDue.
func (r *Registry) Done(key Key) {
	r.mu.Lock()
	if n := r.inflight[key]; n <= 1 {
		delete(r.inflight, key)
	} else {
		r.inflight[key] = n - 1
	}
	r.mu.Unlock()
}

// Busy reports whether key is armed or in flight.
func (r *Registry) Busy(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, armed := r.entries[key]
	return armed || r.inflight[key] > 0
}

// Claim marks key in flight unless it is already armed or in flight. Callers that fire a stage
// outside the wake loop claim it first and release it with Done.
func (r *Registry) Claim(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, armed := r.entries[key]; armed || r.inflight[key] > 0 {
		return false
	}
	r.inflight[key]++
	return true
}

// Snapshot returns armed jobs ordered by fire time.
func (r *Registry) Snapshot() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.job)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return jobLess(out[i], out[j]) })
	return out
}

// Reset drops every armed job. In-flight marks survive so running fires can still call Done.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = map[Key]*entry{}
	r.heap = nil
	r.mu.Unlock()
	r.signal()
}

// Lock acquires the per-reminder mutex for k.LockKey() and returns its release func.
func (r *Registry) Lock(k Key) func() {
	return r.locks.lock(k.LockKey())
}

// Run is the wake loop: it claims due jobs and hands each to fire, then sleeps until the next
// fire time, a registry change or maxSleep. fire must not block for long.
func (r *Registry) Run(ctx context.Context, fire func(Job)) error {
	for {
		for _, j := range r.PopDue(r.now()) {
			fire(j)
		}

		sleep := r.maxSleep
		if next, ok := r.NextWake(); ok {
			sleep = min(max(next.Sub(r.now()), 0), r.maxSleep)
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-r.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func jobLess(a, b Job) bool {
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	return a.Key.String() < b.Key.String()
}

type jobHeap []*entry

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return jobLess(h[i].job, h[j].job) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
