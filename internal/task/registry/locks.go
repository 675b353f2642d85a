package registry

import "sync"

// keyLocks hands out one mutex per key and forgets it when nobody holds or waits for it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	ref := l.m[key]
	if ref == nil {
		ref = &lockRef{}
		l.m[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ref.mu.Unlock()
			l.mu.Lock()
			ref.refs--
			if ref.refs == 0 {
				delete(l.m, key)
			}
			l.mu.Unlock()
		})
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
