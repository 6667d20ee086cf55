package coordinator

import "sync"

// KeyLocks hands out one mutex per key. Entries are reference counted and
// dropped when the last holder or waiter releases them, so the registry only
// grows with the number of keys currently in use.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the function that releases it.
func (l *KeyLocks) Lock(key string) (unlock func()) {
	kl := l.acquire(key)
	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.release(key, kl)
	}
}

// TryLock takes key only if nobody holds it.
func (l *KeyLocks) TryLock(key string) (unlock func(), ok bool) {
	kl := l.acquire(key)
	if !kl.mu.TryLock() {
		l.release(key, kl)
		return nil, false
	}
	return func() {
		kl.mu.Unlock()
		l.release(key, kl)
	}, true
}

// Len is the number of keys currently held or waited on.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocks) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocks) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
