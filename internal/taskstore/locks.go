package taskstore

import "sync"

// fileLocks serializes read-modify-write cycles per record file while
// letting writes to different files proceed concurrently.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for path and returns its release function.
func (l *fileLocks) lock(path string) func() {
	l.mu.Lock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	l.mu.Unlock()

	// Acquire outside the map lock.
	m.Lock()
	return m.Unlock
}
