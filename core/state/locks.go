package state

import "sync"

// AssetLocks serializes operations per asset identifier while letting
// different assets proceed in parallel. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type AssetLocks struct {
	mu    sync.Mutex
	locks map[uint64]*assetLock
}

type assetLock struct {
	mu   sync.Mutex
	refs int
}

// NewAssetLocks returns an empty lock table.
func NewAssetLocks() *AssetLocks {
	return &AssetLocks{locks: make(map[uint64]*assetLock)}
}

// Lock blocks until the asset is free and returns the matching unlock func.
func (l *AssetLocks) Lock(id uint64) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &assetLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *AssetLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
