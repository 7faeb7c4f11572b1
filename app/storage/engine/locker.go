package engine

import "sync"

// RWLocker is implemented by sync.RWMutex and NoopLocker
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker does nothing, used for engines handling concurrent writes on their own
type NoopLocker struct{}

// Lock does nothing
func (NoopLocker) Lock() {}

// Unlock does nothing
func (NoopLocker) Unlock() {}

// RLock does nothing
func (NoopLocker) RLock() {}

// RUnlock does nothing
func (NoopLocker) RUnlock() {}
