package engine

import "sync"

// keyedMutex hands out one mutex per key so that runs for the same
// conversation serialise while runs for different conversations proceed in
// parallel. Entries are never removed; the map is bounded by the number of
// distinct conversations seen in a process lifetime.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}
