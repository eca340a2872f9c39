package tracking

import "sync"

// LatestLocations last delivered update per entity, safe for concurrent use
type LatestLocations struct {
	lock   sync.RWMutex
	latest map[string]LocationUpdate
}

// NewLatestLocations define a new LatestLocations
func NewLatestLocations() *LatestLocations {
	return &LatestLocations{latest: make(map[string]LocationUpdate)}
}

// Recorder handler which records into this store
func (l *LatestLocations) Recorder() UpdateHandler {
	return UpdateHandlerFunc(l.Record)
}

// Record store update as the latest of its entity
func (l *LatestLocations) Record(update LocationUpdate) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.latest[update.EntityKey] = update
}

// Get latest update of entityKey
func (l *LatestLocations) Get(entityKey string) (LocationUpdate, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	update, ok := l.latest[entityKey]
	return update, ok
}

// Forget drop the update of entityKey
func (l *LatestLocations) Forget(entityKey string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.latest, entityKey)
}

// Snapshot copy of all latest updates
func (l *LatestLocations) Snapshot() map[string]LocationUpdate {
	l.lock.RLock()
	defer l.lock.RUnlock()
	result := make(map[string]LocationUpdate, len(l.latest))
	for entityKey, update := range l.latest {
		result[entityKey] = update
	}
	return result
}
