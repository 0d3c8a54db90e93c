package station

import (
	"log"
	"sort"
	"sync"
)

// PoseTracker keeps the latest pose per sensor for HTTP endpoints
type PoseTracker struct {
	mu        sync.RWMutex
	target    string
	poses     map[string]PoseUpdate
	cachePath string // result cache file; empty disables persistence
	saveMu    sync.Mutex
}

// NewPoseTracker creates a tracker without persistence
func NewPoseTracker() *PoseTracker {
	return &PoseTracker{poses: make(map[string]PoseUpdate)}
}

// NewPoseTrackerWithCache creates a tracker that persists every update to
// cachePath. Poses already in the file are loaded on creation.
func NewPoseTrackerWithCache(cachePath string) *PoseTracker {
	pt := NewPoseTracker()
	pt.cachePath = cachePath
	if cachePath == "" {
		return pt
	}
	cache, err := LoadResults(cachePath)
	if err != nil {
		log.Printf("Ignoring unreadable result cache %s: %v", cachePath, err)
		return pt
	}
	if cache != nil {
		pt.target = cache.Target
		for id, u := range cache.Sensors {
			pt.poses[id] = u
		}
	}
	return pt
}

// SetTarget records which target the poses refer to.
func (pt *PoseTracker) SetTarget(target string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.target = target
}

// Update stores a sensor's latest pose and persists the cache if enabled.
func (pt *PoseTracker) Update(u PoseUpdate) {
	pt.mu.Lock()
	pt.poses[u.SensorID] = u
	pt.mu.Unlock()
	if pt.cachePath == "" {
		return
	}

	// saves are serialized so the file always holds the newest snapshot
	pt.saveMu.Lock()
	defer pt.saveMu.Unlock()
	if err := SaveResults(pt.cachePath, pt.Cache()); err != nil {
		log.Printf("Error saving result cache: %v", err)
	}
}

func (pt *PoseTracker) snapshotLocked() *ResultCache {
	cache := NewResultCache(pt.target)
	for id, u := range pt.poses {
		cache.Sensors[id] = u
	}
	return cache
}

// Get returns the latest pose of a sensor
func (pt *PoseTracker) Get(sensorID string) (PoseUpdate, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	u, ok := pt.poses[sensorID]
	return u, ok
}

// All returns a copy of every known pose
func (pt *PoseTracker) All() map[string]PoseUpdate {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	result := make(map[string]PoseUpdate, len(pt.poses))
	for k, v := range pt.poses {
		result[k] = v
	}
	return result
}

// SensorIDs returns the known sensors in sorted order
func (pt *PoseTracker) SensorIDs() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	ids := make([]string, 0, len(pt.poses))
	for id := range pt.poses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cache returns the poses as a result cache.
func (pt *PoseTracker) Cache() *ResultCache {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.snapshotLocked()
}
