// Package registry holds the process-wide map of attached devices. The
// supervisor that owns a device's lifecycle is the only writer for that
// serial; every other reader (the HTTP surface, the heartbeat link)
// takes a snapshot.
package registry

import (
	"sort"
	"sync"

	"github.com/liuma-go/provider/internal/model"
)

// Registry is the single process-wide serial -> *DeviceRecord map.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*model.DeviceRecord
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*model.DeviceRecord)}
}

// Put inserts or replaces the record for serial. The supervisor managing
// serial calls this at the start of every pipeline run, so again after
// each restart.
func (r *Registry) Put(serial string, rec *model.DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[serial] = rec
}

// Get returns the record for serial, if present.
func (r *Registry) Get(serial string) (*model.DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[serial]
	return rec, ok
}

// Remove drops serial from the registry. The owning supervisor calls
// this once it has finished tearing the device down.
func (r *Registry) Remove(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, serial)
}

// Snapshot returns a point-in-time copy of every device's externally
// visible state, sorted by serial for stable output.
func (r *Registry) Snapshot() []model.Snapshot {
	r.mu.RLock()
	recs := make([]*model.DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	snaps := make([]model.Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, rec.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Serial < snaps[j].Serial })
	return snaps
}

// Len returns the number of devices currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
