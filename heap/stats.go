package heap

import "time"

// Stats is a point-in-time view of heap health. It is useful for auditing
// allocation behavior and collection pressure during a run.
type Stats struct {
	// BytesAllocated is the accounting bytes charged to live objects.
	BytesAllocated int64

	// NextGC is the threshold that triggers the next collection.
	NextGC int64

	// LiveObjects is the number of objects on the live list.
	LiveObjects int64

	// TotalAllocs is the number of objects ever allocated.
	TotalAllocs int64

	// Collections is the number of completed collection cycles.
	Collections int64

	// LastFreedObjects is the object count freed by the last cycle.
	LastFreedObjects int64

	// LastFreedBytes is the accounting bytes freed by the last cycle.
	LastFreedBytes int64

	// LastPause is the stop-the-world duration of the last cycle.
	LastPause time.Duration
}

// Stats returns current heap statistics.
func (h *Heap) Stats() Stats {
	return Stats{
		BytesAllocated:   h.bytesAllocated,
		NextGC:           h.nextGC,
		LiveObjects:      h.liveObjects,
		TotalAllocs:      h.totalAllocs,
		Collections:      h.collections,
		LastFreedObjects: h.lastFreed,
		LastFreedBytes:   h.lastFreedBy,
		LastPause:        time.Duration(h.lastPause),
	}
}
