package heap

import (
	"time"

	"github.com/cinderlang/cinder/object"
)

// Marker is handed to root providers during the mark phase. Marking an
// object colors it grey: marked, queued on the worklist, children not yet
// scanned.
type Marker struct {
	h *Heap
}

// MarkValue marks the object a value references, if any.
func (m *Marker) MarkValue(v object.Value) {
	if o := v.Object(); o != nil {
		m.MarkObject(o)
	}
}

// MarkObject marks an object and queues it for scanning. Already-marked
// objects are skipped, which is what terminates marking on cyclic graphs.
func (m *Marker) MarkObject(o *object.Object) {
	if o == nil || o.Marked() {
		return
	}
	o.SetMarked(true)
	m.h.grey = append(m.h.grey, o)
}

// Collect runs one full stop-the-world mark-sweep cycle and reports the
// heap statistics as of its completion.
//
// The mark phase seeds the grey worklist from every registered root
// provider and every pin, then drains it iteratively: native stack usage
// stays constant no matter how deep the object graph is. The sweep walks
// the intrusive list once, clearing marks on survivors so the next cycle
// starts clean, and unlinking, finalizing, and uncharging the rest.
func (h *Heap) Collect() Stats {
	start := time.Now()

	m := &Marker{h: h}
	for _, r := range h.roots {
		r.MarkRoots(m)
	}
	for _, v := range h.pins {
		m.MarkValue(v)
	}
	for len(h.grey) > 0 {
		o := h.grey[len(h.grey)-1]
		h.grey = h.grey[:len(h.grey)-1]
		object.EachRef(o, m.MarkObject)
	}

	var freedObjects, freedBytes int64
	var prev *object.Object
	cur := h.head
	for cur != nil {
		next := cur.NextObject()
		if cur.Marked() {
			cur.SetMarked(false)
			prev = cur
		} else {
			if prev == nil {
				h.head = next
			} else {
				prev.SetNextObject(next)
			}
			cur.SetNextObject(nil)
			object.Finalize(cur)
			freedObjects++
			freedBytes += cur.Size()
		}
		cur = next
	}

	h.bytesAllocated -= freedBytes
	h.liveObjects -= freedObjects
	h.nextGC = int64(float64(h.bytesAllocated) * h.growthFactor)
	if h.nextGC < h.initialThreshold {
		h.nextGC = h.initialThreshold
	}

	pause := time.Since(start)
	h.collections++
	h.lastFreed = freedObjects
	h.lastFreedBy = freedBytes
	h.lastPause = int64(pause)

	h.logger.Debug().
		Str("heap", h.label).
		Int64("freed_objects", freedObjects).
		Int64("freed_bytes", freedBytes).
		Int64("live_objects", h.liveObjects).
		Int64("live_bytes", h.bytesAllocated).
		Int64("next_gc", h.nextGC).
		Dur("pause", pause).
		Msg("gc cycle")

	return h.Stats()
}
