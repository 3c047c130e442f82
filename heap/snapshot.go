package heap

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cinderlang/cinder/object"
	"github.com/vmihailenco/msgpack/v5"
)

// snapshotSchemaVersion guards snapshot decoding against format drift.
const snapshotSchemaVersion uint16 = 1

// SnapshotObject describes one live object in a heap snapshot.
type SnapshotObject struct {
	Kind   string
	Size   int64
	Refs   int
	Pinned bool
}

// Snapshot is a serializable census of the live heap, taken for offline
// diagnostics. Objects appear in live-list order (most recently allocated
// first).
type Snapshot struct {
	Schema         uint16
	Label          string
	TakenAt        time.Time
	BytesAllocated int64
	NextGC         int64
	Collections    int64
	Objects        []SnapshotObject
}

// Snapshot walks the live list and records every object's kind, accounting
// size, outgoing reference count, and pin state.
func (h *Heap) Snapshot() *Snapshot {
	pinned := make(map[*object.Object]bool, len(h.pins))
	for _, v := range h.pins {
		if o := v.Object(); o != nil {
			pinned[o] = true
		}
	}
	snap := &Snapshot{
		Schema:         snapshotSchemaVersion,
		Label:          h.label,
		TakenAt:        time.Now(),
		BytesAllocated: h.bytesAllocated,
		NextGC:         h.nextGC,
		Collections:    h.collections,
	}
	for o := h.head; o != nil; o = o.NextObject() {
		refs := 0
		object.EachRef(o, func(*object.Object) { refs++ })
		snap.Objects = append(snap.Objects, SnapshotObject{
			Kind:   o.Kind().String(),
			Size:   o.Size(),
			Refs:   refs,
			Pinned: pinned[o],
		})
	}
	return snap
}

// Encode writes the snapshot to w in its binary form.
func (s *Snapshot) Encode(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(s)
}

// WriteFile writes the snapshot to a file.
func (s *Snapshot) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.Encode(f); err != nil {
		return err
	}
	return f.Sync()
}

// DecodeSnapshot reads a snapshot back from its binary form, rejecting
// payloads written by a different schema version.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode heap snapshot: %w", err)
	}
	if snap.Schema != snapshotSchemaVersion {
		return nil, fmt.Errorf("heap snapshot schema %d not supported (want %d)",
			snap.Schema, snapshotSchemaVersion)
	}
	return &snap, nil
}
