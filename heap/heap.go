// Package heap implements the allocator and garbage collector backing the
// Cinder virtual machine.
//
// Every allocation goes through a Heap, which threads objects into an
// intrusive list (the source of truth for what exists), charges their
// accounting bytes, and triggers a synchronous tri-color mark-sweep
// collection whenever the allocated total crosses an adaptive threshold.
// Collection only ever runs inside an allocation call or an explicit
// Collect, so the mutator can rely on instruction boundaries as safe
// points.
package heap

import (
	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/object"
	"github.com/rs/zerolog"
)

const (
	// DefaultInitialThreshold is the allocation threshold a fresh heap
	// starts with and the floor the threshold never drops below.
	DefaultInitialThreshold = 1 << 20

	// DefaultGrowthFactor scales the threshold after each collection:
	// nextGC = bytesAfterSweep * factor.
	DefaultGrowthFactor = 2.0
)

// Config controls a heap's collection behavior.
type Config struct {
	// InitialThreshold is the bytesAllocated level that triggers the
	// first collection. Zero means DefaultInitialThreshold.
	InitialThreshold int64

	// GrowthFactor scales the threshold after each sweep. Values at or
	// below 1 mean DefaultGrowthFactor.
	GrowthFactor float64

	// MaxBytes is the hard cap. An allocation that would exceed it runs
	// one forced collection and fails with an AllocationError if the
	// request still does not fit. Zero means uncapped.
	MaxBytes int64

	// Label identifies the owning VM in logs and snapshots.
	Label string

	// Logger receives a debug event per collection cycle.
	Logger zerolog.Logger
}

// RootMarker is implemented by anything that owns GC roots: the VM (operand
// stack, frame locals, globals, open upvalues, loaded-module constants)
// registers itself with the heap it allocates from.
type RootMarker interface {
	MarkRoots(m *Marker)
}

// PinHandle identifies a pinned value for later release.
type PinHandle uint64

// Heap owns every object the VM allocates.
type Heap struct {
	head             *object.Object
	bytesAllocated   int64
	nextGC           int64
	initialThreshold int64
	growthFactor     float64
	maxBytes         int64
	label            string
	logger           zerolog.Logger

	roots   []RootMarker
	pins    map[PinHandle]object.Value
	nextPin PinHandle
	grey    []*object.Object

	liveObjects int64
	totalAllocs int64
	collections int64
	lastFreed   int64
	lastFreedBy int64
	lastPause   int64
}

// New creates a heap with the given configuration.
func New(cfg Config) *Heap {
	threshold := cfg.InitialThreshold
	if threshold <= 0 {
		threshold = DefaultInitialThreshold
	}
	factor := cfg.GrowthFactor
	if factor <= 1 {
		factor = DefaultGrowthFactor
	}
	return &Heap{
		nextGC:           threshold,
		initialThreshold: threshold,
		growthFactor:     factor,
		maxBytes:         cfg.MaxBytes,
		label:            cfg.Label,
		logger:           cfg.Logger,
		pins:             map[PinHandle]object.Value{},
	}
}

// AddRoots registers a root provider. Roots are enumerated at the start of
// every collection.
func (h *Heap) AddRoots(r RootMarker) {
	h.roots = append(h.roots, r)
}

// Pin roots a value until Unpin is called with the returned handle. Native
// functions that retain a value across a call back into the VM must pin it.
func (h *Heap) Pin(v object.Value) PinHandle {
	h.nextPin++
	h.pins[h.nextPin] = v
	return h.nextPin
}

// Unpin releases a pinned value.
func (h *Heap) Unpin(handle PinHandle) {
	delete(h.pins, handle)
}

// BytesAllocated returns the accounting bytes currently charged to live
// objects.
func (h *Heap) BytesAllocated() int64 {
	return h.bytesAllocated
}

// NextGC returns the threshold that triggers the next collection.
func (h *Heap) NextGC() int64 {
	return h.nextGC
}

// LiveObjects returns the number of objects on the live list.
func (h *Heap) LiveObjects() int64 {
	return h.liveObjects
}

// Charge accounts bytes added to an already-live object, such as a map
// entry inserted after allocation. It never collects: the mutation in
// progress may hold unrooted values, so the charge is only observed at the
// next allocation.
func (h *Heap) Charge(delta int64) {
	h.bytesAllocated += delta
}

// adopt links a freshly constructed object into the heap, charging its
// size. The threshold check runs before linking, so a triggered collection
// can never sweep the object being allocated.
func (h *Heap) adopt(o *object.Object) (*object.Object, error) {
	size := o.Size()
	if h.maxBytes > 0 && h.bytesAllocated+size > h.maxBytes {
		h.Collect()
		if h.bytesAllocated+size > h.maxBytes {
			return nil, errz.NewAllocationError(size, h.bytesAllocated, h.maxBytes)
		}
	} else if h.bytesAllocated > h.nextGC {
		h.Collect()
	}
	o.SetNextObject(h.head)
	h.head = o
	h.bytesAllocated += size
	h.liveObjects++
	h.totalAllocs++
	return o, nil
}

// AllocString allocates a string object.
func (h *Heap) AllocString(s string) (*object.Object, error) {
	return h.adopt(object.NewString(s))
}

// AllocArray allocates an array object owning elems.
func (h *Heap) AllocArray(elems []object.Value) (*object.Object, error) {
	return h.adopt(object.NewArray(elems))
}

// AllocMap allocates a map object owning entries.
func (h *Heap) AllocMap(entries map[string]object.Value) (*object.Object, error) {
	return h.adopt(object.NewMap(entries))
}

// AllocFunction allocates a function object.
func (h *Heap) AllocFunction(name string, arity int, meta int) (*object.Object, error) {
	return h.adopt(object.NewFunction(name, arity, meta))
}

// AllocClosure allocates a closure over fn with room for count captures.
// The caller roots the closure before allocating its upvalues.
func (h *Heap) AllocClosure(fn *object.Object, count int) (*object.Object, error) {
	return h.adopt(object.NewClosure(fn, count))
}

// AllocUpvalue allocates an open upvalue pointing at a stack slot.
func (h *Heap) AllocUpvalue(slot int) (*object.Object, error) {
	return h.adopt(object.NewUpvalue(slot))
}

// AllocClass allocates a class object owning the method table.
func (h *Heap) AllocClass(name string, methods map[string]object.Value) (*object.Object, error) {
	return h.adopt(object.NewClass(name, methods))
}

// AllocInstance allocates an instance of class.
func (h *Heap) AllocInstance(class *object.Object) (*object.Object, error) {
	return h.adopt(object.NewInstance(class))
}

// AllocNative allocates a native function object. The release hook runs
// when the object is swept.
func (h *Heap) AllocNative(name string, arity int, fn object.NativeFn, release func()) (*object.Object, error) {
	return h.adopt(object.NewNative(name, arity, fn, release))
}

// AllocError allocates an error object.
func (h *Heap) AllocError(kind errz.Kind, message string) (*object.Object, error) {
	return h.adopt(object.NewError(kind, message))
}
