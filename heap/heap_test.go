package heap

import (
	"errors"
	"strings"
	"testing"

	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/object"
	"github.com/stretchr/testify/require"
)

// rootList is a test root provider standing in for a VM.
type rootList struct {
	values []object.Value
}

func (r *rootList) MarkRoots(m *Marker) {
	for _, v := range r.values {
		m.MarkValue(v)
	}
}

func TestNewDefaults(t *testing.T) {
	h := New(Config{})
	require.Equal(t, int64(DefaultInitialThreshold), h.NextGC())
	require.Equal(t, int64(0), h.BytesAllocated())
	require.Equal(t, int64(0), h.LiveObjects())
}

func TestAllocTracksObjects(t *testing.T) {
	h := New(Config{})
	o, err := h.AllocString("hello")
	require.Nil(t, err)
	require.Equal(t, o.Size(), h.BytesAllocated())
	require.Equal(t, int64(1), h.LiveObjects())

	_, err = h.AllocArray([]object.Value{o.Value()})
	require.Nil(t, err)
	require.Equal(t, int64(2), h.LiveObjects())
	require.Equal(t, int64(2), h.Stats().TotalAllocs)
}

func TestCollectFreesUnrootedHalf(t *testing.T) {
	h := New(Config{InitialThreshold: 10000})
	roots := &rootList{}
	h.AddRoots(roots)

	payload := strings.Repeat("x", 1000)
	var rooted []*object.Object
	for i := 0; i < 10; i++ {
		o, err := h.AllocString(payload)
		require.Nil(t, err)
		if i%2 == 0 {
			roots.values = append(roots.values, o.Value())
			rooted = append(rooted, o)
		}
	}
	require.Equal(t, int64(0), h.Stats().Collections, "setup must stay under the threshold")
	require.Equal(t, int64(10), h.LiveObjects())

	stats := h.Collect()
	require.Equal(t, int64(5), stats.LastFreedObjects)
	require.Equal(t, int64(5), stats.LiveObjects)
	require.Equal(t, 2*stats.BytesAllocated, stats.NextGC)

	// Survivors are present and unmodified.
	for _, o := range rooted {
		require.Equal(t, payload, o.String())
		require.False(t, o.Marked())
	}
}

func TestThresholdTriggersCollection(t *testing.T) {
	h := New(Config{InitialThreshold: 10000})
	h.AddRoots(&rootList{})

	payload := strings.Repeat("x", 1000)
	allocs := 0
	for i := 0; i < 100; i++ {
		_, err := h.AllocString(payload)
		require.Nil(t, err)
		allocs++
		if h.Stats().Collections > 0 {
			break
		}
	}
	require.Equal(t, int64(1), h.Stats().Collections)
	// Everything allocated before the triggering call was unrooted.
	require.Equal(t, int64(1), h.LiveObjects())
	require.Equal(t, 11, allocs)
}

func TestUnreachableGraphIsSwept(t *testing.T) {
	h := New(Config{})
	roots := &rootList{}
	h.AddRoots(roots)

	leaf, err := h.AllocString("leaf")
	require.Nil(t, err)
	arr, err := h.AllocArray([]object.Value{leaf.Value()})
	require.Nil(t, err)
	m, err := h.AllocMap(map[string]object.Value{"arr": arr.Value()})
	require.Nil(t, err)

	roots.values = []object.Value{m.Value()}
	h.Collect()
	require.Equal(t, int64(3), h.LiveObjects())

	roots.values = nil
	h.Collect()
	require.Equal(t, int64(0), h.LiveObjects())
	require.Equal(t, int64(0), h.BytesAllocated())
}

func TestCyclicGraphIsCollected(t *testing.T) {
	h := New(Config{})
	roots := &rootList{}
	h.AddRoots(roots)

	a, err := h.AllocArray([]object.Value{object.Null})
	require.Nil(t, err)
	b, err := h.AllocArray([]object.Value{a.Value()})
	require.Nil(t, err)
	a.SetElem(0, b.Value())

	roots.values = []object.Value{a.Value()}
	h.Collect()
	require.Equal(t, int64(2), h.LiveObjects())

	// A cycle with no external roots must still be reclaimed.
	roots.values = nil
	h.Collect()
	require.Equal(t, int64(0), h.LiveObjects())
}

func TestDeepGraphMarking(t *testing.T) {
	// A chain this deep would overflow the native stack if marking
	// recursed; the grey worklist keeps it flat.
	const depth = 100000
	h := New(Config{InitialThreshold: 1 << 30})
	roots := &rootList{}
	h.AddRoots(roots)

	var head object.Value
	for i := 0; i < depth; i++ {
		var elems []object.Value
		if i > 0 {
			elems = []object.Value{head}
		}
		o, err := h.AllocArray(elems)
		require.Nil(t, err)
		head = o.Value()
	}

	roots.values = []object.Value{head}
	h.Collect()
	require.Equal(t, int64(depth), h.LiveObjects())

	roots.values = nil
	h.Collect()
	require.Equal(t, int64(0), h.LiveObjects())
}

func TestFinalizerRunsOnSweep(t *testing.T) {
	h := New(Config{})
	roots := &rootList{}
	h.AddRoots(roots)

	released := 0
	kept, err := h.AllocNative("kept", 0, nil, func() { released += 100 })
	require.Nil(t, err)
	_, err = h.AllocNative("dropped", 0, nil, func() { released++ })
	require.Nil(t, err)

	roots.values = []object.Value{kept.Value()}
	h.Collect()
	require.Equal(t, 1, released, "only the unrooted native's release hook runs")
	require.Equal(t, int64(1), h.LiveObjects())
}

func TestPinKeepsValueAlive(t *testing.T) {
	h := New(Config{})
	h.AddRoots(&rootList{})

	o, err := h.AllocString("pinned")
	require.Nil(t, err)
	handle := h.Pin(o.Value())

	h.Collect()
	require.Equal(t, int64(1), h.LiveObjects())
	require.Equal(t, "pinned", o.String())

	h.Unpin(handle)
	h.Collect()
	require.Equal(t, int64(0), h.LiveObjects())

	// Pinning an inline value is a harmless no-op for the collector.
	handle = h.Pin(object.NewInt(42))
	h.Collect()
	h.Unpin(handle)
}

func TestHardCapFailsAfterForcedCollection(t *testing.T) {
	h := New(Config{MaxBytes: 4096})
	roots := &rootList{}
	h.AddRoots(roots)

	payload := strings.Repeat("x", 1000)
	var err error
	for i := 0; i < 10; i++ {
		var o *object.Object
		o, err = h.AllocString(payload)
		if err != nil {
			break
		}
		roots.values = append(roots.values, o.Value())
	}
	require.Error(t, err)

	var ae *errz.AllocationError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, int64(4096), ae.Limit)
	require.Greater(t, ae.Requested, int64(0))

	// Rooted objects survive the failed allocation's forced collection.
	require.Equal(t, int64(len(roots.values)), h.LiveObjects())
}

func TestHardCapRecoversWhenGarbageExists(t *testing.T) {
	h := New(Config{MaxBytes: 4096})
	h.AddRoots(&rootList{})

	payload := strings.Repeat("x", 2000)
	for i := 0; i < 10; i++ {
		_, err := h.AllocString(payload)
		require.Nil(t, err, "iteration %d", i)
	}
	// Forced collections reclaimed earlier strings to make room.
	require.LessOrEqual(t, h.LiveObjects(), int64(2))
	require.GreaterOrEqual(t, h.Stats().Collections, int64(1))
}

func TestChargeAccountsMapGrowth(t *testing.T) {
	h := New(Config{})
	m, err := h.AllocMap(nil)
	require.Nil(t, err)
	before := h.BytesAllocated()

	grown := m.SetEntry("key", object.NewInt(1))
	h.Charge(grown)
	require.Equal(t, before+grown, h.BytesAllocated())
	require.Equal(t, m.Size(), h.BytesAllocated())
}

func TestCollectIsIdempotentWithStableRoots(t *testing.T) {
	h := New(Config{})
	roots := &rootList{}
	h.AddRoots(roots)

	o, err := h.AllocArray([]object.Value{object.NewInt(1)})
	require.Nil(t, err)
	roots.values = []object.Value{o.Value()}

	first := h.Collect()
	second := h.Collect()
	require.Equal(t, first.LiveObjects, second.LiveObjects)
	require.Equal(t, first.BytesAllocated, second.BytesAllocated)
	require.Equal(t, int64(0), second.LastFreedObjects)
}
