package crdt

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/hlc"
)

func TestVectorClockTickAndGet(t *testing.T) {
	vc := NewVectorClock()

	assert.Equal(t, uint64(0), vc.Get("a"))
	assert.Equal(t, uint64(1), vc.Tick("a"))
	assert.Equal(t, uint64(2), vc.Tick("a"))
	assert.Equal(t, uint64(1), vc.Tick("b"))
	assert.Equal(t, uint64(2), vc.Get("a"))
}

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     map[string]uint64
		expected Ordering
	}{
		{
			name:     "equal empty",
			a:        map[string]uint64{},
			b:        map[string]uint64{},
			expected: OrderingEqual,
		},
		{
			name:     "equal populated",
			a:        map[string]uint64{"a": 1, "b": 2},
			b:        map[string]uint64{"a": 1, "b": 2},
			expected: OrderingEqual,
		},
		{
			name:     "strictly less",
			a:        map[string]uint64{"a": 1},
			b:        map[string]uint64{"a": 2, "b": 1},
			expected: OrderingLess,
		},
		{
			name:     "strictly greater",
			a:        map[string]uint64{"a": 3, "b": 1},
			b:        map[string]uint64{"a": 2},
			expected: OrderingGreater,
		},
		{
			name:     "concurrent",
			a:        map[string]uint64{"a": 2, "b": 1},
			b:        map[string]uint64{"a": 1, "b": 2},
			expected: OrderingConcurrent,
		},
		{
			name:     "missing node counts as zero",
			a:        map[string]uint64{"a": 1},
			b:        map[string]uint64{"b": 1},
			expected: OrderingConcurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &VectorClock{Counters: tt.a}
			b := &VectorClock{Counters: tt.b}
			assert.Equal(t, tt.expected, a.Compare(b))
		})
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := &VectorClock{Counters: map[string]uint64{"a": 3, "b": 1}}
	b := &VectorClock{Counters: map[string]uint64{"b": 5, "c": 2}}

	a.Merge(b)

	assert.Equal(t, uint64(3), a.Get("a"))
	assert.Equal(t, uint64(5), a.Get("b"))
	assert.Equal(t, uint64(2), a.Get("c"))
	assert.Equal(t, OrderingGreater, a.Compare(b))
}

func TestLWWSetAddRemove(t *testing.T) {
	s := NewLWWSet(hlc.NewClock("node-1"))

	s.Add("x")
	assert.True(t, s.Contains("x"))

	s.Remove("x")
	assert.False(t, s.Contains("x"))

	s.Add("x")
	assert.True(t, s.Contains("x"))
	assert.Equal(t, []string{"x"}, s.Elements())
}

func TestLWWSetConvergence(t *testing.T) {
	r1 := NewLWWSet(hlc.NewClock("node-1"))
	r2 := NewLWWSet(hlc.NewClock("node-2"))

	r1.Add("a")
	r1.Add("b")
	r1.Remove("b")
	r2.Add("b")
	r2.Add("c")
	r2.Remove("a")

	// Merge each into the other; both must converge to the same membership.
	r1.Merge(r2)
	r2.Merge(r1)

	e1 := r1.Elements()
	e2 := r2.Elements()
	sort.Strings(e1)
	sort.Strings(e2)
	assert.Equal(t, e1, e2)

	// Merge is idempotent.
	before := append([]string(nil), e1...)
	r1.Merge(r2)
	after := r1.Elements()
	sort.Strings(after)
	assert.Equal(t, before, after)
}

func TestLWWSetMergeOrderIndependent(t *testing.T) {
	base := NewLWWSet(hlc.NewClock("node-0"))
	base.Add("seed")

	u1 := NewLWWSet(hlc.NewClock("node-1"))
	u1.Add("x")
	u1.Remove("seed")

	u2 := NewLWWSet(hlc.NewClock("node-2"))
	u2.Add("y")

	ab := NewLWWSet(hlc.NewClock("node-a"))
	ab.Merge(base)
	ab.Merge(u1)
	ab.Merge(u2)

	ba := NewLWWSet(hlc.NewClock("node-b"))
	ba.Merge(u2)
	ba.Merge(u1)
	ba.Merge(base)

	ea := ab.Elements()
	eb := ba.Elements()
	sort.Strings(ea)
	sort.Strings(eb)
	assert.Equal(t, ea, eb)
}

func TestLWWSetJSONRoundTrip(t *testing.T) {
	s := NewLWWSet(hlc.NewClock("node-1"))
	s.Add("a")
	s.Add("b")
	s.Remove("b")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	restored := NewLWWSet(hlc.NewClock("node-1"))
	require.NoError(t, json.Unmarshal(data, restored))

	assert.True(t, restored.Contains("a"))
	assert.False(t, restored.Contains("b"))
}
