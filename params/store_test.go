package params

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpecs() []Spec {
	return []Spec{
		{Name: "dense/weights", Shape: []int{2, 3}, WeightLike: true},
		{Name: "dense/bias", Shape: []int{2}},
	}
}

func testValues() [][]float64 {
	return [][]float64{{1, 2, 3, 4, 5, 6}, {0.5, -0.5}}
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, nil)
	assert.Error(t, err)

	_, err = NewStore(testSpecs(), [][]float64{{1, 2, 3}, {1, 2}})
	assert.Error(t, err, "wrong element count must be rejected")

	dup := []Spec{{Name: "w", Shape: []int{1}}, {Name: "w", Shape: []int{1}}}
	_, err = NewStore(dup, [][]float64{{1}, {2}})
	assert.Error(t, err, "duplicate names must be rejected")

	store, err := NewStore(testSpecs(), testValues())
	require.NoError(t, err)
	assert.Equal(t, int64(0), store.Step())
	assert.Equal(t, 6, store.Specs()[0].Size())
}

func TestSnapshotIsImmutable(t *testing.T) {
	store, err := NewStore(testSpecs(), testValues())
	require.NoError(t, err)

	snap := store.Snapshot()
	staged := snap.Values()
	staged[0][0] = 100
	_, err = store.Commit(staged)
	require.NoError(t, err)

	assert.Equal(t, 1.0, snap.Value(0)[0], "snapshot must not observe later commits")
	assert.Equal(t, int64(0), snap.Step())
	assert.Equal(t, 100.0, store.Snapshot().Value(0)[0])

	bias, ok := snap.Lookup("dense/bias")
	require.True(t, ok)
	assert.Equal(t, []float64{0.5, -0.5}, bias)
	_, ok = snap.Lookup("missing")
	assert.False(t, ok)
}

func TestCommitAdvancesStepOnce(t *testing.T) {
	store, err := NewStore(testSpecs(), testValues())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		step, err := store.Commit(testValues())
		require.NoError(t, err)
		assert.Equal(t, int64(i), step)
	}
	assert.Equal(t, int64(3), store.Step())
}

func TestCommitRejectsPartialUpdate(t *testing.T) {
	store, err := NewStore(testSpecs(), testValues())
	require.NoError(t, err)

	_, err = store.Commit([][]float64{{9, 9, 9, 9, 9, 9}})
	assert.Error(t, err)
	assert.Equal(t, int64(0), store.Step())
	assert.Equal(t, testValues(), store.Snapshot().Values())
}

func TestRestore(t *testing.T) {
	store, err := NewStore(testSpecs(), testValues())
	require.NoError(t, err)

	restored := [][]float64{{6, 5, 4, 3, 2, 1}, {1, 1}}
	require.NoError(t, store.Restore(4000, restored))
	assert.Equal(t, int64(4000), store.Step())
	assert.Equal(t, restored, store.Snapshot().Values())

	assert.Error(t, store.Restore(-1, restored))
	assert.Error(t, store.Restore(1, restored[:1]))
}

func TestConcurrentSnapshotsDuringCommit(t *testing.T) {
	store, err := NewStore(testSpecs(), [][]float64{{0, 0, 0, 0, 0, 0}, {0, 0}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := store.Snapshot()
				// Every element of a committed update carries the same value.
				first := snap.Value(0)[0]
				for _, v := range snap.Value(0) {
					assert.Equal(t, first, v)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		v := float64(i)
		_, err := store.Commit([][]float64{{v, v, v, v, v, v}, {v, v}})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestNewSnapshotCopiesValues(t *testing.T) {
	values := testValues()
	snap, err := NewSnapshot(7, testSpecs(), values)
	require.NoError(t, err)
	values[0][0] = -1
	assert.Equal(t, 1.0, snap.Value(0)[0])
	assert.Equal(t, int64(7), snap.Step())
	assert.Equal(t, 2, snap.Len())
}
