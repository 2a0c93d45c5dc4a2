package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dptrain/trainerrors"
)

func testState(step int64) *State {
	return &State{
		GlobalStep: step,
		Parameters: []Tensor{
			{Name: "dense/weights", Shape: []int{2, 3}, Data: []float64{0.1, -0.2, 0.3, 1e-9, -4.5, 6}},
			{Name: "dense/bias", Shape: []int{2}, Data: []float64{0, 1}},
		},
		Shadows: map[string]map[string][]float64{
			"loss":   {"loss": {2.3}, "data_loss": {2.2}, "reg_loss": {0.1}},
			"params": {"dense/weights": {0.1, -0.2, 0.3, 0, -4.4, 5.9}, "dense/bias": {0, 0.9}},
		},
		Optimizer: &OptimizerState{
			Type:       "NesterovSGD",
			Parameters: map[string]float64{"momentum": 0.9, "learning_rate": 0.1, "step_count": float64(step)},
			Slots: []Tensor{
				{Name: "momentum/dense/weights", Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
				{Name: "momentum/dense/bias", Shape: []int{2}, Data: []float64{-1, -2}},
			},
		},
	}
}

func newTestManager(t *testing.T, dir string, keep int) *Manager {
	manager, err := NewManager(Config{Directory: dir, MaxToKeep: keep, RunID: "run-1"})
	require.NoError(t, err)
	return manager
}

func assertStateEqual(t *testing.T, expected, actual *State) {
	assert.Equal(t, expected.GlobalStep, actual.GlobalStep)
	assert.Equal(t, expected.Parameters, actual.Parameters)
	assert.Equal(t, expected.Shadows, actual.Shadows)
	assert.Equal(t, expected.Optimizer, actual.Optimizer)
}

func TestCodecRoundTrip(t *testing.T) {
	state := testState(3000)
	state.Metadata = Metadata{ID: "abc", RunID: "run", CreatedAt: time.Unix(1700000000, 123).UTC()}

	decoded, err := Unmarshal(Marshal(state))
	require.NoError(t, err)
	assertStateEqual(t, state, decoded)
	assert.Equal(t, "abc", decoded.Metadata.ID)
	assert.Equal(t, "run", decoded.Metadata.RunID)
	assert.True(t, state.Metadata.CreatedAt.Equal(decoded.Metadata.CreatedAt))
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// A truncated record must not decode silently.
	data := Marshal(testState(1))
	_, err = Unmarshal(data[:len(data)-3])
	assert.Error(t, err)

	// Missing version.
	_, err = Unmarshal(nil)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	manager := newTestManager(t, filepath.Join(t.TempDir(), "nested", "ckpts"), 10)

	state := testState(1000)
	path, err := manager.Save(state)
	require.NoError(t, err)
	assert.FileExists(t, path)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assertStateEqual(t, state, loaded)
	assert.Equal(t, "run-1", loaded.Metadata.RunID)
	assert.NotEmpty(t, loaded.Metadata.ID)
	assert.False(t, loaded.Metadata.CreatedAt.IsZero())
}

func TestLoadMostRecent(t *testing.T) {
	manager := newTestManager(t, t.TempDir(), 0)

	for _, step := range []int64{1000, 3000, 2000} {
		_, err := manager.Save(testState(step))
		require.NoError(t, err)
	}
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3000), loaded.GlobalStep)

	// Same step saved twice: the later record wins.
	second := testState(3000)
	second.Parameters[1].Data = []float64{7, 7}
	_, err = manager.Save(second)
	require.NoError(t, err)
	loaded, err = manager.Load()
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 7}, loaded.Parameters[1].Data)
}

func TestLoadNotFound(t *testing.T) {
	tests := map[string]string{
		"missing directory": filepath.Join(t.TempDir(), "does-not-exist"),
		"empty directory":   t.TempDir(),
	}
	for name, dir := range tests {
		t.Run(name, func(t *testing.T) {
			manager := newTestManager(t, dir, 10)
			state, err := manager.Load()
			assert.Nil(t, state)
			assert.True(t, errors.Is(err, trainerrors.ErrNotFound))
		})
	}
}

func TestLoadIgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, recordName(5000, "zzz")+".123"+tempSuffix), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	manager := newTestManager(t, dir, 10)
	_, err := manager.Load()
	assert.True(t, errors.Is(err, trainerrors.ErrNotFound))
}

func TestLoadCorruptRecordIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, recordName(10, "01abc")), []byte{0x0a, 0xff}, 0o644))

	manager := newTestManager(t, dir, 10)
	_, err := manager.Load()
	var ioErr *trainerrors.ErrCheckpointIO
	require.True(t, errors.As(err, &ioErr), "expected checkpoint io error, got %v", err)
	assert.Equal(t, "load", ioErr.Op)
}

func TestRetention(t *testing.T) {
	dir := t.TempDir()
	manager := newTestManager(t, dir, 3)

	for step := int64(1); step <= 6; step++ {
		_, err := manager.Save(testState(step * 1000))
		require.NoError(t, err)
	}
	records, err := manager.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []int64{4000, 5000, 6000}, []int64{records[0].Step, records[1].Step, records[2].Step})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files may be left behind")
}

func TestSaveRejectsInvalidState(t *testing.T) {
	manager := newTestManager(t, t.TempDir(), 10)
	state := testState(1)
	state.Parameters[0].Shape = []int{5}

	_, err := manager.Save(state)
	var ioErr *trainerrors.ErrCheckpointIO
	assert.True(t, errors.As(err, &ioErr))
}

func TestSaveFailureIsCheckpointIOError(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the directory should be makes every attempt fail.
	blocker := filepath.Join(dir, "ckpts")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	manager, err := NewManager(Config{Directory: blocker, MaxToKeep: 1})
	require.NoError(t, err)
	_, err = manager.Save(testState(1))
	var ioErr *trainerrors.ErrCheckpointIO
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "save", ioErr.Op)
}

func TestValidateErrorsCarryStack(t *testing.T) {
	err := (&State{GlobalStep: -1}).Validate()
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "checkpoints.(*State).Validate")

	_, err = Unmarshal([]byte{0xff})
	require.Error(t, err)
}

func TestSaveRetriesOnce(t *testing.T) {
	tests := map[string]struct {
		failures int
		saved    bool
	}{
		"first attempt fails": {failures: 1, saved: true},
		"both attempts fail":  {failures: 5, saved: false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			manager := newTestManager(t, dir, 0)
			attempts := 0
			manager.write = func(path string, data []byte) error {
				attempts++
				if attempts <= tt.failures {
					return errors.New("disk full")
				}
				return publish(path, data)
			}

			state := testState(4)
			_, err := manager.Save(state)
			assert.Equal(t, 2, attempts)

			if !tt.saved {
				var ioErr *trainerrors.ErrCheckpointIO
				require.True(t, errors.As(err, &ioErr), "expected checkpoint error, got %v", err)
				_, err = manager.Load()
				assert.True(t, errors.Is(err, trainerrors.ErrNotFound))
				return
			}
			require.NoError(t, err)
			loaded, err := manager.Load()
			require.NoError(t, err)
			assertStateEqual(t, state, loaded)
		})
	}
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{})
	var cfgErr *trainerrors.ErrConfig
	assert.True(t, errors.As(err, &cfgErr))

	_, err = NewManager(Config{Directory: "x", MaxToKeep: -1})
	assert.True(t, errors.As(err, &cfgErr))
}

func TestParseRecordName(t *testing.T) {
	step, id, ok := parseRecordName(recordName(42, "01h2abc"))
	require.True(t, ok)
	assert.Equal(t, int64(42), step)
	assert.Equal(t, "01h2abc", id)

	for _, name := range []string{"ckpt-.pb", "ckpt-12.pb", "ckpt-x-abc.pb", "model.ckpt-100", "ckpt-1-a.pb.9.tmp"} {
		_, _, ok := parseRecordName(name)
		assert.False(t, ok, name)
	}
}
