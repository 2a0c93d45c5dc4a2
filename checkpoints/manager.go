package checkpoints

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-dptrain/trainerrors"
)

const (
	recordPrefix = "ckpt-"
	recordSuffix = ".pb"
	tempSuffix   = ".tmp"
)

// Config configures checkpoint saving behavior
type Config struct {
	Directory  string        // Directory to save checkpoints
	MaxToKeep  int           // Maximum number of records to keep (0 = unlimited)
	RetryDelay time.Duration // Pause before the single save retry
	RunID      string        // Stamped into every record
}

// DefaultConfig returns the configuration used by the original training script.
func DefaultConfig() Config {
	return Config{
		Directory:  "./ckpts",
		MaxToKeep:  10,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Record identifies one published checkpoint.
type Record struct {
	Path string
	Step int64
	ID   string
}

// Manager saves and restores checkpoint records in a directory. Records are
// written to a temporary file and renamed into place, so Load never observes a
// partially written record.
type Manager struct {
	config Config

	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
	write   func(path string, data []byte) error
}

// NewManager creates a checkpoint manager. The directory is created lazily on the
// first save.
func NewManager(config Config) (*Manager, error) {
	if config.Directory == "" {
		return nil, &trainerrors.ErrConfig{Field: "checkpoint.directory", Message: "cannot be empty"}
	}
	if config.MaxToKeep < 0 {
		return nil, &trainerrors.ErrConfig{Field: "checkpoint.max_to_keep", Message: "cannot be negative"}
	}
	return &Manager{
		config:  config,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
		write:   publish,
	}, nil
}

// Directory returns the storage location.
func (m *Manager) Directory() string {
	return m.config.Directory
}

// Save publishes a new record for state and prunes records beyond MaxToKeep. A
// failed write is retried once; the final failure is an *trainerrors.ErrCheckpointIO.
func (m *Manager) Save(state *State) (string, error) {
	if err := state.Validate(); err != nil {
		return "", &trainerrors.ErrCheckpointIO{Op: "save", Path: m.config.Directory, Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	createdAt := m.now().UTC().Round(0)
	id := strings.ToLower(ulid.MustNew(ulid.Timestamp(createdAt), m.entropy).String())
	stamped := *state
	stamped.Metadata = Metadata{ID: id, RunID: m.config.RunID, CreatedAt: createdAt}
	data := Marshal(&stamped)

	path := filepath.Join(m.config.Directory, recordName(state.GlobalStep, id))
	err := retry.Do(
		func() error {
			return m.write(path, data)
		},
		retry.Attempts(2),
		retry.Delay(m.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("path", path).Warn("Checkpoint save failed, retrying")
		}),
	)
	if err != nil {
		return "", &trainerrors.ErrCheckpointIO{Op: "save", Path: path, Cause: err}
	}

	log.WithFields(log.Fields{"path": path, "step": state.GlobalStep}).Info("Saved checkpoint")

	if err := m.prune(); err != nil {
		log.WithError(err).Warn("Failed to prune old checkpoints")
	}
	return path, nil
}

// Load returns the most recent record. trainerrors.ErrNotFound is returned when the
// directory is absent or holds no records.
func (m *Manager) Load() (*State, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, trainerrors.ErrNotFound
	}
	latest := records[len(records)-1]

	data, err := os.ReadFile(latest.Path)
	if err != nil {
		return nil, &trainerrors.ErrCheckpointIO{Op: "load", Path: latest.Path, Cause: err}
	}
	state, err := Unmarshal(data)
	if err != nil {
		return nil, &trainerrors.ErrCheckpointIO{Op: "load", Path: latest.Path, Cause: errors.Wrap(err, "corrupt record")}
	}
	if state.GlobalStep != latest.Step {
		return nil, &trainerrors.ErrCheckpointIO{
			Op:    "load",
			Path:  latest.Path,
			Cause: errors.Errorf("record holds step %d but is named for step %d", state.GlobalStep, latest.Step),
		}
	}
	if err := state.Validate(); err != nil {
		return nil, &trainerrors.ErrCheckpointIO{Op: "load", Path: latest.Path, Cause: err}
	}
	return state, nil
}

// List returns the published records, oldest first. A missing directory yields an
// empty list.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.config.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &trainerrors.ErrCheckpointIO{Op: "load", Path: m.config.Directory, Cause: err}
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		step, id, ok := parseRecordName(entry.Name())
		if !ok {
			continue
		}
		records = append(records, Record{
			Path: filepath.Join(m.config.Directory, entry.Name()),
			Step: step,
			ID:   id,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Step != records[j].Step {
			return records[i].Step < records[j].Step
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// prune removes the oldest records beyond MaxToKeep and any leftover temp files.
// Callers must hold m.mu.
func (m *Manager) prune() error {
	entries, err := os.ReadDir(m.config.Directory)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), tempSuffix) {
			if err := os.Remove(filepath.Join(m.config.Directory, entry.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	if m.config.MaxToKeep == 0 {
		return nil
	}
	records, err := m.List()
	if err != nil {
		return err
	}
	for len(records) > m.config.MaxToKeep {
		if err := os.Remove(records[0].Path); err != nil && !os.IsNotExist(err) {
			return &trainerrors.ErrCheckpointIO{Op: "prune", Path: records[0].Path, Cause: err}
		}
		log.WithField("path", records[0].Path).Debug("Pruned checkpoint")
		records = records[1:]
	}
	return nil
}

func publish(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write record")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync record")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close record")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "failed to publish record")
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "failed to open checkpoint directory")
	}
	defer d.Close()
	// Directory fsync is best effort: not every filesystem supports it.
	if err := d.Sync(); err != nil {
		log.WithError(err).WithField("path", dir).Debug("Directory sync not supported")
	}
	return nil
}

func recordName(step int64, id string) string {
	return fmt.Sprintf("%s%012d-%s%s", recordPrefix, step, id, recordSuffix)
}

func parseRecordName(name string) (int64, string, bool) {
	if !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, recordSuffix) {
		return 0, "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), recordSuffix)
	stepPart, id, found := strings.Cut(body, "-")
	if !found || id == "" {
		return 0, "", false
	}
	step, err := strconv.ParseInt(stepPart, 10, 64)
	if err != nil || step < 0 {
		return 0, "", false
	}
	return step, id, true
}
