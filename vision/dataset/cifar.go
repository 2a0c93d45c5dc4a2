package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/vision/preprocessing"
)

// CIFARConfig describes a directory of CIFAR-style binary record files. Each
// record is one label byte followed by Height*Width*Channels pixel bytes in CHW
// order.
type CIFARConfig struct {
	Dir        string
	Geometry   preprocessing.Geometry
	NumClasses int
	CacheSize  int // Decoded records cached for non-training readers (0 = no cache)
	Seed       int64
}

// CIFARSource opens readers over CIFAR binary files. Decoded evaluation records are
// cached across readers, since the evaluation stream is reopened every epoch.
type CIFARSource struct {
	config CIFARConfig
	cache  *lru.Cache
	opens  atomic.Int64
}

type cacheKey struct {
	path  string
	index int
}

// NewCIFARSource creates a source for the given configuration.
func NewCIFARSource(config CIFARConfig) (*CIFARSource, error) {
	if config.Geometry.Size() <= 0 {
		return nil, fmt.Errorf("invalid image geometry %+v", config.Geometry)
	}
	if config.NumClasses <= 0 || config.NumClasses > 256 {
		return nil, fmt.Errorf("number of classes must be in [1, 256], got %d", config.NumClasses)
	}

	source := &CIFARSource{config: config}
	if config.CacheSize > 0 {
		cache, err := lru.New(config.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create record cache")
		}
		source.cache = cache
	}
	return source, nil
}

// RecordSize returns the size in bytes of one record.
func (s *CIFARSource) RecordSize() int {
	return 1 + s.config.Geometry.Size()
}

// Open reads the file at path (relative paths resolve against the source
// directory). Training readers visit records in a fresh random order every pass.
func (s *CIFARSource) Open(path string, training bool) (async.RecordReader, error) {
	if !filepath.IsAbs(path) && s.config.Dir != "" {
		path = filepath.Join(s.config.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	recordSize := s.RecordSize()
	if len(data) == 0 || len(data)%recordSize != 0 {
		return nil, fmt.Errorf("%s: size %d is not a positive multiple of the record size %d", path, len(data), recordSize)
	}

	count := len(data) / recordSize
	reader := &cifarReader{
		source:   s,
		path:     path,
		data:     data,
		order:    make([]int, count),
		training: training,
		rng:      rand.New(rand.NewSource(s.config.Seed + s.opens.Add(1))),
	}
	for i := range reader.order {
		reader.order[i] = i
	}
	reader.shuffle()

	log.WithFields(log.Fields{"path": path, "records": count, "training": training}).Debug("Opened record file")
	return reader, nil
}

type cifarReader struct {
	source   *CIFARSource
	path     string
	data     []byte
	order    []int
	pos      int
	training bool
	rng      *rand.Rand
}

func (r *cifarReader) Next() (async.Example, error) {
	if r.pos >= len(r.order) {
		return async.Example{}, io.EOF
	}
	index := r.order[r.pos]
	r.pos++
	return r.decode(index)
}

func (r *cifarReader) Reset() error {
	r.pos = 0
	r.shuffle()
	return nil
}

func (r *cifarReader) shuffle() {
	if !r.training {
		return
	}
	r.rng.Shuffle(len(r.order), func(i, j int) {
		r.order[i], r.order[j] = r.order[j], r.order[i]
	})
}

// decode returns the example at index. Cached images are shared and must be
// treated as read-only.
func (r *cifarReader) decode(index int) (async.Example, error) {
	cache := r.source.cache
	if r.training {
		cache = nil
	}
	key := cacheKey{path: r.path, index: index}
	if cache != nil {
		if cached, ok := cache.Get(key); ok {
			return cached.(async.Example), nil
		}
	}

	recordSize := r.source.RecordSize()
	record := r.data[index*recordSize : (index+1)*recordSize]
	label := int(record[0])
	if label >= r.source.config.NumClasses {
		return async.Example{}, fmt.Errorf("%s: record %d has label %d, expected fewer than %d classes",
			r.path, index, label, r.source.config.NumClasses)
	}
	ex := async.Example{Image: preprocessing.FromBytes(record[1:]), Label: label}
	if cache != nil {
		cache.Add(key, ex)
	}
	return ex, nil
}

// Transform returns the per-example preprocessing for a stream: random crop,
// flip and standardization when training, standardization alone otherwise.
func Transform(g preprocessing.Geometry, padding int, training bool) async.TransformFunc {
	return func(ex async.Example, rng *rand.Rand) (async.Example, error) {
		if len(ex.Image) != g.Size() {
			return ex, fmt.Errorf("image has %d values, expected %d", len(ex.Image), g.Size())
		}
		if training {
			return async.Example{Image: preprocessing.Augment(ex.Image, g, padding, rng), Label: ex.Label}, nil
		}
		return async.Example{Image: preprocessing.Standardize(ex.Image), Label: ex.Label}, nil
	}
}
