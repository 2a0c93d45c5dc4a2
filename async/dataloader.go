package async

import (
	"context"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-dptrain/trainerrors"
)

// Example is one decoded, preprocessed training example.
type Example struct {
	Image []float64
	Label int
}

// RecordReader yields examples from one data file. Next returns io.EOF at the end
// of a pass; Reset starts a new pass.
type RecordReader interface {
	Next() (Example, error)
	Reset() error
}

// Source opens record readers. The training flag selects training-time behavior
// such as per-pass shuffling.
type Source interface {
	Open(path string, training bool) (RecordReader, error)
}

// TransformFunc maps an example to its augmented form. It runs on producer
// goroutines, so each call gets that producer's private random source.
type TransformFunc func(ex Example, rng *rand.Rand) (Example, error)

// Batch is an immutable set of examples handed to exactly one consumer.
type Batch struct {
	Images      []float64 // Size * ExampleSize values, example-major
	Labels      []int
	Size        int
	ExampleSize int
}

// Image returns the i-th example's values.
func (b *Batch) Image(i int) []float64 {
	return b.Images[i*b.ExampleSize : (i+1)*b.ExampleSize]
}

// StreamConfig describes one logical input stream.
type StreamConfig struct {
	Name      string
	Path      string
	Training  bool
	Capacity  int           // Queue capacity in examples
	Producers int           // Producer goroutines (0 = logical CPU count)
	Epochs    int           // Passes over the data before the stream closes (0 = unbounded)
	Transform TransformFunc // Optional per-example augmentation
	Seed      int64
}

// Stream is a handle to a running input stream.
type Stream struct {
	name     string
	examples chan Example
	ctx      context.Context
	cancel   context.CancelFunc

	readerMu  sync.Mutex
	reader    RecordReader
	passes    int
	inPass    int
	epochs    int
	exhausted bool

	produced atomic.Int64
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.name
}

// StreamStats is a point-in-time view of a stream.
type StreamStats struct {
	Queued   int
	Capacity int
	Produced int64
	Passes   int
}

// Stop asks this stream's producers to exit without affecting other streams. The
// queue closes once they have. Stop is idempotent.
func (s *Stream) Stop() {
	s.cancel()
}

// Stats reports queue occupancy and production counts.
func (s *Stream) Stats() StreamStats {
	s.readerMu.Lock()
	passes := s.passes
	s.readerMu.Unlock()
	return StreamStats{
		Queued:   len(s.examples),
		Capacity: cap(s.examples),
		Produced: s.produced.Load(),
		Passes:   passes,
	}
}

// Coordinator manages background producers for any number of streams. A single
// errgroup context is shared by all producers: the first failure cancels every
// peer, and RequestStop cancels it explicitly.
type Coordinator struct {
	source Source

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	stopped bool

	joinOnce sync.Once
	joinErr  error
}

// NewCoordinator creates a coordinator reading from source. Cancelling ctx has the
// same effect as RequestStop.
func NewCoordinator(ctx context.Context, source Source) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	return &Coordinator{
		source: source,
		ctx:    groupCtx,
		cancel: cancel,
		group:  group,
	}
}

// DefaultProducers is the number of logical CPU cores.
func DefaultProducers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Start opens the stream's data file and launches its producers.
func (c *Coordinator) Start(config StreamConfig) (*Stream, error) {
	if err := validateStreamConfig(config); err != nil {
		return nil, err
	}
	if config.Producers == 0 {
		config.Producers = DefaultProducers()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.ctx.Err() != nil {
		return nil, &trainerrors.ErrConfig{Field: "stream." + config.Name, Message: "coordinator is stopped"}
	}

	reader, err := c.source.Open(config.Path, config.Training)
	if err != nil {
		return nil, &trainerrors.ErrConfig{
			Field:   "stream." + config.Name + ".path",
			Message: "cannot open " + config.Path,
			Cause:   err,
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	stream := &Stream{
		name:     config.Name,
		examples: make(chan Example, config.Capacity),
		ctx:      ctx,
		cancel:   cancel,
		reader:   reader,
		epochs:   config.Epochs,
	}

	var producers sync.WaitGroup
	for i := 0; i < config.Producers; i++ {
		producers.Add(1)
		rng := rand.New(rand.NewSource(config.Seed + int64(i)))
		id := i
		c.group.Go(func() error {
			defer producers.Done()
			if err := c.produce(stream, config.Transform, rng); err != nil {
				return errors.Wrapf(err, "stream %s producer %d", stream.name, id)
			}
			return nil
		})
	}
	// The queue closes once every producer has exited, whether the stream ran out
	// of passes or the coordinator was stopped.
	c.group.Go(func() error {
		producers.Wait()
		close(stream.examples)
		return nil
	})

	log.WithFields(log.Fields{
		"stream":    config.Name,
		"path":      config.Path,
		"producers": config.Producers,
		"capacity":  config.Capacity,
		"epochs":    config.Epochs,
	}).Info("Started input stream")
	return stream, nil
}

func validateStreamConfig(config StreamConfig) error {
	field := "stream." + config.Name
	switch {
	case config.Name == "":
		return &trainerrors.ErrConfig{Field: "stream.name", Message: "cannot be empty"}
	case config.Path == "":
		return &trainerrors.ErrConfig{Field: field + ".path", Message: "cannot be empty"}
	case config.Capacity <= 0:
		return &trainerrors.ErrConfig{Field: field + ".capacity", Message: "must be positive"}
	case config.Producers < 0:
		return &trainerrors.ErrConfig{Field: field + ".producers", Message: "cannot be negative"}
	case config.Epochs < 0:
		return &trainerrors.ErrConfig{Field: field + ".epochs", Message: "cannot be negative"}
	}
	return nil
}

// produce pushes examples until the stream is exhausted or the coordinator stops.
// Reads are serialized on the shared reader; transforms run in parallel.
func (c *Coordinator) produce(s *Stream, transform TransformFunc, rng *rand.Rand) error {
	for {
		ex, ok, err := s.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if transform != nil {
			if ex, err = transform(ex, rng); err != nil {
				return errors.Wrap(err, "transform failed")
			}
		}

		select {
		case s.examples <- ex:
			s.produced.Add(1)
		case <-s.ctx.Done():
			return nil
		}
	}
}

// next reads one example, starting a new pass at the end of the data. It reports
// false once the configured number of passes is complete.
func (s *Stream) next() (Example, bool, error) {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()

	for !s.exhausted {
		ex, err := s.reader.Next()
		if err == nil {
			s.inPass++
			return ex, true, nil
		}
		if !errors.Is(err, io.EOF) {
			return Example{}, false, errors.Wrap(err, "read failed")
		}
		if s.inPass == 0 {
			return Example{}, false, errors.New("data file holds no records")
		}

		s.passes++
		s.inPass = 0
		if s.epochs > 0 && s.passes >= s.epochs {
			s.exhausted = true
			break
		}
		if err := s.reader.Reset(); err != nil {
			return Example{}, false, errors.Wrap(err, "reset failed")
		}
	}
	return Example{}, false, nil
}

// Dequeue blocks until size examples are available. It returns
// trainerrors.ErrStreamClosed if the stream closes or the coordinator stops first,
// and ctx.Err() if ctx ends.
func (c *Coordinator) Dequeue(ctx context.Context, s *Stream, size int) (*Batch, error) {
	return c.dequeue(ctx, s, size, false)
}

// DequeueUpTo is Dequeue for finite streams: if the stream closes mid-wait the
// examples collected so far are returned. Only an empty batch is ErrStreamClosed.
func (c *Coordinator) DequeueUpTo(ctx context.Context, s *Stream, size int) (*Batch, error) {
	return c.dequeue(ctx, s, size, true)
}

func (c *Coordinator) dequeue(ctx context.Context, s *Stream, size int, partial bool) (*Batch, error) {
	if size <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", size)
	}

	examples := make([]Example, 0, size)
	for len(examples) < size {
		// select picks randomly among ready cases, so a stopped stream with a full
		// queue must be caught before reading.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.ctx.Err() != nil {
			if partial && len(examples) > 0 {
				return newBatch(examples)
			}
			return nil, trainerrors.ErrStreamClosed
		}
		select {
		case ex, ok := <-s.examples:
			if !ok {
				if partial && len(examples) > 0 {
					return newBatch(examples)
				}
				return nil, trainerrors.ErrStreamClosed
			}
			examples = append(examples, ex)
		case <-s.ctx.Done():
			if partial && len(examples) > 0 {
				return newBatch(examples)
			}
			return nil, trainerrors.ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return newBatch(examples)
}

func newBatch(examples []Example) (*Batch, error) {
	exampleSize := len(examples[0].Image)
	batch := &Batch{
		Images:      make([]float64, 0, len(examples)*exampleSize),
		Labels:      make([]int, len(examples)),
		Size:        len(examples),
		ExampleSize: exampleSize,
	}
	for i, ex := range examples {
		if len(ex.Image) != exampleSize {
			return nil, errors.Errorf("example %d has %d values, expected %d", i, len(ex.Image), exampleSize)
		}
		batch.Images = append(batch.Images, ex.Image...)
		batch.Labels[i] = ex.Label
	}
	return batch, nil
}

// RequestStop signals every producer of every stream to exit at its next blocking
// point. It is idempotent.
func (c *Coordinator) RequestStop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
}

// Join waits for every producer to exit and returns the first producer failure.
// Unbounded streams only exit after RequestStop. Later calls return the same
// result immediately.
func (c *Coordinator) Join() error {
	c.joinOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.joinErr = c.group.Wait()
		if c.joinErr != nil {
			log.WithError(c.joinErr).Error("Input pipeline failed")
		} else {
			log.Debug("Input pipeline joined")
		}
	})
	return c.joinErr
}
