package training

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/params"
)

// labelModel scores every class zero and returns, for parameter p, the gradient
// mean(first image value) + p. Encoding the label in the first image value makes
// the gradient of a batch depend only on which examples it holds.
type labelModel struct {
	specs     []params.Spec
	classes   int
	inputSize int

	mu         sync.Mutex
	forwardErr error
	panicMsg   string
	forwards   int
}

func newLabelModel(paramCount, classes int) *labelModel {
	specs := make([]params.Spec, paramCount)
	for i := range specs {
		specs[i] = params.Spec{Name: fmt.Sprintf("p%d", i), Shape: []int{1}}
	}
	return &labelModel{specs: specs, classes: classes, inputSize: 2}
}

func (m *labelModel) Specs() []params.Spec { return m.specs }
func (m *labelModel) NumClasses() int      { return m.classes }
func (m *labelModel) InputSize() int       { return m.inputSize }

func (m *labelModel) Forward(snap *params.Snapshot, images []float64, n int) ([]float64, error) {
	m.mu.Lock()
	m.forwards++
	forwardErr, panicMsg := m.forwardErr, m.panicMsg
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if forwardErr != nil {
		return nil, forwardErr
	}
	if len(images) != n*m.inputSize {
		return nil, fmt.Errorf("bad batch")
	}
	return make([]float64, n*m.classes), nil
}

func (m *labelModel) Backward(snap *params.Snapshot, images []float64, n int, dScores []float64) ([][]float64, error) {
	var mean float64
	for i := 0; i < n; i++ {
		mean += images[i*m.inputSize] / float64(n)
	}
	grads := make([][]float64, len(m.specs))
	for p := range grads {
		grads[p] = []float64{mean + float64(p)}
	}
	return grads, nil
}

func (m *labelModel) Init(rng *rand.Rand) [][]float64 {
	values := make([][]float64, len(m.specs))
	for i := range values {
		values[i] = []float64{0}
	}
	return values
}

// sliceSource serves fixed example lists keyed by path.
type sliceSource struct {
	files map[string][]async.Example
	// failAfter makes training readers fail after that many records (0 = never).
	failAfter int
}

func (s *sliceSource) Open(path string, training bool) (async.RecordReader, error) {
	examples, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	reader := &sliceReader{examples: examples}
	if training {
		reader.failAfter = s.failAfter
	}
	return reader, nil
}

type sliceReader struct {
	examples  []async.Example
	pos       int
	read      int
	failAfter int
}

func (r *sliceReader) Next() (async.Example, error) {
	if r.failAfter > 0 && r.read >= r.failAfter {
		return async.Example{}, fmt.Errorf("disk error")
	}
	if r.pos >= len(r.examples) {
		return async.Example{}, io.EOF
	}
	ex := r.examples[r.pos]
	r.pos++
	r.read++
	return ex, nil
}

func (r *sliceReader) Reset() error {
	r.pos = 0
	return nil
}

func labeled(labels ...int) []async.Example {
	examples := make([]async.Example, len(labels))
	for i, label := range labels {
		examples[i] = async.Example{Image: []float64{float64(label), 0}, Label: label}
	}
	return examples
}

type recordingSink struct {
	mu      sync.Mutex
	scalars map[string][]float64
	images  int
}

func (r *recordingSink) Scalar(name string, step int64, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scalars == nil {
		r.scalars = make(map[string][]float64)
	}
	r.scalars[name] = append(r.scalars[name], value)
	return nil
}

func (r *recordingSink) Images(name string, step int64, images [][]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images += len(images)
	return fmt.Errorf("image sink unavailable")
}
