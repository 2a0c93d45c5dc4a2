package metrics

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dptrain/vision/preprocessing"
)

type recordingSink struct {
	scalars map[string]float64
	images  int
	err     error
}

func (r *recordingSink) Scalar(name string, step int64, value float64) error {
	if r.err != nil {
		return r.err
	}
	if r.scalars == nil {
		r.scalars = make(map[string]float64)
	}
	r.scalars[name] = value
	return nil
}

func (r *recordingSink) Images(name string, step int64, images [][]float64) error {
	if r.err != nil {
		return r.err
	}
	r.images += len(images)
	return nil
}

func TestMultiSwallowsFailures(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	multi := NewMulti(failing, nil, good, LogSink{})

	assert.NoError(t, multi.Scalar("loss", 10, 2.5))
	assert.NoError(t, multi.Images("train/images", 10, [][]float64{{1}, {2}}))

	assert.Equal(t, 2.5, good.scalars["loss"])
	assert.Equal(t, 2, good.images)
}

func TestPrometheusSink(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())

	require.NoError(t, sink.Scalar("loss", 5, 1.25))
	require.NoError(t, sink.Scalar("loss", 6, 1.0))
	require.NoError(t, sink.Scalar("learning_rate", 6, 0.1))
	require.NoError(t, sink.Images("train/images", 6, make([][]float64, 3)))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.scalars.WithLabelValues("loss")))
	assert.Equal(t, 0.1, testutil.ToFloat64(sink.scalars.WithLabelValues("learning_rate")))
	assert.Equal(t, 6.0, testutil.ToFloat64(sink.step))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.images.WithLabelValues("train/images")))
}

func TestImageSinkWritesPNGs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "graphs")
	g := preprocessing.Geometry{Height: 2, Width: 3, Channels: 3}
	sink := &ImageSink{Dir: dir, Geometry: g, Max: 2}

	images := make([][]float64, 3)
	for i := range images {
		images[i] = make([]float64, g.Size())
		for j := range images[i] {
			images[i][j] = float64(j - i)
		}
	}
	require.NoError(t, sink.Images("train/images", 42, images))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	f, err := os.Open(filepath.Join(dir, "train_images-42-0.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
}

func TestImageSinkRejectsWrongGeometry(t *testing.T) {
	sink := &ImageSink{Dir: t.TempDir(), Geometry: preprocessing.Geometry{Height: 2, Width: 2, Channels: 3}, Max: 1}
	err := sink.Images("x", 1, [][]float64{{1, 2, 3}})
	assert.Error(t, err)

	// Nothing to write.
	sink.Max = 0
	assert.NoError(t, sink.Images("x", 1, [][]float64{{1, 2, 3}}))
}
