package metrics

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dptrain/vision/preprocessing"
)

// ImageSink writes up to Max images per call as PNG files under Dir, named
// <metric>-<step>-<index>.png. Scalars are ignored.
type ImageSink struct {
	Dir      string
	Geometry preprocessing.Geometry
	Max      int
}

func (s *ImageSink) Scalar(name string, step int64, value float64) error {
	return nil
}

func (s *ImageSink) Images(name string, step int64, images [][]float64) error {
	count := min(len(images), s.Max)
	if count == 0 {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create image directory")
	}

	prefix := strings.NewReplacer("/", "_", " ", "_").Replace(name)
	for i := 0; i < count; i++ {
		img, err := preprocessing.ToImage(images[i], s.Geometry)
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		path := filepath.Join(s.Dir, fmt.Sprintf("%s-%d-%d.png", prefix, step, i))
		if err := writePNG(path, img); err != nil {
			return err
		}
	}
	return nil
}

func writePNG(path string, img *image.RGBA) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return f.Close()
}
