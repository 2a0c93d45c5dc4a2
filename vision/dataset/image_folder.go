package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-dptrain/async"
	"github.com/tsawler/go-dptrain/vision/preprocessing"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}

	// Find all classes (subdirectories)
	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	sort.Strings(classes)

	classIdx := 0
	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		// Find all images in this class
		for _, ext := range extensions {
			files, err := filepath.Glob(filepath.Join(classPath, "*"+ext))
			if err != nil {
				continue
			}
			sort.Strings(files)
			for _, file := range files {
				dataset.imagePaths = append(dataset.imagePaths, file)
				dataset.labels = append(dataset.labels, classIdx)
			}
		}

		classIdx++
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}

// ImageFolderSource opens class-per-directory image trees as record readers. The
// path passed to Open is the tree root; images are decoded and resized on read.
type ImageFolderSource struct {
	ImageSize  int
	Extensions []string
	Seed       int64
}

// Open scans the tree at root.
func (s *ImageFolderSource) Open(root string, training bool) (async.RecordReader, error) {
	dataset, err := NewImageFolderDataset(root, s.Extensions)
	if err != nil {
		return nil, err
	}
	reader := &imageFolderReader{
		dataset:   dataset,
		processor: preprocessing.NewImageProcessor(s.ImageSize),
		order:     rand.New(rand.NewSource(s.Seed)).Perm(dataset.Len()),
		training:  training,
		rng:       rand.New(rand.NewSource(s.Seed + 1)),
	}
	if !training {
		for i := range reader.order {
			reader.order[i] = i
		}
	}
	return reader, nil
}

type imageFolderReader struct {
	dataset   *ImageFolderDataset
	processor *preprocessing.ImageProcessor
	order     []int
	pos       int
	training  bool
	rng       *rand.Rand
}

func (r *imageFolderReader) Next() (async.Example, error) {
	if r.pos >= len(r.order) {
		return async.Example{}, io.EOF
	}
	path, label, err := r.dataset.GetItem(r.order[r.pos])
	if err != nil {
		return async.Example{}, err
	}
	r.pos++

	file, err := os.Open(path)
	if err != nil {
		return async.Example{}, err
	}
	defer file.Close()
	image, err := r.processor.Decode(file)
	if err != nil {
		return async.Example{}, fmt.Errorf("%s: %w", path, err)
	}
	return async.Example{Image: image, Label: label}, nil
}

func (r *imageFolderReader) Reset() error {
	r.pos = 0
	if r.training {
		r.rng.Shuffle(len(r.order), func(i, j int) {
			r.order[i], r.order[j] = r.order[j], r.order[i]
		})
	}
	return nil
}
