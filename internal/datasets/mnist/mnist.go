// Package mnist downloads, verifies and parses the MNIST handwritten digits
// dataset, and serves it as minibatch tensor iterators.
//
// The four distribution files are kept in their original gzipped IDX format
// on disk and parsed in memory at load time.
package mnist

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// ImageSize is the width and height of the images, in pixels.
	ImageSize = 28

	// ImagePixels is the flattened size of one image.
	ImagePixels = ImageSize * ImageSize

	// NumClasses is the number of digit classes.
	NumClasses = 10
)

// DefaultBaseURL hosts a mirror of the original MNIST distribution.
var DefaultBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

// IDX file magic numbers: unsigned bytes, 1 and 3 dimensions respectively.
const (
	labelsMagic = 0x00000801
	imagesMagic = 0x00000803
)

// file describes one of the four distribution files and the SHA-256 checksum
// of its gzipped form.
type file struct {
	name     string
	checksum string
}

var (
	trainImagesFile = file{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	trainLabelsFile = file{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	validImagesFile = file{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	validLabelsFile = file{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}

	allFiles = []file{trainImagesFile, trainLabelsFile, validImagesFile, validLabelsFile}
)

// Split is one portion of the dataset: flattened images and their labels.
type Split struct {
	// Images holds Num*ImagePixels bytes, one byte per pixel, row-major.
	Images []byte

	// Labels holds Num bytes, each a class in [0, NumClasses).
	Labels []byte

	// Num is the number of examples in the split.
	Num int
}

// Data is the full dataset: the 60k example training split and the 10k
// example validation (test) split.
type Data struct {
	Train, Valid Split
}

// Download fetches the four distribution files into dir, in parallel, unless
// they are already present with the correct checksum. It creates dir if
// needed.
func Download(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create dataset directory %s", dir)
	}
	var group errgroup.Group
	for _, f := range allFiles {
		group.Go(func() error {
			return download(dir, f)
		})
	}
	return group.Wait()
}

func download(dir string, f file) error {
	filePath := filepath.Join(dir, f.name)
	if _, err := os.Stat(filePath); err == nil {
		if err = verifyChecksum(filePath, f.checksum); err == nil {
			klog.V(1).Infof("%s already downloaded", f.name)
			return nil
		}
		klog.Warningf("%s exists but fails verification, downloading again: %v", filePath, err)
	}

	url := DefaultBaseURL + f.name
	klog.V(1).Infof("Downloading %s", url)
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to download %s: %s", url, resp.Status)
	}
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", url)
	}
	if err = os.WriteFile(filePath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", filePath)
	}
	return verifyChecksum(filePath, f.checksum)
}

func verifyChecksum(filePath, checksum string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", filePath)
	}
	defer func() { _ = f.Close() }()
	hash := sha256.New()
	if _, err = io.Copy(hash, f); err != nil {
		return errors.Wrapf(err, "failed to hash %s", filePath)
	}
	if got := fmt.Sprintf("%x", hash.Sum(nil)); got != checksum {
		return errors.Errorf("checksum mismatch for %s: got %s, want %s", filePath, got, checksum)
	}
	return nil
}

// Load parses the four distribution files from dir. The files must have been
// downloaded first (see Download).
func Load(dir string) (*Data, error) {
	data := &Data{}
	for _, part := range []struct {
		images, labels file
		split          *Split
	}{
		{trainImagesFile, trainLabelsFile, &data.Train},
		{validImagesFile, validLabelsFile, &data.Valid},
	} {
		images, err := loadFile(filepath.Join(dir, part.images.name))
		if err != nil {
			return nil, err
		}
		labels, err := loadFile(filepath.Join(dir, part.labels.name))
		if err != nil {
			return nil, err
		}
		*part.split, err = parseSplit(images, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing %s and %s", part.images.name, part.labels.name)
		}
	}
	klog.V(1).Infof("Loaded MNIST: %d train examples, %d validation examples", data.Train.Num, data.Valid.Num)
	return data, nil
}

func loadFile(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s, has the dataset been downloaded?", filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not a gzip file", filePath)
	}
	defer func() { _ = gz.Close() }()
	contents, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decompress %s", filePath)
	}
	return contents, nil
}

// parseSplit decodes an (images, labels) IDX file pair into a Split.
func parseSplit(imagesRaw, labelsRaw []byte) (Split, error) {
	var split Split
	images, dims, err := parseIDX(imagesRaw, imagesMagic, 3)
	if err != nil {
		return split, err
	}
	if dims[1] != ImageSize || dims[2] != ImageSize {
		return split, errors.Errorf("images are %dx%d, expected %dx%d", dims[1], dims[2], ImageSize, ImageSize)
	}
	labels, labelDims, err := parseIDX(labelsRaw, labelsMagic, 1)
	if err != nil {
		return split, err
	}
	if dims[0] != labelDims[0] {
		return split, errors.Errorf("%d images for %d labels", dims[0], labelDims[0])
	}
	for ii, label := range labels {
		if label >= NumClasses {
			return split, errors.Errorf("label #%d is %d, expected a class in [0, %d)", ii, label, NumClasses)
		}
	}
	split.Images = images
	split.Labels = labels
	split.Num = dims[0]
	return split, nil
}

// parseIDX decodes an IDX payload: a big-endian magic number, one big-endian
// uint32 per dimension, then the unsigned byte payload.
func parseIDX(raw []byte, wantMagic uint32, numDims int) (payload []byte, dims []int, err error) {
	buf := bytes.NewReader(raw)
	var magic uint32
	if err = binary.Read(buf, binary.BigEndian, &magic); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read IDX magic number")
	}
	if magic != wantMagic {
		return nil, nil, errors.Errorf("bad IDX magic number 0x%x, want 0x%x", magic, wantMagic)
	}
	dims = make([]int, numDims)
	payloadSize := 1
	for ii := range dims {
		var dim uint32
		if err = binary.Read(buf, binary.BigEndian, &dim); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read IDX dimension #%d", ii)
		}
		dims[ii] = int(dim)
		payloadSize *= dims[ii]
	}
	payload = raw[len(raw)-buf.Len():]
	if len(payload) != payloadSize {
		return nil, nil, errors.Errorf("IDX payload has %d bytes, dimensions %v require %d",
			len(payload), dims, payloadSize)
	}
	return payload, dims, nil
}
