package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"railwatch/internal/logger"
	"railwatch/internal/model"
)

const (
	ClassesFile    = "classes.txt"
	DescriptorFile = "data.yaml"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".webp": true,
}

// descriptor mirrors data.yaml. Field order is the output order.
type descriptor struct {
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// Store owns the YOLO dataset directory: training images, label files,
// classes.txt and the derived data.yaml.
type Store struct {
	root      string
	imagesDir string
	labelsDir string
	logger    *logger.Logger

	// mu guards classes.txt and data.yaml.
	mu sync.Mutex
	// files serializes image name selection with the copy and label write.
	files sync.Mutex
}

// New creates the dataset layout under root if it is missing.
func New(root string, logger *logger.Logger) (*Store, error) {
	s := &Store{
		root:      root,
		imagesDir: filepath.Join(root, "train", "images"),
		labelsDir: filepath.Join(root, "train", "labels"),
		logger:    logger,
	}

	for _, dir := range []string{s.imagesDir, s.labelsDir, filepath.Join(root, "val", "images")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dataset directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) Root() string      { return s.root }
func (s *Store) ImagesDir() string { return s.imagesDir }
func (s *Store) LabelsDir() string { return s.labelsDir }

// DescriptorPath is the data.yaml handed to the trainer.
func (s *Store) DescriptorPath() string {
	return filepath.Join(s.root, DescriptorFile)
}

// ValidateName rejects anything that is not a plain file name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: bad file name %q", model.ErrInvalidInput, name)
	}
	return nil
}

// ImagePath resolves a training image name to its path.
func (s *Store) ImagePath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.imagesDir, name), nil
}

// LabelPath returns the label file paired with a training image.
func (s *Store) LabelPath(imageName string) string {
	return filepath.Join(s.labelsDir, labelStem(imageName)+".txt")
}

// Materialize copies srcPath into the training images and records the
// decision in its label file. Rejected images get an empty label. Accepted
// images keep any existing label and otherwise get an empty placeholder until
// they are annotated.
//
// Label files are keyed by stem, so an image whose stem is already used by a
// different training image is stored under "<stem>-N<ext>". The returned name
// is the one stored. If the label cannot be written a newly copied image is
// removed again.
func (s *Store) Materialize(srcPath string, decision model.Decision) (string, error) {
	if decision != model.Accept && decision != model.Reject {
		return "", fmt.Errorf("%w: unknown decision %q", model.ErrInvalidInput, decision)
	}
	if err := ValidateName(filepath.Base(srcPath)); err != nil {
		return "", err
	}

	s.files.Lock()
	defer s.files.Unlock()

	name, err := s.storedName(filepath.Base(srcPath))
	if err != nil {
		return "", err
	}
	imgPath := filepath.Join(s.imagesDir, name)
	_, statErr := os.Stat(imgPath)
	existed := statErr == nil

	if err := copyFileAtomic(srcPath, imgPath); err != nil {
		return "", fmt.Errorf("%w: copy %s: %v", model.ErrIO, name, err)
	}

	if err := s.writeDecisionLabel(name, decision); err != nil {
		if !existed {
			if rmErr := os.Remove(imgPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Error("Failed to remove unlabeled image %s: %v", name, rmErr)
			}
		}
		return "", err
	}
	return name, nil
}

func (s *Store) writeDecisionLabel(name string, decision model.Decision) error {
	labelPath := s.LabelPath(name)
	if decision == model.Reject {
		if err := writeFileAtomic(labelPath, nil); err != nil {
			return fmt.Errorf("%w: write label for %s: %v", model.ErrIO, name, err)
		}
		return nil
	}
	f, err := os.OpenFile(labelPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		if err := f.Close(); err != nil {
			return fmt.Errorf("%w: create label for %s: %v", model.ErrIO, name, err)
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: create label for %s: %v", model.ErrIO, name, err)
	}
	if info, err := os.Stat(labelPath); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: label for %s is not a regular file", model.ErrIO, name)
	}
	return nil
}

// storedName picks the first of name, stem-1.ext, stem-2.ext... whose label
// stem no other training image uses. The same source name always maps to the
// same stored name.
func (s *Store) storedName(name string) (string, error) {
	entries, err := os.ReadDir(s.imagesDir)
	if err != nil {
		return "", fmt.Errorf("%w: list images: %v", model.ErrIO, err)
	}
	owners := make(map[string][]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := labelStem(e.Name())
		owners[stem] = append(owners[stem], e.Name())
	}

	ext := filepath.Ext(name)
	stem := labelStem(name)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		if stemFree(owners[labelStem(candidate)], candidate) && labelStem(candidate)+".txt" != ClassesFile {
			return candidate, nil
		}
	}
}

func stemFree(owners []string, name string) bool {
	for _, o := range owners {
		if o != name {
			return false
		}
	}
	return true
}

func labelStem(imageName string) string {
	return strings.TrimSuffix(imageName, filepath.Ext(imageName))
}

// SaveLabels overwrites the label file of an existing training image.
func (s *Store) SaveLabels(imageName string, boxes []model.Box) error {
	imgPath, err := s.ImagePath(imageName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(imgPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: image %s", model.ErrNotFound, imageName)
		}
		return fmt.Errorf("%w: stat %s: %v", model.ErrIO, imageName, err)
	}

	classes, err := s.Classes()
	if err != nil {
		return err
	}
	for _, b := range boxes {
		if err := b.Validate(len(classes)); err != nil {
			return err
		}
	}

	if err := writeFileAtomic(s.LabelPath(imageName), []byte(model.FormatBoxes(boxes))); err != nil {
		return fmt.Errorf("%w: write label for %s: %v", model.ErrIO, imageName, err)
	}
	return nil
}

// Labels parses the label file of a training image. A missing file yields no boxes.
func (s *Store) Labels(imageName string) ([]model.Box, error) {
	if err := ValidateName(imageName); err != nil {
		return nil, err
	}
	f, err := os.Open(s.LabelPath(imageName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open label for %s: %v", model.ErrIO, imageName, err)
	}
	defer f.Close()
	return model.ReadBoxes(f)
}

// Classes returns the class names in index order.
func (s *Store) Classes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readClasses()
}

func (s *Store) readClasses() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.labelsDir, ClassesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: read classes: %v", model.ErrIO, err)
	}

	classes := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, nil
}

// AddClass appends name if it is not already known and regenerates data.yaml.
// It returns the resulting class list and whether name was added.
func (s *Store) AddClass(name string) ([]string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return nil, false, fmt.Errorf("%w: class name must be a non-empty single line", model.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	classes, err := s.readClasses()
	if err != nil {
		return nil, false, err
	}
	for _, c := range classes {
		if c == name {
			return classes, false, nil
		}
	}

	classes = append(classes, name)
	content := strings.Join(classes, "\n") + "\n"
	if err := writeFileAtomic(filepath.Join(s.labelsDir, ClassesFile), []byte(content)); err != nil {
		return nil, false, fmt.Errorf("%w: write classes: %v", model.ErrIO, err)
	}
	if err := s.writeDescriptor(classes); err != nil {
		return nil, false, err
	}

	s.logger.Info("Class %q added at index %d", name, len(classes)-1)
	return classes, true, nil
}

// EnsureClass returns the index of name, adding it when unknown.
func (s *Store) EnsureClass(name string) (int, error) {
	classes, _, err := s.AddClass(name)
	if err != nil {
		return 0, err
	}
	for i, c := range classes {
		if c == strings.TrimSpace(name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: class %q vanished", model.ErrIO, name)
}

// SyncDescriptor regenerates data.yaml from classes.txt.
func (s *Store) SyncDescriptor() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	classes, err := s.readClasses()
	if err != nil {
		return err
	}
	return s.writeDescriptor(classes)
}

func (s *Store) writeDescriptor(classes []string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(descriptor{
		Train: "train/images",
		Val:   "val/images",
		NC:    len(classes),
		Names: classes,
	}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", DescriptorFile, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", DescriptorFile, err)
	}

	path := s.DescriptorPath()
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, buf.Bytes()) {
		return nil
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write %s: %v", model.ErrIO, DescriptorFile, err)
	}
	return nil
}

// CountLabels counts label files, excluding classes.txt.
func (s *Store) CountLabels() (int, error) {
	entries, err := os.ReadDir(s.labelsDir)
	if err != nil {
		return 0, fmt.Errorf("%w: read labels: %v", model.ErrIO, err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") && e.Name() != ClassesFile {
			count++
		}
	}
	return count, nil
}

// Images lists training images sorted by name.
func (s *Store) Images() ([]string, error) {
	entries, err := os.ReadDir(s.imagesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read images: %v", model.ErrIO, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
