package phash

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"os"
	"strconv"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/patrickmn/go-cache"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"railwatch/internal/model"
)

// ErrHash marks an image that could not be opened or decoded.
var ErrHash = model.ErrHash

// Bits is the size of every fingerprint.
const Bits = 64

// Hash is a 64-bit perceptual fingerprint.
type Hash uint64

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Similar reports whether two fingerprints are within threshold bits of each other.
func Similar(a, b Hash, threshold int) bool {
	return Distance(a, b) <= threshold
}

// Algorithm selects the perceptual hash function.
type Algorithm string

const (
	PHash Algorithm = "phash"
	DHash Algorithm = "dhash"
	AHash Algorithm = "ahash"
)

type hashFunc func(image.Image) (*goimagehash.ImageHash, error)

func (a Algorithm) hashFunc() (hashFunc, error) {
	switch a {
	case PHash, "":
		return goimagehash.PerceptionHash, nil
	case DHash:
		return goimagehash.DifferenceHash, nil
	case AHash:
		return goimagehash.AverageHash, nil
	}
	return nil, fmt.Errorf("unknown hash algorithm %q", a)
}

// Index fingerprints images on disk and caches results by path, size and mtime.
type Index struct {
	hash  hashFunc
	cache *cache.Cache
}

// NewIndex creates an index using the given algorithm. Entries expire after ttl.
func NewIndex(algorithm Algorithm, ttl time.Duration) (*Index, error) {
	fn, err := algorithm.hashFunc()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Index{
		hash:  fn,
		cache: cache.New(ttl, ttl*2),
	}, nil
}

type entry struct {
	key  string
	hash Hash
}

func cacheKey(info os.FileInfo) string {
	return strconv.FormatInt(info.Size(), 10) + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

// Fingerprint computes the perceptual hash of the image at path.
func (x *Index) Fingerprint(path string) (Hash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHash, err)
	}

	key := cacheKey(info)
	if cached, ok := x.cache.Get(path); ok {
		if e := cached.(entry); e.key == key {
			return e.hash, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHash, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrHash, path, err)
	}

	ih, err := x.hash(img)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrHash, path, err)
	}

	h := Hash(ih.GetHash())
	x.cache.Set(path, entry{key: key, hash: h}, cache.DefaultExpiration)
	return h, nil
}

// Forget evicts a cached fingerprint.
func (x *Index) Forget(path string) {
	x.cache.Delete(path)
}
