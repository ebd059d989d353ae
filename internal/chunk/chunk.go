// Package chunk splits a local file into content-addressed byte ranges
// for chunked upload.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"sync/atomic"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

const (
	// DefaultMaxChunkSize is the largest range handed to a single
	// request (4 MiB).
	DefaultMaxChunkSize = 4 * 1024 * 1024

	// DefaultMaxChunkCount is the most chunks one session accepts.
	DefaultMaxChunkCount = 10_000

	hashPrefix = "sha256:"
)

// Chunk is one loaded range of the source file.
type Chunk struct {
	Number int
	Range  models.ByteRange
	Data   []byte
	Hash   string
}

// Ranges partitions [0, size) into ordered, gapless ranges of at most
// maxChunkSize bytes. It fails with ErrSplit when that takes more than
// maxChunkCount ranges. A zero size yields no ranges.
func Ranges(size, maxChunkSize int64, maxChunkCount int) ([]models.ByteRange, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative size %d: %w", size, syncerr.ErrSplit)
	}

	if maxChunkSize <= 0 || maxChunkCount <= 0 {
		return nil, fmt.Errorf("invalid limits size=%d count=%d: %w", maxChunkSize, maxChunkCount, syncerr.ErrSplit)
	}

	if size == 0 {
		return nil, nil
	}

	count := (size + maxChunkSize - 1) / maxChunkSize
	if count > int64(maxChunkCount) {
		return nil, fmt.Errorf("%d bytes need %d chunks of %d, limit is %d: %w",
			size, count, maxChunkSize, maxChunkCount, syncerr.ErrSplit)
	}

	ranges := make([]models.ByteRange, 0, count)
	for start := int64(0); start < size; start += maxChunkSize {
		end := min(start+maxChunkSize, size)
		ranges = append(ranges, models.ByteRange{Start: start, End: end})
	}

	return ranges, nil
}

// Hash returns the content hash the server verifies for a chunk.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// Provider streams chunk payloads of one local file.
type Provider struct {
	path     string
	size     int64
	ranges   []models.ByteRange
	consumed atomic.Bool
}

// NewProvider stats path and computes its ranges.
func NewProvider(path string, maxChunkSize int64, maxChunkCount int) (*Provider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, syncerr.ErrFileNotFound)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, syncerr.ErrLocal)
	}

	ranges, err := Ranges(info.Size(), maxChunkSize, maxChunkCount)
	if err != nil {
		return nil, err
	}

	return &Provider{path: path, size: info.Size(), ranges: ranges}, nil
}

// Size returns the file size observed when the provider was created.
func (p *Provider) Size() int64 {
	return p.size
}

// Ranges returns the computed ranges. Chunk n (1-based) is Ranges()[n-1].
func (p *Provider) Ranges() []models.ByteRange {
	return p.ranges
}

// Chunks yields every chunk in range order. The sequence is one-shot: a
// second call yields a single ErrChunk. Iteration stops at the first
// error.
func (p *Provider) Chunks() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			yield(Chunk{}, fmt.Errorf("chunk sequence already consumed: %w", syncerr.ErrChunk))
			return
		}

		f, err := os.Open(p.path)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("opening %s: %w", p.path, syncerr.ErrChunk))
			return
		}
		defer f.Close()

		for i, r := range p.ranges {
			c, err := readChunk(f, i+1, r)
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// Load reads chunk number n (1-based). Used to resume a session where
// only some chunks still need uploading.
func (p *Provider) Load(n int) (Chunk, error) {
	if n < 1 || n > len(p.ranges) {
		return Chunk{}, fmt.Errorf("chunk %d out of range 1..%d: %w", n, len(p.ranges), syncerr.ErrChunk)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return Chunk{}, fmt.Errorf("opening %s: %w", p.path, syncerr.ErrChunk)
	}
	defer f.Close()

	return readChunk(f, n, p.ranges[n-1])
}

func readChunk(r io.ReaderAt, n int, br models.ByteRange) (Chunk, error) {
	data := make([]byte, br.Len())

	read, err := r.ReadAt(data, br.Start)
	if err != nil && !(err == io.EOF && int64(read) == br.Len()) {
		return Chunk{}, fmt.Errorf("reading chunk %d [%d,%d): %v: %w", n, br.Start, br.End, err, syncerr.ErrChunk)
	}

	return Chunk{
		Number: n,
		Range:  br,
		Data:   data,
		Hash:   Hash(data),
	}, nil
}
