// Package digest computes the content-addressable hash used throughout
// chunkflow and provides a zero-copy byte-range view over a file for
// slicing it into chunks.
//
// The digest is 128 bits rendered as 32 lowercase hex characters (an
// MD5-compatible surface); this package uses crypto/md5 directly rather
// than a third-party hashing library.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// windowSize is the bounded-memory read window used when streaming a file
// through the digest.
const windowSize = 2 * 1024 * 1024

// emptyDigest is the well-defined digest of zero bytes.
var emptyDigest = func() string {
	sum := md5.Sum(nil)
	return hashString(sum[:])
}()

func hashString(sum []byte) string {
	return hex.EncodeToString(sum)
}

// Bytes returns the 32-character lowercase hex digest of data. Empty input
// yields the well-defined empty digest; same bytes always yield the same
// digest regardless of how the byte slice was constructed.
func Bytes(data []byte) string {
	if len(data) == 0 {
		return emptyDigest
	}
	sum := md5.Sum(data)
	return hashString(sum[:])
}

// ProgressFunc is called with a 0-100 percentage as a stream is hashed.
type ProgressFunc func(percent int)

// Stream hashes r in bounded-memory windows, reporting progress via
// onProgress (which may be nil). size is the total number of bytes r is
// expected to yield; it is used only to compute progress percentages, not to
// bound the read. The returned digest is identical to Bytes(all bytes read).
func Stream(r io.Reader, size int64, onProgress ProgressFunc) (string, error) {
	h := md5.New()
	buf := make([]byte, windowSize)
	var read int64
	lastPercent := -1
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
			if onProgress != nil && size > 0 {
				percent := int(read * 100 / size)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					onProgress(percent)
					lastPercent = percent
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if read == 0 {
		return emptyDigest, nil
	}
	if onProgress != nil && lastPercent != 100 {
		onProgress(100)
	}
	return hashString(h.Sum(nil)), nil
}

// Slice is a zero-copy byte-range view [Start, End) of a source file.
type Slice struct {
	Start int64
	End   int64
}

// Size returns the number of bytes the slice covers.
func (s Slice) Size() int64 { return s.End - s.Start }

// Plan divides a file of the given size into dense, contiguous slices of at
// most chunkSize bytes each. The final slice may be smaller. Plan never
// returns a zero-length slice for a non-empty file, and returns a single
// empty slice for a zero-byte file so that callers always have at least one
// chunk to name.
func Plan(fileSize int64, chunkSize int64) []Slice {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if fileSize <= 0 {
		return []Slice{{Start: 0, End: 0}}
	}
	var slices []Slice
	for start := int64(0); start < fileSize; start += chunkSize {
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		slices = append(slices, Slice{Start: start, End: end})
	}
	return slices
}

// SectionReader adapts an io.ReaderAt plus a Slice into an io.Reader that
// yields exactly the slice's bytes, without copying the underlying source
// ahead of time.
func SectionReader(src io.ReaderAt, s Slice) io.Reader {
	return io.NewSectionReader(src, s.Start, s.Size())
}
