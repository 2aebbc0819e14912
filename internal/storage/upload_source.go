package storage

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/tonimelisma/gcs-go/internal/apierror"
)

// chunkSource supplies the bytes of a resumable upload, positioned at the
// last offset the service confirmed.
type chunkSource interface {
	// fill makes up to n bytes available, stopping early only when the
	// source is exhausted.
	fill(n uint64) error
	// available returns the number of bytes ready to send.
	available() uint64
	// more reports whether the source may still produce bytes beyond those
	// available.
	more() bool
	// total returns the object size once it is known.
	total() (uint64, bool)
	// body returns a reader over the next n available bytes. It can be
	// called again for the same bytes after a failed request.
	body(n uint64) (io.Reader, error)
	// advance drops n confirmed bytes.
	advance(n uint64)
	// ceiling returns the largest persisted size the service may report
	// when offset bytes are confirmed.
	ceiling(offset uint64) uint64
	// checksum returns the CRC32C of the whole payload once it is known.
	checksum() (uint32, bool)
}

// bufferedSource reads a one-way io.Reader into a chunkQueue.
type bufferedSource struct {
	r     io.Reader
	hint  SizeHint
	queue chunkQueue
	read  uint64
	eof   bool
	crc   uint32
}

func newBufferedSource(r io.Reader, hint SizeHint) *bufferedSource {
	return &bufferedSource{r: r, hint: hint}
}

func (b *bufferedSource) fill(n uint64) error {
	for !b.eof && b.queue.Len() < n {
		buf := make([]byte, n-b.queue.Len())

		k, eof, err := readFull(b.r, buf)
		if k > 0 {
			buf = buf[:k]
			b.crc = crc32.Update(b.crc, crc32cTable, buf)
			b.queue.push(buf)
			b.read += uint64(k)
		}

		if err != nil {
			return fmt.Errorf("storage: reading upload source: %w", err)
		}

		b.eof = eof
	}

	if b.hint.Max != nil && b.read > *b.hint.Max {
		return apierror.Binding("upload source exceeds the declared maximum size %d", *b.hint.Max)
	}

	if b.eof && b.read < b.hint.Min {
		return apierror.Binding("upload source ended at %d bytes, below the declared minimum %d", b.read, b.hint.Min)
	}

	return nil
}

func (b *bufferedSource) available() uint64 { return b.queue.Len() }

func (b *bufferedSource) more() bool { return !b.eof }

func (b *bufferedSource) total() (uint64, bool) {
	if size, ok := b.hint.Exact(); ok {
		return size, true
	}

	if b.eof {
		return b.read, true
	}

	return 0, false
}

func (b *bufferedSource) body(n uint64) (io.Reader, error) {
	return b.queue.reader(n), nil
}

func (b *bufferedSource) advance(n uint64) { b.queue.discard(n) }

func (b *bufferedSource) ceiling(offset uint64) uint64 { return offset + b.queue.Len() }

func (b *bufferedSource) checksum() (uint32, bool) {
	size, ok := b.total()
	return b.crc, ok && b.read == size
}

// bytes concatenates everything buffered. Used only for single-shot uploads.
func (b *bufferedSource) bytes() []byte {
	return bytes.Join(b.queue.prefix(b.queue.Len()), nil)
}

// seekSource reads a seekable source in place.
type seekSource struct {
	rs     io.ReadSeeker
	base   int64
	size   uint64
	offset uint64
	sent   uint64
	crc    *uint32
}

func (s *seekSource) fill(uint64) error { return nil }

func (s *seekSource) available() uint64 { return s.size - s.offset }

func (s *seekSource) more() bool { return false }

func (s *seekSource) total() (uint64, bool) { return s.size, true }

func (s *seekSource) body(n uint64) (io.Reader, error) {
	if _, err := s.rs.Seek(s.base+int64(s.offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: seeking upload source to %d: %w", s.offset, err)
	}

	s.sent = max(s.sent, s.offset+n)

	return io.LimitReader(s.rs, int64(n)), nil
}

func (s *seekSource) advance(n uint64) { s.offset += n }

func (s *seekSource) ceiling(offset uint64) uint64 { return max(s.sent, offset) }

func (s *seekSource) checksum() (uint32, bool) {
	if s.crc == nil {
		return 0, false
	}

	return *s.crc, true
}

// readFull reads until buf is full or the reader reports io.EOF.
func readFull(r io.Reader, buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k

		if errors.Is(err, io.EOF) {
			return n, true, nil
		}

		if err != nil {
			return n, false, err
		}
	}

	return n, false, nil
}
