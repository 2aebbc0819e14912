package storage

import (
	"bytes"
	"io"
)

// chunkQueue is an ordered queue of immutable byte slices. Discarding a
// confirmed prefix only reslices or drops slices; payload bytes are never
// copied once read from the source.
type chunkQueue struct {
	slices [][]byte
	size   uint64
}

// Len returns the number of buffered bytes.
func (q *chunkQueue) Len() uint64 {
	return q.size
}

// push appends b. The queue takes ownership of b.
func (q *chunkQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}

	q.slices = append(q.slices, b)
	q.size += uint64(len(b))
}

// discard drops the first n bytes.
func (q *chunkQueue) discard(n uint64) {
	if n > q.size {
		n = q.size
	}

	q.size -= n

	for n > 0 {
		head := q.slices[0]
		if uint64(len(head)) > n {
			q.slices[0] = head[n:]
			return
		}

		n -= uint64(len(head))
		q.slices[0] = nil
		q.slices = q.slices[1:]
	}
}

// prefix returns the slices covering the first n bytes, without copying.
func (q *chunkQueue) prefix(n uint64) [][]byte {
	var out [][]byte

	for _, s := range q.slices {
		if n == 0 {
			break
		}

		if uint64(len(s)) > n {
			s = s[:n]
		}

		out = append(out, s)
		n -= uint64(len(s))
	}

	return out
}

// reader returns a fresh reader over the first n bytes.
func (q *chunkQueue) reader(n uint64) io.Reader {
	parts := q.prefix(n)
	readers := make([]io.Reader, len(parts))

	for i, p := range parts {
		readers[i] = bytes.NewReader(p)
	}

	return io.MultiReader(readers...)
}
