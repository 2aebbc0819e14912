package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/tonimelisma/gcs-go/internal/apierror"
)

// SizeHint bounds the size of an upload source. Max is nil when the size is
// unbounded; Min == *Max means the size is known.
type SizeHint struct {
	Min uint64
	Max *uint64
}

// ExactSize is the hint for a source of known size.
func ExactSize(n uint64) SizeHint {
	return SizeHint{Min: n, Max: &n}
}

// Exact returns the size when it is known.
func (h SizeHint) Exact() (uint64, bool) {
	if h.Max != nil && *h.Max == h.Min {
		return h.Min, true
	}

	return 0, false
}

// UploadRequest describes an object to create.
type UploadRequest struct {
	Bucket      string
	Name        string
	ContentType string
	Metadata    map[string]string
	Conditions  Conditions
	Size        SizeHint

	// Idempotent declares that repeating the upload is safe even without an
	// IfGenerationMatch precondition.
	Idempotent bool

	// ChunkSize overrides the client chunk size; it is rounded up to a
	// multiple of Quantum.
	ChunkSize uint64

	// ResumableThreshold overrides the client threshold. Sources of known
	// size below it are sent in one request.
	ResumableThreshold *uint64

	// CRC32C of the full payload, sent for server-side validation. Buffered
	// uploads compute it themselves when it is nil.
	CRC32C *uint32
}

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 {
	return &v
}

func (r *UploadRequest) idempotent() bool {
	return r.Idempotent || r.Conditions.IfGenerationMatch != nil
}

func (c *Client) thresholdFor(req *UploadRequest) uint64 {
	if req.ResumableThreshold != nil {
		return *req.ResumableThreshold
	}

	return c.resumableThreshold
}

func (c *Client) chunkSizeFor(req *UploadRequest) uint64 {
	if req.ChunkSize > 0 {
		return roundChunkSize(req.ChunkSize)
	}

	return c.chunkSize
}

// UploadObject uploads from r, keeping a copy of each unconfirmed chunk so
// that the upload survives failures even though r cannot rewind. Sources of
// known size below the resumable threshold, and unknown-size sources that
// end before it, are sent as one multipart request.
func (c *Client) UploadObject(ctx context.Context, req UploadRequest, r io.Reader) (*Object, error) {
	if err := validateName(req.Bucket, req.Name); err != nil {
		return nil, err
	}

	threshold := c.thresholdFor(&req)
	target := c.chunkSizeFor(&req)
	src := newBufferedSource(r, req.Size)

	if size, ok := req.Size.Exact(); ok && size < threshold {
		if err := src.fill(size + 1); err != nil {
			return nil, err
		}

		return c.uploadSingleShot(ctx, &req, src.bytes())
	}

	if _, ok := req.Size.Exact(); !ok {
		if err := src.fill(target); err != nil {
			return nil, err
		}

		if !src.more() && src.available() < threshold {
			return c.uploadSingleShot(ctx, &req, src.bytes())
		}
	}

	return c.newResumableUpload(&req, src, target).run(ctx)
}

// UploadObjectUnbuffered uploads from a seekable source without keeping a
// copy of unconfirmed data: after a failure it asks the service how much was
// persisted and seeks rs there. Upload starts at the current position of rs.
func (c *Client) UploadObjectUnbuffered(ctx context.Context, req UploadRequest, rs io.ReadSeeker) (*Object, error) {
	if err := validateName(req.Bucket, req.Name); err != nil {
		return nil, err
	}

	base, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("storage: locating upload source: %w", err)
	}

	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("storage: sizing upload source: %w", err)
	}

	if _, err := rs.Seek(base, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: rewinding upload source: %w", err)
	}

	size := uint64(end - base)
	if want, ok := req.Size.Exact(); ok && want != size {
		return nil, apierror.Binding("size hint %d does not match source size %d", want, size)
	}

	if size < c.thresholdFor(&req) {
		data, err := io.ReadAll(io.LimitReader(rs, int64(size)))
		if err != nil {
			return nil, fmt.Errorf("storage: reading upload source: %w", err)
		}

		return c.uploadSingleShot(ctx, &req, data)
	}

	src := &seekSource{rs: rs, base: base, size: size, crc: req.CRC32C}

	return c.newResumableUpload(&req, src, c.chunkSizeFor(&req)).run(ctx)
}

// objectResource is the metadata sent when creating an object.
type objectResource struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CRC32C      string            `json:"crc32c,omitempty"`
}

func resourceFor(req *UploadRequest) objectResource {
	return objectResource{
		Name:        req.Name,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}
}

// uploadSingleShot sends metadata and payload in one multipart/related
// request. It is retried only when the request is idempotent.
func (c *Client) uploadSingleShot(ctx context.Context, req *UploadRequest, data []byte) (*Object, error) {
	meta := resourceFor(req)
	meta.CRC32C = encodeCRC32C(crc32.Checksum(data, crc32cTable))

	if req.CRC32C != nil && *req.CRC32C != crc32.Checksum(data, crc32cTable) {
		return nil, fmt.Errorf("storage: %w: payload does not match the declared CRC32C", ErrChecksumMismatch)
	}

	body, contentType, err := multipartBody(meta, req.ContentType, data)
	if err != nil {
		return nil, err
	}

	q := url.Values{"uploadType": {"multipart"}}
	req.Conditions.apply(q)
	target := withQuery(c.uploadURL(req.Bucket), q)

	c.logger.Info("uploading object",
		slog.String("bucket", req.Bucket),
		slog.String("name", req.Name),
		slog.Int("size", len(data)),
		slog.String("mode", "single-shot"),
	)

	resp, err := c.execute(ctx, call{
		op:         "storage.objects.insert",
		idempotent: req.idempotent(),
		build: func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}

			r.Header.Set("Content-Type", contentType)

			return r, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: uploading gs://%s/%s: %w", req.Bucket, req.Name, err)
	}
	defer resp.Body.Close()

	return decodeObject(resp.Body)
}

func multipartBody(meta objectResource, contentType string, data []byte) ([]byte, string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", fmt.Errorf("storage: building multipart body: %w", err)
	}

	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return nil, "", fmt.Errorf("storage: encoding object metadata: %w", err)
	}

	dataPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return nil, "", fmt.Errorf("storage: building multipart body: %w", err)
	}

	if _, err := dataPart.Write(data); err != nil {
		return nil, "", fmt.Errorf("storage: building multipart body: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("storage: building multipart body: %w", err)
	}

	return buf.Bytes(), "multipart/related; boundary=" + mw.Boundary(), nil
}
