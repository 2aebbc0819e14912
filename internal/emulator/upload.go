package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// uploadMetadata is the object resource a client sends when creating one.
type uploadMetadata struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
	CRC32C      string            `json:"crc32c"`
}

func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")

	ifGen, err := queryInt64(r, "ifGenerationMatch")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch t := r.URL.Query().Get("uploadType"); t {
	case "resumable":
		s.startResumable(w, r, bucket, ifGen)
	case "multipart":
		s.uploadMultipart(w, r, bucket, ifGen)
	case "media":
		s.uploadMedia(w, r, bucket, ifGen)
	default:
		writeStatus(w, http.StatusBadRequest, fmt.Sprintf("unsupported uploadType %q", t))
	}
}

func (s *Server) startResumable(w http.ResponseWriter, r *http.Request, bucket string, ifGen *int64) {
	ctx := r.Context()

	var meta uploadMetadata

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, badRequest("reading metadata: %v", err))
		return
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &meta); err != nil {
			s.writeError(w, r, badRequest("decoding metadata: %v", err))
			return
		}
	}

	u := &upload{
		ID:                uuid.NewString(),
		Bucket:            bucket,
		Name:              r.URL.Query().Get("name"),
		ContentType:       r.Header.Get("X-Upload-Content-Type"),
		Metadata:          meta.Metadata,
		IfGenerationMatch: ifGen,
	}

	if u.Name == "" {
		u.Name = meta.Name
	}

	if u.Name == "" {
		s.writeError(w, r, badRequest("object name is required"))
		return
	}

	if u.ContentType == "" {
		u.ContentType = meta.ContentType
	}

	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("invalid X-Upload-Content-Length %q", v))
			return
		}

		u.Total = &n
	}

	if meta.CRC32C != "" {
		sum, ok := decodeCRC32C(meta.CRC32C)
		if !ok {
			s.writeError(w, r, badRequest("invalid crc32c %q", meta.CRC32C))
			return
		}

		u.ExpectedCRC32C = &sum
	}

	if err := s.store.do(ctx, func(t *txn) error { return t.createUpload(ctx, u) }); err != nil {
		s.writeError(w, r, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	loc := fmt.Sprintf("%s://%s/upload/storage/v1/b/%s/o?uploadType=resumable&upload_id=%s",
		scheme, r.Host, url.PathEscape(bucket), url.QueryEscape(u.ID))

	s.logger.Debug("emulator upload session created",
		slog.String("bucket", bucket),
		slog.String("name", u.Name),
	)

	w.Header().Set("Location", loc)
	w.Header().Set("X-GUploader-UploadID", u.ID)
	w.WriteHeader(http.StatusOK)
}

// chunkRange is a parsed Content-Range of a chunk PUT.
type chunkRange struct {
	hasData    bool
	start, end int64
	total      *int64
}

// parseChunkRange reads "bytes s-e/T", "bytes s-e/*", "bytes */T" and
// "bytes */*".
func parseChunkRange(v string) (chunkRange, error) {
	var cr chunkRange

	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return cr, badRequest("malformed Content-Range %q", v)
	}

	span, size, ok := strings.Cut(spec, "/")
	if !ok {
		return cr, badRequest("malformed Content-Range %q", v)
	}

	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return cr, badRequest("malformed Content-Range %q", v)
		}

		cr.total = &n
	}

	if span == "*" {
		return cr, nil
	}

	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return cr, badRequest("malformed Content-Range %q", v)
	}

	start, err1 := strconv.ParseInt(first, 10, 64)
	end, err2 := strconv.ParseInt(last, 10, 64)

	if err1 != nil || err2 != nil || start < 0 || end < start {
		return cr, badRequest("malformed Content-Range %q", v)
	}

	cr.hasData, cr.start, cr.end = true, start, end

	return cr, nil
}

// handleUploadChunk accepts a chunk or a status query. Non-final chunks are
// persisted only up to the last full Quantum they cover; the 308 response
// reports what was kept.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get("upload_id")
	if id == "" {
		s.writeError(w, r, badRequest("upload_id is required"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, badRequest("reading chunk: %v", err))
		return
	}

	var cr chunkRange

	if v := r.Header.Get("Content-Range"); v != "" {
		if cr, err = parseChunkRange(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		n := int64(len(body))
		cr = chunkRange{hasData: n > 0, start: 0, end: n - 1, total: &n}
	}

	if cr.hasData && int64(len(body)) != cr.end-cr.start+1 {
		s.writeError(w, r, badRequest("Content-Range covers %d bytes, body has %d", cr.end-cr.start+1, len(body)))
		return
	}

	if !cr.hasData && len(body) != 0 {
		s.writeError(w, r, badRequest("status query must not carry a body"))
		return
	}

	var (
		result    *object
		persisted int64
	)

	err = s.store.do(ctx, func(t *txn) error {
		u, err := t.upload(ctx, id)
		if err != nil {
			return err
		}

		if u.Generation != nil {
			result, err = t.objectAt(ctx, u.Bucket, u.Name, *u.Generation)
			return err
		}

		if err := applyChunk(u, cr, body); err != nil {
			return err
		}

		persisted = int64(len(u.Data))

		// Only a request that declares the size can finalize the session.
		if cr.total != nil && persisted == *u.Total {
			o, err := s.finalize(ctx, t, u, r.Header)
			if err != nil {
				return err
			}

			result = o
			u.Generation = &o.Generation
		}

		return t.saveUpload(ctx, u)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result != nil {
		writeJSON(w, http.StatusOK, resourceOf(result))
		return
	}

	if persisted > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", persisted-1))
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusPermanentRedirect)
}

// applyChunk merges a chunk into the session. Bytes the session already
// has are skipped, so a replayed chunk is harmless.
func applyChunk(u *upload, cr chunkRange, body []byte) error {
	persisted := int64(len(u.Data))

	if cr.total != nil {
		if u.Total != nil && *u.Total != *cr.total {
			return badRequest("upload size changed from %d to %d", *u.Total, *cr.total)
		}

		if persisted > *cr.total {
			return badRequest("upload size %d is below the %d bytes already persisted", *cr.total, persisted)
		}

		u.Total = cr.total
	}

	if !cr.hasData {
		return nil
	}

	if cr.start > persisted {
		return badRequest("chunk starts at %d but only %d bytes are persisted", cr.start, persisted)
	}

	if u.Total != nil && cr.end+1 > *u.Total {
		return badRequest("chunk ends at %d past the upload size %d", cr.end, *u.Total)
	}

	if cr.end+1 <= persisted {
		return nil
	}

	end := cr.end + 1
	if u.Total == nil || end != *u.Total {
		end = end / Quantum * Quantum
	}

	if end <= persisted {
		return nil
	}

	u.Data = append(u.Data, body[persisted-cr.start:end-cr.start]...)

	return nil
}

// finalize turns a complete session into an object.
func (s *Server) finalize(ctx context.Context, t *txn, u *upload, h http.Header) (*object, error) {
	o := newObject(u.Bucket, u.Name, u.ContentType, u.Metadata, u.Data)

	want := u.ExpectedCRC32C
	if sum, ok := hashHeaderCRC32C(h); ok {
		want = &sum
	}

	if want != nil && *want != o.CRC32C {
		return nil, badRequest("Provided CRC32C %q doesn't match calculated CRC32C %q",
			encodeCRC32C(*want), encodeCRC32C(o.CRC32C))
	}

	if err := t.putObject(ctx, o, u.IfGenerationMatch); err != nil {
		return nil, err
	}

	s.logger.Info("emulator upload finalized",
		slog.String("bucket", u.Bucket),
		slog.String("name", u.Name),
		slog.Int("size", len(u.Data)),
	)

	return o, nil
}

func (s *Server) uploadMultipart(w http.ResponseWriter, r *http.Request, bucket string, ifGen *int64) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		s.writeError(w, r, badRequest("multipart upload needs a multipart Content-Type"))
		return
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		s.writeError(w, r, badRequest("reading metadata part: %v", err))
		return
	}

	var meta uploadMetadata
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		s.writeError(w, r, badRequest("decoding metadata part: %v", err))
		return
	}

	dataPart, err := mr.NextPart()
	if err != nil {
		s.writeError(w, r, badRequest("reading media part: %v", err))
		return
	}

	data, err := io.ReadAll(dataPart)
	if err != nil {
		s.writeError(w, r, badRequest("reading media part: %v", err))
		return
	}

	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = dataPart.Header.Get("Content-Type")
	}

	o := newObject(bucket, name, contentType, meta.Metadata, data)

	if meta.CRC32C != "" {
		want, ok := decodeCRC32C(meta.CRC32C)
		if !ok || want != o.CRC32C {
			s.writeError(w, r, badRequest("Provided CRC32C %q doesn't match calculated CRC32C %q",
				meta.CRC32C, encodeCRC32C(o.CRC32C)))

			return
		}
	}

	s.putAndRespond(w, r, o, ifGen)
}

func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request, bucket string, ifGen *int64) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, badRequest("reading media: %v", err))
		return
	}

	o := newObject(bucket, r.URL.Query().Get("name"), r.Header.Get("Content-Type"), nil, data)
	s.putAndRespond(w, r, o, ifGen)
}

// putAndRespond stores a single-request upload and writes the resource.
func (s *Server) putAndRespond(w http.ResponseWriter, r *http.Request, o *object, ifGen *int64) {
	ctx := r.Context()

	if o.Name == "" {
		s.writeError(w, r, badRequest("object name is required"))
		return
	}

	if err := s.store.do(ctx, func(t *txn) error { return t.putObject(ctx, o, ifGen) }); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("emulator object stored",
		slog.String("bucket", o.Bucket),
		slog.String("name", o.Name),
		slog.Int("size", len(o.Data)),
	)

	writeJSON(w, http.StatusOK, resourceOf(o))
}

func hashHeaderCRC32C(h http.Header) (uint32, bool) {
	for _, v := range h.Values("X-Goog-Hash") {
		for _, part := range strings.Split(v, ",") {
			key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && key == "crc32c" {
				return decodeCRC32C(val)
			}
		}
	}

	return 0, false
}
