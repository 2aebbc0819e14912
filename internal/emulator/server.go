// Package emulator is a local stand-in for the object storage JSON API,
// backed by SQLite. It implements the subset the client uses: resumable and
// multipart uploads, ranged media downloads, soft delete, bucket IAM
// policies with etags, and bulk restore as a long-running operation. A
// FaultInjector in front of the handlers scripts failures for tests.
package emulator

import (
	"crypto/md5" //nolint:gosec // md5Hash is part of the object resource
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Quantum is the granularity the emulator enforces on non-final chunks.
const Quantum = 256 * 1024

// DefaultRestorePolls is how many polls a bulk restore stays in progress.
const DefaultRestorePolls = 2

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Server serves the emulated API.
type Server struct {
	store  *Store
	logger *slog.Logger
	mux    *http.ServeMux
	faults *FaultInjector

	// RestorePolls is the number of polls before a bulk restore completes.
	RestorePolls int
}

// NewServer wires the routes over store.
func NewServer(store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:        store,
		logger:       logger,
		mux:          http.NewServeMux(),
		RestorePolls: DefaultRestorePolls,
	}

	s.faults = NewFaultInjector(s.mux, logger)

	s.mux.HandleFunc("POST /upload/storage/v1/b/{bucket}/o", s.handleUploadStart)
	s.mux.HandleFunc("PUT /upload/storage/v1/b/{bucket}/o", s.handleUploadChunk)
	s.mux.HandleFunc("POST /storage/v1/b/{bucket}/o/bulkRestore", s.handleBulkRestore)
	s.mux.HandleFunc("GET /storage/v1/b/{bucket}/o/{object...}", s.handleGetObject)
	s.mux.HandleFunc("DELETE /storage/v1/b/{bucket}/o/{object...}", s.handleDeleteObject)
	s.mux.HandleFunc("GET /storage/v1/b/{bucket}/iam", s.handleGetPolicy)
	s.mux.HandleFunc("PUT /storage/v1/b/{bucket}/iam", s.handleSetPolicy)
	s.mux.HandleFunc("GET /storage/v1/b/{bucket}/operations/{id}", s.handleGetOperation)

	return s
}

// Handler returns the root handler, fault injection included.
func (s *Server) Handler() http.Handler {
	return s.faults
}

// Faults returns the injector in front of the routes.
func (s *Server) Faults() *FaultInjector {
	return s.faults
}

// objectResource is the JSON form of an object. Int64 fields are strings.
type objectResource struct {
	Kind           string            `json:"kind"`
	Bucket         string            `json:"bucket"`
	Name           string            `json:"name"`
	Generation     string            `json:"generation"`
	Metageneration string            `json:"metageneration"`
	Size           string            `json:"size"`
	ContentType    string            `json:"contentType,omitempty"`
	CRC32C         string            `json:"crc32c"`
	MD5Hash        string            `json:"md5Hash"`
	ETag           string            `json:"etag"`
	Updated        time.Time         `json:"updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func resourceOf(o *object) objectResource {
	return objectResource{
		Kind:           "storage#object",
		Bucket:         o.Bucket,
		Name:           o.Name,
		Generation:     strconv.FormatInt(o.Generation, 10),
		Metageneration: strconv.FormatInt(o.Metageneration, 10),
		Size:           strconv.Itoa(len(o.Data)),
		ContentType:    o.ContentType,
		CRC32C:         encodeCRC32C(o.CRC32C),
		MD5Hash:        base64.StdEncoding.EncodeToString(o.MD5),
		ETag:           base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(o.Generation, 10))),
		Updated:        o.Created,
		Metadata:       o.Metadata,
	}
}

// newObject computes checksums for data.
func newObject(bucket, name, contentType string, metadata map[string]string, data []byte) *object {
	sum := md5.Sum(data) //nolint:gosec // md5Hash is part of the object resource

	return &object{
		Bucket:      bucket,
		Name:        name,
		ContentType: contentType,
		Metadata:    metadata,
		Data:        data,
		CRC32C:      crc32.Checksum(data, crc32cTable),
		MD5:         sum[:],
	}
}

// statusError carries an explicit HTTP status out of a handler.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &statusError{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// writeError renders err in the service's JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError

	var se *statusError

	switch {
	case errors.As(err, &se):
		code = se.code
	case errors.Is(err, errNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errPreconditionFailed):
		code = http.StatusPreconditionFailed
	}

	if code >= http.StatusInternalServerError {
		s.logger.Error("emulator request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	writeStatus(w, code, err.Error())
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)

	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// queryInt64 parses an optional int64 query parameter.
func queryInt64(r *http.Request, key string) (*int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, badRequest("invalid %s %q", key, v)
	}

	return &n, nil
}

func encodeCRC32C(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)

	return base64.StdEncoding.EncodeToString(b[:])
}

func decodeCRC32C(s string) (uint32, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(b), true
}
