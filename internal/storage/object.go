package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/gcs-go/internal/apierror"
)

// crc32cTable is the Castagnoli table used for object checksums.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Object is the metadata of one object generation. Int64 fields travel as
// JSON strings.
type Object struct {
	Bucket         string            `json:"bucket"`
	Name           string            `json:"name"`
	Generation     int64             `json:"generation,string"`
	Metageneration int64             `json:"metageneration,string"`
	Size           uint64            `json:"size,string"`
	ContentType    string            `json:"contentType,omitempty"`
	CRC32C         string            `json:"crc32c,omitempty"`
	MD5Hash        string            `json:"md5Hash,omitempty"`
	ETag           string            `json:"etag,omitempty"`
	Updated        time.Time         `json:"updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Checksum decodes the object's CRC32C.
func (o *Object) Checksum() (uint32, bool) {
	return decodeCRC32C(o.CRC32C)
}

// Conditions are request preconditions. Nil fields are not sent.
type Conditions struct {
	IfGenerationMatch        *int64
	IfGenerationNotMatch     *int64
	IfMetagenerationMatch    *int64
	IfMetagenerationNotMatch *int64
}

// Int64 returns a pointer to v, for building Conditions.
func Int64(v int64) *int64 {
	return &v
}

func (c Conditions) apply(q url.Values) {
	set := func(key string, v *int64) {
		if v != nil {
			q.Set(key, formatInt(*v))
		}
	}

	set("ifGenerationMatch", c.IfGenerationMatch)
	set("ifGenerationNotMatch", c.IfGenerationNotMatch)
	set("ifMetagenerationMatch", c.IfMetagenerationMatch)
	set("ifMetagenerationNotMatch", c.IfMetagenerationNotMatch)
}

// GetObject fetches object metadata. generation 0 means the live generation.
func (c *Client) GetObject(ctx context.Context, bucket, name string, generation int64) (*Object, error) {
	if err := validateName(bucket, name); err != nil {
		return nil, err
	}

	q := url.Values{}
	if generation > 0 {
		q.Set("generation", formatInt(generation))
	}

	resp, err := c.execute(ctx, call{
		op:         "storage.objects.get",
		idempotent: true,
		build: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, withQuery(c.objectURL(bucket, name), q), nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: getting gs://%s/%s: %w", bucket, name, err)
	}
	defer resp.Body.Close()

	return decodeObject(resp.Body)
}

// DeleteObject deletes the live generation of an object (or the given
// generation). On buckets with soft delete the object can be restored with
// BulkRestoreObjects. Deletes are retried only when pinned to a generation.
func (c *Client) DeleteObject(ctx context.Context, bucket, name string, generation int64, cond Conditions) error {
	if err := validateName(bucket, name); err != nil {
		return err
	}

	q := url.Values{}
	if generation > 0 {
		q.Set("generation", formatInt(generation))
	}

	cond.apply(q)

	resp, err := c.execute(ctx, call{
		op:         "storage.objects.delete",
		idempotent: generation > 0 || cond.IfGenerationMatch != nil,
		build: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodDelete, withQuery(c.objectURL(bucket, name), q), nil)
		},
	})
	if err != nil {
		return fmt.Errorf("storage: deleting gs://%s/%s: %w", bucket, name, err)
	}

	resp.Body.Close()

	c.logger.Info("deleted object",
		slog.String("bucket", bucket),
		slog.String("name", name),
	)

	return nil
}

func decodeObject(r io.Reader) (*Object, error) {
	var obj Object
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, apierror.Serialization("object", err)
	}

	return &obj, nil
}

func validateName(bucket, name string) error {
	if bucket == "" {
		return apierror.Binding("bucket name must not be empty")
	}

	if name == "" {
		return apierror.Binding("object name must not be empty")
	}

	return nil
}

// pathEscape escapes a path segment, including "/", so object names with
// slashes stay one segment.
func pathEscape(s string) string {
	return url.PathEscape(s)
}

func withQuery(base string, q url.Values) string {
	if len(q) == 0 {
		return base
	}

	return base + "?" + q.Encode()
}

// encodeCRC32C renders a checksum the way the service does: big-endian bytes,
// standard base64.
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

// parseGoogHash extracts the crc32c value from an x-goog-hash header, which
// may be repeated or comma-joined ("crc32c=...,md5=...").
func parseGoogHash(h http.Header) (uint32, bool) {
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
