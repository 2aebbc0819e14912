// Package objref parses and formats object references of the form
// gs://bucket/object#generation.
package objref

import (
	"encoding"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Scheme prefixes every remote reference.
const Scheme = "gs://"

// Service limits on names.
const (
	minBucketLen    = 3
	maxBucketLen    = 63
	maxObjectBytes  = 1024
	generationDelim = "#"
)

// ErrNotRemote is returned by Parse for strings without the gs:// scheme.
var ErrNotRemote = errors.New("objref: not a gs:// reference")

// Ref names a bucket, an object, or a specific object generation. The zero
// value is an absent reference.
type Ref struct {
	Bucket string
	// Object is empty for a bucket reference. It is stored NFC-normalized.
	Object string
	// Generation is zero for the live generation.
	Generation int64
}

var (
	_ encoding.TextMarshaler   = Ref{}
	_ encoding.TextUnmarshaler = (*Ref)(nil)
)

// IsRemote reports whether s carries the gs:// scheme.
func IsRemote(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

// Parse parses "gs://bucket", "gs://bucket/object", or
// "gs://bucket/object#generation". Object names are NFC-normalized so that
// names typed on different platforms address the same object.
func Parse(s string) (Ref, error) {
	rest, ok := strings.CutPrefix(s, Scheme)
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrNotRemote, s)
	}

	bucket, object, _ := strings.Cut(rest, "/")

	var gen int64

	if i := strings.LastIndex(object, generationDelim); i >= 0 {
		g, err := strconv.ParseInt(object[i+1:], 10, 64)
		if err != nil || g <= 0 {
			return Ref{}, fmt.Errorf("objref: invalid generation in %q", s)
		}

		object, gen = object[:i], g
	}

	r := Ref{Bucket: bucket, Object: norm.NFC.String(object), Generation: gen}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}

	return r, nil
}

// MustParse is Parse for references known to be valid. It panics on error.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return r
}

// Validate checks the bucket and object names against the service rules.
func (r Ref) Validate() error {
	if err := validateBucket(r.Bucket); err != nil {
		return err
	}

	if r.Object == "" {
		if r.Generation != 0 {
			return errors.New("objref: a bucket reference cannot carry a generation")
		}

		return nil
	}

	return validateObject(r.Object)
}

func validateBucket(b string) error {
	if len(b) < minBucketLen || len(b) > maxBucketLen {
		return fmt.Errorf("objref: bucket name %q must be %d to %d characters", b, minBucketLen, maxBucketLen)
	}

	for i := range len(b) {
		c := b[i]

		alnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if i == 0 || i == len(b)-1 {
			if !alnum {
				return fmt.Errorf("objref: bucket name %q must start and end with a letter or digit", b)
			}

			continue
		}

		if !alnum && c != '-' && c != '_' && c != '.' {
			return fmt.Errorf("objref: bucket name %q contains invalid character %q", b, c)
		}
	}

	return nil
}

func validateObject(o string) error {
	switch {
	case !utf8.ValidString(o):
		return fmt.Errorf("objref: object name %q is not valid UTF-8", o)
	case len(o) > maxObjectBytes:
		return fmt.Errorf("objref: object name exceeds %d bytes", maxObjectBytes)
	case o == "." || o == "..":
		return fmt.Errorf("objref: object name %q is reserved", o)
	case strings.ContainsAny(o, "\r\n"):
		return fmt.Errorf("objref: object name %q contains a line break", o)
	}

	return nil
}

// IsBucket reports whether r names a whole bucket.
func (r Ref) IsBucket() bool {
	return r.Bucket != "" && r.Object == ""
}

// IsZero reports whether r is absent.
func (r Ref) IsZero() bool {
	return r == Ref{}
}

// IsPrefix reports whether r names a "directory": a bucket, or an object
// path ending in a slash.
func (r Ref) IsPrefix() bool {
	return r.IsBucket() || strings.HasSuffix(r.Object, "/")
}

// Join returns the reference to name inside the prefix r. The generation is
// dropped.
func (r Ref) Join(name string) Ref {
	prefix := r.Object
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return Ref{Bucket: r.Bucket, Object: prefix + norm.NFC.String(name)}
}

// Base returns the last path element of the object name.
func (r Ref) Base() string {
	trimmed := strings.TrimSuffix(r.Object, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}

	return trimmed
}

// String formats r as gs://bucket/object#generation.
func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}

	var b strings.Builder

	b.WriteString(Scheme)
	b.WriteString(r.Bucket)

	if r.Object != "" {
		b.WriteByte('/')
		b.WriteString(r.Object)
	}

	if r.Generation != 0 {
		b.WriteString(generationDelim)
		b.WriteString(strconv.FormatInt(r.Generation, 10))
	}

	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text is the zero
// reference.
func (r *Ref) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = Ref{}
		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*r = parsed

	return nil
}
