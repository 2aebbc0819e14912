// Package transfer moves whole files between the local filesystem and the
// object store: downloads land in a generation-specific .partial file that
// later attempts resume, are verified against the object's CRC32C, and are
// renamed into place atomically. Uploads stream from a seekable file with a
// precomputed checksum. A shared bandwidth limiter and a bounded batch
// runner serve the CLI's multi-file commands.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/storage"
)

// defaultMaxHashRetries is the number of extra downloads after a checksum
// mismatch.
const defaultMaxHashRetries = 2

// maxSaneRetries caps MaxHashRetries so `range maxRetries+1` stays bounded.
const maxSaneRetries = 100

const (
	partialSuffix = ".partial"
	dirPerms      = 0o700
	filePerms     = 0o600
)

// Transfer directions reported to a BytesObserver.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// ObjectReader is the read side of *storage.Client.
type ObjectReader interface {
	GetObject(ctx context.Context, bucket, name string, generation int64) (*storage.Object, error)
	ReadObject(ctx context.Context, req storage.ReadRequest) (*storage.Reader, error)
}

// ObjectWriter is the upload side of *storage.Client.
type ObjectWriter interface {
	UploadObjectUnbuffered(ctx context.Context, req storage.UploadRequest, rs io.ReadSeeker) (*storage.Object, error)
}

// BytesObserver is told about payload bytes as they move. It must be safe
// for concurrent use.
type BytesObserver interface {
	ObserveBytes(direction string, n int)
}

// DownloadOpts configures a single download.
type DownloadOpts struct {
	// Generation pins the generation to fetch. Zero fetches the live one.
	Generation int64
}

// DownloadResult reports a completed download.
type DownloadResult struct {
	Object  *storage.Object
	CRC32C  uint32
	Size    int64
	Resumed bool // bytes from an earlier attempt's .partial were reused
}

// UploadOpts configures a single upload.
type UploadOpts struct {
	ContentType string
	Metadata    map[string]string
	Conditions  storage.Conditions

	// IfAbsent makes the upload succeed only when the object does not
	// exist, which also makes it safe to retry.
	IfAbsent bool
}

// UploadResult reports a completed upload.
type UploadResult struct {
	Object *storage.Object
	CRC32C uint32
	Size   int64
}

// Manager runs file transfers with .partial resume, checksum verification,
// and bandwidth limiting. It is safe for concurrent use.
type Manager struct {
	objects        ObjectReader
	uploads        ObjectWriter
	limiter        *BandwidthLimiter
	observer       BytesObserver
	logger         *slog.Logger
	maxHashRetries int
	parallel       int
}

// Option configures a Manager.
type Option func(*Manager)

// WithBandwidthLimiter shares bl across every transfer of the manager.
func WithBandwidthLimiter(bl *BandwidthLimiter) Option {
	return func(m *Manager) { m.limiter = bl }
}

// WithBytesObserver reports transferred bytes to o.
func WithBytesObserver(o BytesObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithMaxHashRetries sets how often a download is repeated after a checksum
// mismatch. Zero or negative uses the default.
func WithMaxHashRetries(n int) Option {
	return func(m *Manager) { m.maxHashRetries = resolveMaxRetries(n) }
}

// WithParallelism bounds RunBatch concurrency.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallel = n
		}
	}
}

// NewManager creates a Manager. A *storage.Client serves as both objects
// and uploads.
func NewManager(objects ObjectReader, uploads ObjectWriter, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		objects:        objects,
		uploads:        uploads,
		logger:         logger,
		maxHashRetries: defaultMaxHashRetries,
		parallel:       1,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func resolveMaxRetries(configured int) int {
	if configured <= 0 {
		return defaultMaxHashRetries
	}

	return min(configured, maxSaneRetries)
}

// DownloadToFile downloads gs://bucket/name to targetPath. Bytes land in
// "<target>.<generation>.partial"; a partial left by an interrupted attempt
// on the same generation is resumed, and partials of other generations are
// removed. The finished file is checked against the object's CRC32C, with
// up to MaxHashRetries fresh downloads on mismatch, stamped with the
// object's update time, and renamed into place.
func (m *Manager) DownloadToFile(
	ctx context.Context, bucket, name, targetPath string, opts DownloadOpts,
) (*DownloadResult, error) {
	if targetPath == "" {
		return nil, errors.New("transfer: download target path must not be empty")
	}

	obj, err := m.objects.GetObject(ctx, bucket, name, opts.Generation)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerms); err != nil {
		return nil, fmt.Errorf("transfer: creating parent dir for %s: %w", targetPath, err)
	}

	partialPath := partialPathFor(targetPath, obj.Generation)
	m.removeStalePartials(targetPath, obj.Generation)

	logger := m.logger.With(
		slog.String("object", "gs://"+bucket+"/"+name),
		slog.Int64("generation", obj.Generation),
		slog.String("target", targetPath),
	)
	logger.Debug("download to file starting", slog.Uint64("size", obj.Size))

	var (
		sum     uint32
		size    int64
		resumed bool
	)

	for attempt := range m.maxHashRetries + 1 {
		sum, size, resumed, err = m.downloadToPartial(ctx, obj, partialPath, logger)
		if err == nil && m.verify(obj, sum, size) {
			break
		}

		if err != nil && !errors.Is(err, storage.ErrChecksumMismatch) {
			return nil, err
		}

		os.Remove(partialPath)

		if attempt == m.maxHashRetries {
			return nil, fmt.Errorf("transfer: gs://%s/%s after %d downloads: %w",
				bucket, name, attempt+1, storage.ErrChecksumMismatch)
		}

		logger.Warn("download checksum mismatch, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("local_crc32c", FormatCRC32C(sum)),
			slog.String("remote_crc32c", obj.CRC32C),
		)
	}

	if !obj.Updated.IsZero() {
		if err := os.Chtimes(partialPath, time.Now(), obj.Updated); err != nil {
			logger.Warn("failed to set mtime on partial", slog.String("error", err.Error()))
		}
	}

	// On failure the partial stays so the next attempt can resume from it.
	if err := os.Rename(partialPath, targetPath); err != nil {
		return nil, fmt.Errorf("transfer: renaming partial to %s: %w", targetPath, err)
	}

	logger.Debug("download complete", slog.Int64("size", size), slog.Bool("resumed", resumed))

	return &DownloadResult{Object: obj, CRC32C: sum, Size: size, Resumed: resumed}, nil
}

// verify reports whether the local bytes match the object. Objects without
// a CRC32C are only checked by size.
func (m *Manager) verify(obj *storage.Object, sum uint32, size int64) bool {
	if uint64(size) != obj.Size {
		return false
	}

	want, ok := obj.Checksum()

	return !ok || want == sum
}

// downloadToPartial fills partialPath, resuming an existing partial when
// one of plausible size is present.
func (m *Manager) downloadToPartial(
	ctx context.Context, obj *storage.Object, partialPath string, logger *slog.Logger,
) (uint32, int64, bool, error) {
	// Open before stat so the file cannot vanish in between.
	f, err := os.OpenFile(partialPath, os.O_APPEND|os.O_WRONLY, filePerms)
	if err == nil {
		info, statErr := f.Stat()

		switch {
		case statErr != nil || info.Size() == 0 || uint64(info.Size()) > obj.Size:
			f.Close()
		default:
			sum, size, resumeErr := m.resumeDownload(ctx, obj, f, partialPath, info.Size(), logger)
			if resumeErr == nil {
				return sum, size, true, nil
			}

			if ctx.Err() != nil {
				return 0, 0, false, resumeErr
			}

			logger.Warn("resuming partial failed, starting fresh",
				slog.Int64("existing_bytes", info.Size()),
				slog.String("error", resumeErr.Error()),
			)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("cannot open partial file for resume, starting fresh", slog.String("error", err.Error()))
	}

	sum, size, err := m.freshDownload(ctx, obj, partialPath)

	return sum, size, false, err
}

// freshDownload streams the whole object into a truncated partial file,
// hashing as it goes.
func (m *Manager) freshDownload(ctx context.Context, obj *storage.Object, partialPath string) (uint32, int64, error) {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerms)
	if err != nil {
		return 0, 0, fmt.Errorf("transfer: creating partial file %s: %w", partialPath, err)
	}

	h := crc32.New(crc32cTable)

	n, err := m.copyObject(ctx, obj, 0, io.MultiWriter(f, h))
	if closeErr := f.Close(); err == nil && closeErr != nil {
		os.Remove(partialPath)

		return 0, 0, fmt.Errorf("transfer: closing partial file %s: %w", partialPath, closeErr)
	}

	if err != nil {
		m.keepPartialIfResumable(ctx, partialPath, err)

		return 0, 0, err
	}

	return h.Sum32(), n, nil
}

// resumeDownload appends the rest of the object to an open partial file and
// then hashes the whole file.
func (m *Manager) resumeDownload(
	ctx context.Context, obj *storage.Object, f *os.File, partialPath string, existing int64, logger *slog.Logger,
) (uint32, int64, error) {
	logger.Info("resuming download from partial file", slog.Int64("existing_bytes", existing))

	var n int64

	var err error
	if uint64(existing) < obj.Size {
		n, err = m.copyObject(ctx, obj, existing, f)
	}

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		m.keepPartialIfResumable(ctx, partialPath, err)

		return 0, 0, err
	}

	sum, err := ComputeCRC32C(partialPath)
	if err != nil {
		return 0, 0, fmt.Errorf("transfer: hashing resumed partial %s: %w", partialPath, err)
	}

	return sum, existing + n, nil
}

// copyObject streams obj from offset into w through the limiter.
func (m *Manager) copyObject(ctx context.Context, obj *storage.Object, offset int64, w io.Writer) (int64, error) {
	r, err := m.objects.ReadObject(ctx, storage.ReadRequest{
		Bucket:     obj.Bucket,
		Name:       obj.Name,
		Generation: obj.Generation,
		Offset:     offset,
	})
	if err != nil {
		return 0, err
	}
	defer r.Close()

	src := m.limiter.WrapReader(ctx, r)
	if m.observer != nil {
		src = &observedReader{r: src, direction: DirectionDownload, observer: m.observer}
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("transfer: downloading gs://%s/%s: %w", obj.Bucket, obj.Name, err)
	}

	return n, nil
}

// keepPartialIfResumable removes the partial unless the failure left bytes
// worth resuming: cancellation and transient service errors keep it.
func (m *Manager) keepPartialIfResumable(ctx context.Context, partialPath string, err error) {
	if ctx.Err() != nil || apierror.IsTransient(err) {
		return
	}

	os.Remove(partialPath)
}

func partialPathFor(targetPath string, generation int64) string {
	return targetPath + "." + strconv.FormatInt(generation, 10) + partialSuffix
}

// removeStalePartials deletes partials of targetPath left by generations
// other than keep. Their bytes belong to a different object version.
func (m *Manager) removeStalePartials(targetPath string, keep int64) {
	dir := filepath.Dir(targetPath)
	prefix := filepath.Base(targetPath) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		gen, ok := strings.CutSuffix(strings.TrimPrefix(e.Name(), prefix), partialSuffix)
		if !ok || !strings.HasPrefix(e.Name(), prefix) || e.IsDir() {
			continue
		}

		if n, err := strconv.ParseInt(gen, 10, 64); err != nil || n == keep {
			continue
		}

		stale := filepath.Join(dir, e.Name())
		if err := os.Remove(stale); err == nil {
			m.logger.Info("removed partial of another generation", slog.String("path", stale))
		}
	}
}

// UploadFile uploads localPath to gs://bucket/name. The file is hashed
// first so the service validates the payload, then streamed with resumable
// uploads that rewind the file on retry.
func (m *Manager) UploadFile(
	ctx context.Context, localPath, bucket, name string, opts UploadOpts,
) (*UploadResult, error) {
	if localPath == "" {
		return nil, errors.New("transfer: upload source path must not be empty")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("transfer: %s is not a regular file", localPath)
	}

	sum, err := ComputeCRC32C(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	cond := opts.Conditions
	if opts.IfAbsent {
		cond.IfGenerationMatch = storage.Int64(0)
	}

	m.logger.Debug("upload file starting",
		slog.String("path", localPath),
		slog.String("object", "gs://"+bucket+"/"+name),
		slog.Int64("size", info.Size()),
	)

	src := m.limiter.WrapReadSeeker(ctx, f)
	if m.observer != nil {
		src = &observedReadSeeker{
			observedReader: observedReader{r: src, direction: DirectionUpload, observer: m.observer},
			seeker:         src,
		}
	}

	obj, err := m.uploads.UploadObjectUnbuffered(ctx, storage.UploadRequest{
		Bucket:      bucket,
		Name:        name,
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
		Conditions:  cond,
		Size:        storage.ExactSize(uint64(info.Size())),
		CRC32C:      &sum,
	}, src)
	if err != nil {
		return nil, err
	}

	if got, ok := obj.Checksum(); ok && got != sum {
		return nil, fmt.Errorf("transfer: uploaded gs://%s/%s has crc32c %s, local file %s: %w",
			bucket, name, obj.CRC32C, FormatCRC32C(sum), storage.ErrChecksumMismatch)
	}

	return &UploadResult{Object: obj, CRC32C: sum, Size: info.Size()}, nil
}

type observedReader struct {
	r         io.Reader
	direction string
	observer  BytesObserver
}

func (o *observedReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if n > 0 {
		o.observer.ObserveBytes(o.direction, n)
	}

	return n, err
}

type observedReadSeeker struct {
	observedReader
	seeker io.Seeker
}

func (o *observedReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return o.seeker.Seek(offset, whence)
}
