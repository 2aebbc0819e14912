package transfer

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/emulator"
	"github.com/tonimelisma/gcs-go/internal/retry"
	"github.com/tonimelisma/gcs-go/internal/storage"
)

const testBucket = "transfers"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(endpoint string, opts ...storage.Option) *storage.Client {
	base := []storage.Option{
		storage.WithThrottler(retry.NoThrottle),
		storage.WithBackoff(retry.ConstantBackoff(0)),
	}

	return storage.NewClient(endpoint, nil, nil, discardLogger(), append(base, opts...)...)
}

// harness is an emulator plus a client and manager pointed at it.
type harness struct {
	srv *emulator.Server
	c   *storage.Client
	m   *Manager
}

func newHarness(t *testing.T, clientOpts []storage.Option, opts ...Option) *harness {
	t.Helper()

	store, err := emulator.OpenStore(t.Context(), "", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := emulator.NewServer(store, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := newTestClient(ts.URL, clientOpts...)

	return &harness{srv: srv, c: c, m: NewManager(c, c, discardLogger(), opts...)}
}

func (h *harness) put(t *testing.T, name string, data []byte) *storage.Object {
	t.Helper()

	obj, err := h.c.UploadObject(t.Context(), storage.UploadRequest{
		Bucket: testBucket,
		Name:   name,
		Size:   storage.ExactSize(uint64(len(data))),
	}, bytes.NewReader(data))
	require.NoError(t, err)

	return obj
}

func (h *harness) mediaGets() []emulator.Request {
	var out []emulator.Request

	for _, r := range h.srv.Faults().Requests() {
		if r.Method == http.MethodGet && strings.Contains(r.Query, "alt=media") {
			out = append(out, r)
		}
	}

	return out
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*17 + i/5)
	}

	return b
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestDownloadToFile_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	data := payload(3*storage.Quantum + 5)
	obj := h.put(t, "dir/file.bin", data)

	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "file.bin")

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "dir/file.bin", target, DownloadOpts{})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, crc32.Checksum(data, crc32cTable), res.CRC32C)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, obj.Generation, res.Object.Generation)
	assert.False(t, res.Resumed)
	assert.Equal(t, []string{"file.bin"}, dirEntries(t, filepath.Dir(target)))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.WithinDuration(t, res.Object.Updated, info.ModTime(), time.Second)
}

func TestDownloadToFile_EmptyObject(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, "empty", nil)

	target := filepath.Join(t.TempDir(), "empty")

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "empty", target, DownloadOpts{})
	require.NoError(t, err)
	assert.Zero(t, res.Size)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDownloadToFile_ResumesPartial(t *testing.T) {
	h := newHarness(t, nil)
	data := payload(2 * storage.Quantum)
	obj := h.put(t, "resume", data)

	target := filepath.Join(t.TempDir(), "resume")
	require.NoError(t, os.WriteFile(partialPathFor(target, obj.Generation), data[:1000], 0o600))

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "resume", target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	gets := h.mediaGets()
	require.Len(t, gets, 1)
	assert.Equal(t, "bytes=1000-", gets[0].Range)
}

func TestDownloadToFile_CompletePartialNeedsNoTransfer(t *testing.T) {
	h := newHarness(t, nil)
	data := payload(5000)
	obj := h.put(t, "done", data)

	target := filepath.Join(t.TempDir(), "done")
	require.NoError(t, os.WriteFile(partialPathFor(target, obj.Generation), data, 0o600))

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "done", target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Empty(t, h.mediaGets())
}

func TestDownloadToFile_CorruptPartialIsRedownloaded(t *testing.T) {
	h := newHarness(t, nil)
	data := payload(storage.Quantum)
	obj := h.put(t, "corrupt", data)

	target := filepath.Join(t.TempDir(), "corrupt")
	require.NoError(t, os.WriteFile(partialPathFor(target, obj.Generation), bytes.Repeat([]byte{0xFF}, 1000), 0o600))

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "corrupt", target, DownloadOpts{})
	require.NoError(t, err)
	assert.False(t, res.Resumed)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Len(t, h.mediaGets(), 2)
}

func TestDownloadToFile_RemovesPartialsOfOtherGenerations(t *testing.T) {
	h := newHarness(t, nil)
	data := payload(4000)
	obj := h.put(t, "gen", data)

	dir := t.TempDir()
	target := filepath.Join(dir, "gen")
	stale := partialPathFor(target, obj.Generation+1000)
	unrelated := filepath.Join(dir, "gen.notes.partial")
	require.NoError(t, os.WriteFile(stale, []byte("old bytes"), 0o600))
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o600))

	_, err := h.m.DownloadToFile(t.Context(), testBucket, "gen", target, DownloadOpts{})
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, unrelated)
}

func TestDownloadToFile_InterruptedDownloadKeepsPartial(t *testing.T) {
	h := newHarness(t, []storage.Option{storage.WithResumePolicy(retry.NeverResume)})
	data := payload(3 * storage.Quantum)
	obj := h.put(t, "interrupted", data)

	h.srv.Faults().Add(emulator.Fault{
		Method:        http.MethodGet,
		Match:         emulator.MatchQuery("alt", "media"),
		Mode:          emulator.Truncate,
		TruncateAfter: 1000,
	})

	target := filepath.Join(t.TempDir(), "interrupted")

	_, err := h.m.DownloadToFile(t.Context(), testBucket, "interrupted", target, DownloadOpts{})
	require.Error(t, err)
	assert.True(t, apierror.IsTransient(err), "got %v", err)
	assert.NoFileExists(t, target)

	info, err := os.Stat(partialPathFor(target, obj.Generation))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size())

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "interrupted", target, DownloadOpts{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadToFile_PinnedGeneration(t *testing.T) {
	h := newHarness(t, nil)
	first := h.put(t, "versioned", []byte("first version"))
	h.put(t, "versioned", []byte("second version"))

	target := filepath.Join(t.TempDir(), "versioned")

	res, err := h.m.DownloadToFile(t.Context(), testBucket, "versioned", target,
		DownloadOpts{Generation: first.Generation})
	require.NoError(t, err)
	assert.Equal(t, first.Generation, res.Object.Generation)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first version", string(got))
}

func TestDownloadToFile_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	target := filepath.Join(t.TempDir(), "missing")

	_, err := h.m.DownloadToFile(t.Context(), testBucket, "missing", target, DownloadOpts{})
	require.ErrorIs(t, err, apierror.ErrNotFound)
	assert.NoFileExists(t, target)
}

// lyingServer serves metadata whose checksum never matches the media.
func lyingServer(t *testing.T, data []byte, mediaGets *atomic.Int32) string {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") == "media" {
			mediaGets.Add(1)
			w.Header().Set("X-Goog-Generation", "5")
			_, _ = w.Write(data)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"bucket":     testBucket,
			"name":       "liar",
			"generation": "5",
			"size":       "4",
			"crc32c":     FormatCRC32C(crc32.Checksum(data, crc32cTable) + 1),
			"updated":    "2026-01-02T03:04:05Z",
		})
	}))
	t.Cleanup(ts.Close)

	return ts.URL
}

func TestDownloadToFile_ChecksumMismatchExhaustsRetries(t *testing.T) {
	data := []byte("data")

	var gets atomic.Int32

	c := newTestClient(lyingServer(t, data, &gets))
	m := NewManager(c, c, discardLogger(), WithMaxHashRetries(1))

	dir := t.TempDir()
	target := filepath.Join(dir, "liar")

	_, err := m.DownloadToFile(t.Context(), testBucket, "liar", target, DownloadOpts{})
	require.ErrorIs(t, err, storage.ErrChecksumMismatch)
	assert.Equal(t, int32(2), gets.Load())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDownloadToFile_RejectsEmptyTarget(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.DownloadToFile(t.Context(), testBucket, "x", "", DownloadOpts{})
	require.Error(t, err)
}

func writeLocal(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "local.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// resumableOpts forces chunked resumable uploads of every size.
func resumableOpts() []storage.Option {
	return []storage.Option{
		storage.WithChunkSize(storage.Quantum),
		storage.WithResumableThreshold(0),
	}
}

func TestUploadFile_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []storage.Option
	}{
		{"single shot", nil},
		{"resumable", resumableOpts()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opts)
			data := payload(2*storage.Quantum + 3)
			local := writeLocal(t, data)

			res, err := h.m.UploadFile(t.Context(), local, testBucket, "up/loaded", UploadOpts{
				ContentType: "application/x-test",
				Metadata:    map[string]string{"origin": "local"},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), res.Size)
			assert.Equal(t, crc32.Checksum(data, crc32cTable), res.CRC32C)
			assert.Equal(t, uint64(len(data)), res.Object.Size)
			assert.Equal(t, "local", res.Object.Metadata["origin"])

			target := filepath.Join(t.TempDir(), "back")
			_, err = h.m.DownloadToFile(t.Context(), testBucket, "up/loaded", target, DownloadOpts{})
			require.NoError(t, err)

			got, err := os.ReadFile(target)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestUploadFile_SurvivesChunkFailure(t *testing.T) {
	h := newHarness(t, resumableOpts())
	data := payload(3 * storage.Quantum)
	local := writeLocal(t, data)

	h.srv.Faults().Add(emulator.Fault{
		Method: http.MethodPut,
		Match:  emulator.MatchContentRange("bytes 262144-"),
		Mode:   emulator.FailAfter,
		Status: http.StatusServiceUnavailable,
	})

	res, err := h.m.UploadFile(t.Context(), local, testBucket, "flaky", UploadOpts{IfAbsent: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), res.Object.Size)
	assert.Equal(t, 1, h.srv.Faults().Count(emulator.IsStatusQuery))
}

func TestUploadFile_IfAbsentRejectsExisting(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, "taken", []byte("already here"))

	_, err := h.m.UploadFile(t.Context(), writeLocal(t, []byte("new")), testBucket, "taken", UploadOpts{IfAbsent: true})
	require.ErrorIs(t, err, apierror.ErrPreconditionFailed)
}

func TestUploadFile_RejectsNonRegularFiles(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.UploadFile(t.Context(), t.TempDir(), testBucket, "dir", UploadOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")

	_, err = h.m.UploadFile(t.Context(), filepath.Join(t.TempDir(), "absent"), testBucket, "absent", UploadOpts{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

type countingBytes struct {
	download atomic.Int64
	upload   atomic.Int64
}

func (c *countingBytes) ObserveBytes(direction string, n int) {
	switch direction {
	case DirectionDownload:
		c.download.Add(int64(n))
	case DirectionUpload:
		c.upload.Add(int64(n))
	}
}

func TestManager_ReportsBytes(t *testing.T) {
	counter := &countingBytes{}
	h := newHarness(t, resumableOpts(), WithBytesObserver(counter))
	data := payload(storage.Quantum + 10)

	_, err := h.m.UploadFile(t.Context(), writeLocal(t, data), testBucket, "counted", UploadOpts{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counter.upload.Load(), int64(len(data)))

	_, err = h.m.DownloadToFile(t.Context(), testBucket, "counted", filepath.Join(t.TempDir(), "c"), DownloadOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), counter.download.Load())
}

func TestPartialPathFor(t *testing.T) {
	assert.Equal(t, "/a/b.txt.42.partial", partialPathFor("/a/b.txt", 42))
}

func TestResolveMaxRetries(t *testing.T) {
	assert.Equal(t, defaultMaxHashRetries, resolveMaxRetries(0))
	assert.Equal(t, defaultMaxHashRetries, resolveMaxRetries(-3))
	assert.Equal(t, 5, resolveMaxRetries(5))
	assert.Equal(t, maxSaneRetries, resolveMaxRetries(1_000_000))
}

func TestFormatCRC32C(t *testing.T) {
	// Known value for "hello world".
	assert.Equal(t, "yZRlqg==", FormatCRC32C(crc32.Checksum([]byte("hello world"), crc32cTable)))

	sum, err := ComputeCRC32C(writeLocal(t, []byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, "yZRlqg==", FormatCRC32C(sum))
}
