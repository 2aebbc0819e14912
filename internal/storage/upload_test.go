package storage

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/emulator"
)

type uploadMode string

const (
	modeBuffered   uploadMode = "buffered"
	modeUnbuffered uploadMode = "unbuffered"
	modeSingleShot uploadMode = "single-shot"
)

func upload(t *testing.T, c *Client, mode uploadMode, name string, data []byte) (*Object, error) {
	t.Helper()

	req := UploadRequest{
		Bucket:             testBucket,
		Name:               name,
		ContentType:        "application/octet-stream",
		ChunkSize:          Quantum,
		ResumableThreshold: Uint64(0),
	}

	switch mode {
	case modeBuffered:
		return c.UploadObject(t.Context(), req, bytes.NewReader(data))
	case modeUnbuffered:
		return c.UploadObjectUnbuffered(t.Context(), req, bytes.NewReader(data))
	default:
		req.ResumableThreshold = nil
		req.Size = ExactSize(uint64(len(data)))

		return c.UploadObject(t.Context(), req, bytes.NewReader(data))
	}
}

func download(t *testing.T, c *Client, req ReadRequest) []byte {
	t.Helper()

	r, err := c.ReadObject(t.Context(), req)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)

	return got
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, Quantum - 1, Quantum, Quantum + 1, 3*Quantum + 17}

	for _, mode := range []uploadMode{modeBuffered, modeUnbuffered, modeSingleShot} {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", mode, size), func(t *testing.T) {
				_, c := newEmulator(t)
				data := testPayload(size)

				obj, err := upload(t, c, mode, "obj", data)
				require.NoError(t, err)
				assert.Equal(t, uint64(size), obj.Size)

				sum, ok := obj.Checksum()
				require.True(t, ok)
				assert.Equal(t, crc32.Checksum(data, crc32cTable), sum)

				meta, err := c.GetObject(t.Context(), testBucket, "obj", 0)
				require.NoError(t, err)
				assert.Equal(t, obj.Size, meta.Size)
				assert.Equal(t, obj.Generation, meta.Generation)

				got := download(t, c, ReadRequest{Bucket: testBucket, Name: "obj"})
				assert.Equal(t, data, got)
			})
		}
	}
}

func TestUploadObject_UnknownSizeBelowThresholdIsSingleShot(t *testing.T) {
	srv, c := newEmulator(t)
	data := testPayload(1000)

	obj, err := c.UploadObject(t.Context(), UploadRequest{Bucket: testBucket, Name: "small"}, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), obj.Size)

	reqs := srv.Faults().Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "uploadType=multipart")
}

func TestUploadObject_SizeHintViolations(t *testing.T) {
	_, c := newEmulator(t)

	_, err := c.UploadObject(t.Context(), UploadRequest{
		Bucket: testBucket,
		Name:   "x",
		Size:   ExactSize(10),
	}, bytes.NewReader(testPayload(20)))
	assert.True(t, apierror.IsBinding(err), "got %v", err)

	_, err = c.UploadObject(t.Context(), UploadRequest{
		Bucket: testBucket,
		Name:   "x",
		Size:   SizeHint{Min: 100},
	}, bytes.NewReader(testPayload(20)))
	assert.True(t, apierror.IsBinding(err), "got %v", err)

	_, err = c.UploadObjectUnbuffered(t.Context(), UploadRequest{
		Bucket: testBucket,
		Name:   "x",
		Size:   ExactSize(10),
	}, bytes.NewReader(testPayload(20)))
	assert.True(t, apierror.IsBinding(err), "got %v", err)
}

func TestUploadObject_RejectsEmptyNames(t *testing.T) {
	_, c := newEmulator(t)

	_, err := c.UploadObject(t.Context(), UploadRequest{Bucket: testBucket}, bytes.NewReader(nil))
	assert.True(t, apierror.IsBinding(err))
}

func TestUploadSingleShot_DeclaredChecksumMismatch(t *testing.T) {
	_, c := newEmulator(t)
	bad := uint32(1)

	_, err := c.UploadObject(t.Context(), UploadRequest{
		Bucket: testBucket,
		Name:   "x",
		Size:   ExactSize(5),
		CRC32C: &bad,
	}, strings.NewReader("hello"))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// A transient failure at any chunk, whether the chunk was lost or
// persisted with its response lost, must not duplicate or drop bytes.
func TestUpload_ResumesAfterFailureAtEveryChunk(t *testing.T) {
	data := testPayload(4*Quantum + 100)
	chunks := 5

	for _, mode := range []uploadMode{modeBuffered, modeUnbuffered} {
		for _, fm := range []emulator.FaultMode{emulator.FailBefore, emulator.FailAfter} {
			for k := range chunks {
				t.Run(fmt.Sprintf("%s/mode%d/chunk%d", mode, fm, k), func(t *testing.T) {
					srv, c := newEmulator(t)
					srv.Faults().Add(emulator.Fault{
						Method: http.MethodPut,
						Match:  emulator.MatchContentRange(fmt.Sprintf("bytes %d-", k*Quantum)),
						Mode:   fm,
						Status: http.StatusServiceUnavailable,
					})

					obj, err := upload(t, c, mode, "obj", data)
					require.NoError(t, err)
					assert.Equal(t, uint64(len(data)), obj.Size)
					assert.Equal(t, 1, srv.Faults().Count(emulator.IsStatusQuery))

					got := download(t, c, ReadRequest{Bucket: testBucket, Name: "obj"})
					assert.Equal(t, data, got)
				})
			}
		}
	}
}

func TestUpload_ScenarioA_EmptyResumable(t *testing.T) {
	srv, c := newEmulator(t)

	obj, err := c.UploadObject(t.Context(), UploadRequest{
		Bucket:             testBucket,
		Name:               "empty",
		Conditions:         Conditions{IfGenerationMatch: Int64(0)},
		ResumableThreshold: Uint64(0),
	}, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, obj.Size)

	reqs := srv.Faults().Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Contains(t, reqs[0].Query, "uploadType=resumable")
	assert.Contains(t, reqs[0].Query, "ifGenerationMatch=0")
	assert.Equal(t, http.MethodPut, reqs[1].Method)
	assert.Equal(t, "bytes */0", reqs[1].ContentRange)
}

func TestUpload_ScenarioC_ThrottledChunk(t *testing.T) {
	srv, c := newEmulator(t)
	data := testPayload(1 << 20)

	srv.Faults().Add(emulator.Fault{
		Method: http.MethodPut,
		Match:  emulator.MatchContentRange(fmt.Sprintf("bytes %d-", 2*Quantum)),
		Status: http.StatusTooManyRequests,
	})

	obj, err := c.UploadObject(t.Context(), UploadRequest{
		Bucket:             testBucket,
		Name:               "mib",
		Size:               ExactSize(uint64(len(data))),
		ChunkSize:          Quantum,
		ResumableThreshold: Uint64(0),
	}, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), obj.Size)

	assert.Equal(t, 1, srv.Faults().Count(emulator.IsStatusQuery))
	assert.Equal(t, 5, srv.Faults().Count(func(r emulator.Request) bool {
		return r.Method == http.MethodPut && !emulator.IsStatusQuery(r)
	}), "four chunks plus one replay")

	got := download(t, c, ReadRequest{Bucket: testBucket, Name: "mib"})
	assert.Equal(t, data, got)
}

func TestUpload_NonIdempotentSessionCreateIsNotRetried(t *testing.T) {
	srv, c := newEmulator(t)
	srv.Faults().Add(emulator.Fault{Method: http.MethodPost, Status: http.StatusServiceUnavailable})

	_, err := upload(t, c, modeBuffered, "obj", testPayload(10))
	require.ErrorIs(t, err, apierror.ErrServerError)
	assert.Len(t, srv.Faults().Requests(), 1)
}

func TestUpload_IdempotentSessionCreateIsRetried(t *testing.T) {
	srv, c := newEmulator(t)
	srv.Faults().Add(emulator.Fault{Method: http.MethodPost, Status: http.StatusServiceUnavailable})

	obj, err := c.UploadObject(t.Context(), UploadRequest{
		Bucket:             testBucket,
		Name:               "obj",
		Conditions:         Conditions{IfGenerationMatch: Int64(0)},
		ResumableThreshold: Uint64(0),
	}, bytes.NewReader(testPayload(10)))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), obj.Size)
}

// scriptedSession is a resumable upload endpoint whose status responses
// are scripted by the test.
type scriptedSession struct {
	mu     sync.Mutex
	ranges []string
	handle func(n int, contentRange string) (status int, rangeHeader string)
}

func (s *scriptedSession) server(t *testing.T) *httptest.Server {
	t.Helper()

	var ts *httptest.Server

	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", ts.URL+"/session")
			return
		}

		io.Copy(io.Discard, r.Body)

		s.mu.Lock()
		cr := r.Header.Get("Content-Range")
		s.ranges = append(s.ranges, cr)
		n := len(s.ranges)
		s.mu.Unlock()

		status, rng := s.handle(n, cr)
		if rng != "" {
			w.Header().Set("Range", rng)
		}

		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (s *scriptedSession) dataPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, cr := range s.ranges {
		if cr != "bytes */*" {
			n++
		}
	}

	return n
}

func TestUpload_RewindIsPermanent(t *testing.T) {
	s := &scriptedSession{handle: func(n int, cr string) (int, string) {
		switch n {
		case 1:
			return http.StatusPermanentRedirect, fmt.Sprintf("bytes=0-%d", Quantum-1)
		case 2:
			return http.StatusServiceUnavailable, ""
		default:
			// The status query reports less than was confirmed.
			return http.StatusPermanentRedirect, "bytes=0-99"
		}
	}}
	c := newTestClient(t, s.server(t).URL)

	for _, mode := range []uploadMode{modeBuffered, modeUnbuffered} {
		t.Run(string(mode), func(t *testing.T) {
			s.ranges = nil

			_, err := upload(t, c, mode, "obj", testPayload(3*Quantum))
			require.ErrorIs(t, err, ErrUploadRewind)
			assert.Equal(t, 2, s.dataPuts(), "no data is sent after the rewind")
			assert.Equal(t, "bytes */*", s.ranges[len(s.ranges)-1])
		})
	}
}

func TestUpload_TooMuchProgressIsPermanent(t *testing.T) {
	s := &scriptedSession{handle: func(n int, cr string) (int, string) {
		if n == 1 {
			return http.StatusServiceUnavailable, ""
		}

		return http.StatusPermanentRedirect, fmt.Sprintf("bytes=0-%d", 2*Quantum-1)
	}}
	c := newTestClient(t, s.server(t).URL)

	_, err := upload(t, c, modeBuffered, "obj", testPayload(3*Quantum))
	require.ErrorIs(t, err, ErrUploadTooMuchProgress)
	assert.Equal(t, 1, s.dataPuts())
}

func TestUpload_ChunkResponseReportingTooMuchProgress(t *testing.T) {
	s := &scriptedSession{handle: func(int, string) (int, string) {
		return http.StatusPermanentRedirect, fmt.Sprintf("bytes=0-%d", 5*Quantum)
	}}
	c := newTestClient(t, s.server(t).URL)

	_, err := upload(t, c, modeUnbuffered, "obj", testPayload(3*Quantum))
	require.ErrorIs(t, err, ErrUploadTooMuchProgress)
}

// A 308 without a Range header on a chunk means the whole chunk was kept.
func TestUpload_ChunkResponseWithoutRangeMeansAllPersisted(t *testing.T) {
	var (
		mu     sync.Mutex
		ranges []string
		ts     *httptest.Server
	)

	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", ts.URL+"/session")
			return
		}

		io.Copy(io.Discard, r.Body)

		cr := r.Header.Get("Content-Range")

		mu.Lock()
		ranges = append(ranges, cr)
		mu.Unlock()

		if strings.HasSuffix(cr, "/*") {
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}

		fmt.Fprintf(w, `{"name":"obj","size":"%d","generation":"7"}`, 2*Quantum+1)
	}))
	t.Cleanup(ts.Close)

	c := newTestClient(t, ts.URL)

	obj, err := upload(t, c, modeBuffered, "obj", testPayload(2*Quantum+1))
	require.NoError(t, err)
	assert.Equal(t, int64(7), obj.Generation)
	assert.Equal(t, []string{
		fmt.Sprintf("bytes 0-%d/*", Quantum-1),
		fmt.Sprintf("bytes %d-%d/*", Quantum, 2*Quantum-1),
		fmt.Sprintf("bytes %d-%d/%d", 2*Quantum, 2*Quantum, 2*Quantum+1),
	}, ranges)
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "bytes 0-9/*", contentRange(0, 10, 0, false))
	assert.Equal(t, "bytes 10-19/20", contentRange(10, 10, 20, true))
	assert.Equal(t, "bytes */0", contentRange(0, 0, 0, true))
	assert.Equal(t, "bytes */*", contentRange(5, 0, 0, false))
}

func TestParseRangeHeader(t *testing.T) {
	n, ok := parseRangeHeader("bytes=0-262143")
	assert.True(t, ok)
	assert.Equal(t, uint64(262144), n)

	_, ok = parseRangeHeader("")
	assert.False(t, ok)

	_, ok = parseRangeHeader("bytes=0-x")
	assert.False(t, ok)
}

func TestRoundChunkSize(t *testing.T) {
	assert.Equal(t, uint64(Quantum), roundChunkSize(0))
	assert.Equal(t, uint64(Quantum), roundChunkSize(1))
	assert.Equal(t, uint64(Quantum), roundChunkSize(Quantum))
	assert.Equal(t, uint64(2*Quantum), roundChunkSize(Quantum+1))
}

func TestChunkQueue(t *testing.T) {
	var q chunkQueue
	q.push([]byte("abc"))
	q.push([]byte("defg"))
	assert.Equal(t, uint64(7), q.Len())

	q.discard(2)
	assert.Equal(t, uint64(5), q.Len())

	got, err := io.ReadAll(q.reader(3))
	require.NoError(t, err)
	assert.Equal(t, "cde", string(got))

	// Reading does not consume.
	got, err = io.ReadAll(q.reader(5))
	require.NoError(t, err)
	assert.Equal(t, "cdefg", string(got))

	q.discard(3)
	assert.Equal(t, [][]byte{[]byte("fg")}, q.prefix(2))

	q.discard(2)
	assert.Zero(t, q.Len())
}
