package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

type uploadState int

const (
	uploadNotStarted uploadState = iota
	uploadInProgress
	uploadFinalizing
	uploadDone
	uploadFailed
)

func (s uploadState) String() string {
	switch s {
	case uploadNotStarted:
		return "not-started"
	case uploadInProgress:
		return "in-progress"
	case uploadFinalizing:
		return "finalizing"
	case uploadDone:
		return "done"
	case uploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// resumableUpload drives one resumable session. It lives for one call of
// run and is never shared.
type resumableUpload struct {
	c      *Client
	req    *UploadRequest
	src    chunkSource
	inv    invocation
	logger *slog.Logger

	state      uploadState
	sessionURL string
	offset     uint64
	targetSize uint64

	// persisted is the size the service last confirmed, or nil when the
	// session does not exist yet or the last response was inconclusive.
	persisted *uint64
}

func (c *Client) newResumableUpload(req *UploadRequest, src chunkSource, targetSize uint64) *resumableUpload {
	return &resumableUpload{
		c:          c,
		req:        req,
		src:        src,
		inv:        newInvocation(),
		targetSize: roundChunkSize(targetSize),
		logger: c.logger.With(
			slog.String("bucket", req.Bucket),
			slog.String("name", req.Name),
		),
	}
}

func (u *resumableUpload) setState(s uploadState) {
	u.state = s
	u.logger.Debug("upload state",
		slog.String("state", s.String()),
		slog.Uint64("offset", u.offset),
	)
}

func (u *resumableUpload) run(ctx context.Context) (*Object, error) {
	u.setState(uploadNotStarted)

	if err := u.create(ctx); err != nil {
		u.setState(uploadFailed)
		return nil, fmt.Errorf("storage: starting upload of gs://%s/%s: %w", u.req.Bucket, u.req.Name, err)
	}

	u.setState(uploadInProgress)

	for {
		if err := u.src.fill(u.targetSize); err != nil {
			u.setState(uploadFailed)
			return nil, err
		}

		obj, err := retry.Run(ctx, u.c.retryConfig("storage.objects.insert.chunk", true), u.step)
		if err != nil {
			u.setState(uploadFailed)

			return nil, fmt.Errorf("storage: uploading gs://%s/%s at offset %d: %w",
				u.req.Bucket, u.req.Name, u.offset, err)
		}

		if obj != nil {
			u.setState(uploadDone)
			u.logger.Info("upload complete",
				slog.Uint64("size", obj.Size),
				slog.Int64("generation", obj.Generation),
			)

			return obj, nil
		}
	}
}

// create starts the session. It is retried only when the upload is
// idempotent, since a retried POST could otherwise create two sessions that
// both finalize.
func (u *resumableUpload) create(ctx context.Context) error {
	q := url.Values{"uploadType": {"resumable"}, "name": {u.req.Name}}
	u.req.Conditions.apply(q)

	meta, err := json.Marshal(resourceFor(u.req))
	if err != nil {
		return apierror.Binding("encoding object metadata: %v", err)
	}

	target := withQuery(u.c.uploadURL(u.req.Bucket), q)
	total, known := u.src.total()

	resp, err := u.c.execute(ctx, call{
		op:         "storage.objects.insert.resumable",
		idempotent: u.req.idempotent(),
		inv:        u.inv,
		build: func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(meta))
			if err != nil {
				return nil, err
			}

			r.Header.Set("Content-Type", "application/json; charset=UTF-8")

			if u.req.ContentType != "" {
				r.Header.Set("X-Upload-Content-Type", u.req.ContentType)
			}

			if known {
				r.Header.Set("X-Upload-Content-Length", strconv.FormatUint(total, 10))
			}

			return r, nil
		},
	})
	if err != nil {
		return err
	}

	resp.Body.Close()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return apierror.Serialization("upload session", errors.New("response has no Location header"))
	}

	zero := uint64(0)
	u.sessionURL = loc
	u.persisted = &zero

	u.logger.Info("upload session created", slog.Bool("size_known", known))

	return nil
}

// step is one attempt at moving the session forward by one chunk. It returns
// the object once the service finalizes, or (nil, nil) after progress.
func (u *resumableUpload) step(ctx context.Context, s retry.State) (*Object, error) {
	inv := u.inv.at(s)

	if u.persisted == nil {
		obj, persisted, err := u.queryStatus(ctx, inv)
		if err != nil {
			return nil, err
		}

		if obj != nil {
			return obj, nil
		}

		if err := u.reconcile(persisted); err != nil {
			return nil, err
		}

		// A partially persisted chunk leaves a short remainder; top it up
		// before sending so that non-final chunks stay quantum-aligned.
		if u.src.more() && u.src.available() < u.targetSize {
			return nil, nil
		}
	}

	n := min(u.targetSize, u.src.available())
	total, known := u.src.total()
	final := known && u.offset+n == total

	if final {
		u.setState(uploadFinalizing)
	}

	body, err := u.src.body(n)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.sessionURL, body)
	if err != nil {
		return nil, apierror.Binding("building chunk request: %v", err)
	}

	req.ContentLength = int64(n)
	if n == 0 {
		req.Body = http.NoBody
	}

	req.Header.Set("Content-Range", contentRange(u.offset, n, total, known))

	if final {
		if sum, ok := u.src.checksum(); ok {
			req.Header.Set("X-Goog-Hash", "crc32c="+encodeCRC32C(sum))
		}
	}

	u.logger.Debug("sending chunk",
		slog.Uint64("offset", u.offset),
		slog.Uint64("length", n),
		slog.Bool("final", final),
	)

	resp, err := u.c.roundTrip(req, inv, http.StatusOK, http.StatusCreated, http.StatusPermanentRedirect)
	if err != nil {
		u.persisted = nil
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPermanentRedirect {
		obj, err := decodeObject(resp.Body)
		if err != nil {
			u.persisted = nil
			return nil, err
		}

		return obj, nil
	}

	persisted := u.offset + n
	if v, ok := parseRangeHeader(resp.Header.Get("Range")); ok {
		persisted = v
	}

	if err := u.reconcile(persisted); err != nil {
		return nil, err
	}

	if final && u.state == uploadFinalizing {
		u.setState(uploadInProgress)
	}

	return nil, nil
}

// queryStatus asks the service how many bytes it has persisted. A finalized
// session returns the object instead.
func (u *resumableUpload) queryStatus(ctx context.Context, inv invocation) (*Object, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.sessionURL, http.NoBody)
	if err != nil {
		return nil, 0, apierror.Binding("building status request: %v", err)
	}

	req.ContentLength = 0
	req.Header.Set("Content-Range", "bytes */*")

	resp, err := u.c.roundTrip(req, inv, http.StatusOK, http.StatusCreated, http.StatusPermanentRedirect)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPermanentRedirect {
		obj, err := decodeObject(resp.Body)
		return obj, 0, err
	}

	persisted, _ := parseRangeHeader(resp.Header.Get("Range"))

	u.logger.Debug("upload status",
		slog.Uint64("persisted", persisted),
		slog.Uint64("offset", u.offset),
	)

	return nil, persisted, nil
}

// reconcile moves the confirmed offset to persisted, discarding the
// acknowledged prefix of the buffered data.
func (u *resumableUpload) reconcile(persisted uint64) error {
	if persisted < u.offset {
		return fmt.Errorf("%w: service has %d bytes, %d were confirmed", ErrUploadRewind, persisted, u.offset)
	}

	if ceiling := u.src.ceiling(u.offset); persisted > ceiling {
		return fmt.Errorf("%w: service has %d bytes, at most %d were sent", ErrUploadTooMuchProgress, persisted, ceiling)
	}

	u.src.advance(persisted - u.offset)
	u.offset = persisted
	u.persisted = &persisted

	return nil
}

// contentRange formats the Content-Range of a chunk PUT.
func contentRange(offset, n, total uint64, known bool) string {
	size := "*"
	if known {
		size = strconv.FormatUint(total, 10)
	}

	if n == 0 {
		return "bytes */" + size
	}

	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+n-1, size)
}

// parseRangeHeader reads the persisted size from a "bytes=0-N" header.
func parseRangeHeader(v string) (uint64, bool) {
	spec, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return 0, false
	}

	_, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}

	end, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return 0, false
	}

	return end + 1, true
}
