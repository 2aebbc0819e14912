package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/lro"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// BulkRestoreRequest selects soft-deleted objects to restore.
type BulkRestoreRequest struct {
	// MatchGlobs restricts the restore to matching names. Empty restores
	// every soft-deleted object.
	MatchGlobs []string `json:"matchGlobs,omitempty"`

	// AllowOverwrite restores over live objects of the same name.
	AllowOverwrite bool `json:"allowOverwrite"`

	// SoftDeletedAfter restricts the restore to objects deleted after it.
	SoftDeletedAfter *time.Time `json:"softDeletedAfterTime,omitempty"`
}

// BulkRestoreResult is the progress reported by a bulk restore operation.
type BulkRestoreResult struct {
	SuccessCount int64 `json:"successCount,string"`
	FailedCount  int64 `json:"failedCount,string"`
}

// BulkRestoreObjects starts restoring soft-deleted objects and returns a
// poller for the operation. The start request is sent on the poller's first
// step. Starting a restore twice is harmless, so it is retried.
func (c *Client) BulkRestoreObjects(bucket string, req BulkRestoreRequest, opts lro.Options[BulkRestoreResult]) (*lro.Poller[BulkRestoreResult], error) {
	if bucket == "" {
		return nil, apierror.Binding("bucket name must not be empty")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierror.Binding("encoding bulk restore request: %v", err)
	}

	start := func(ctx context.Context) (*lro.Operation, error) {
		resp, err := c.execute(ctx, call{
			op:         "storage.objects.bulkRestore",
			idempotent: true,
			build: func(ctx context.Context) (*http.Request, error) {
				r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bucketURL(bucket)+"/o/bulkRestore", bytes.NewReader(body))
				if err != nil {
					return nil, err
				}

				r.Header.Set("Content-Type", "application/json")

				return r, nil
			},
		})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		c.logger.Info("bulk restore started", slog.String("bucket", bucket))

		return decodeOperation(resp)
	}

	return lro.New(start, c.pollFunc(bucket), c.restoreOptions(bucket, opts)), nil
}

// PollOperation returns a poller for a bulk restore started earlier, for
// example by another process. Its first step fetches the operation with the
// request retry policy; later polls go to the polling error policy.
func (c *Client) PollOperation(bucket, name string, opts lro.Options[BulkRestoreResult]) (*lro.Poller[BulkRestoreResult], error) {
	if bucket == "" || name == "" {
		return nil, apierror.Binding("bucket and operation name must not be empty")
	}

	start := func(ctx context.Context) (*lro.Operation, error) {
		return c.getOperation(ctx, bucket, name, false)
	}

	return lro.New(start, c.pollFunc(bucket), c.restoreOptions(bucket, opts)), nil
}

func (c *Client) pollFunc(bucket string) lro.PollFunc {
	return func(ctx context.Context, name string) (*lro.Operation, error) {
		return c.getOperation(ctx, bucket, name, true)
	}
}

func (c *Client) restoreOptions(bucket string, opts lro.Options[BulkRestoreResult]) lro.Options[BulkRestoreResult] {
	if opts.Decode == nil {
		opts.Decode = decodeBulkRestore
	}

	if opts.Logger == nil {
		opts.Logger = c.logger.With(slog.String("bucket", bucket))
	}

	if opts.Sleep == nil {
		opts.Sleep = c.sleepFunc
	}

	if opts.Now == nil {
		opts.Now = c.nowFunc
	}

	return opts
}

// GetOperation fetches a long-running operation by name. The name may be
// the bare operation id or the full "projects/_/buckets/b/operations/id".
func (c *Client) GetOperation(ctx context.Context, bucket, name string) (*lro.Operation, error) {
	if bucket == "" || name == "" {
		return nil, apierror.Binding("bucket and operation name must not be empty")
	}

	return c.getOperation(ctx, bucket, name, false)
}

// getOperation issues one GET. Inside a poller the request itself is not
// retried: failed polls go to the polling error policy instead.
func (c *Client) getOperation(ctx context.Context, bucket, name string, single bool) (*lro.Operation, error) {
	id := operationID(name)
	target := c.bucketURL(bucket) + "/operations/" + pathEscape(id)

	build := func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}

	var (
		resp *http.Response
		err  error
	)

	if single {
		var req *http.Request

		req, err = build(ctx)
		if err != nil {
			return nil, apierror.Binding("storage.operations.get: %v", err)
		}

		resp, err = c.roundTrip(req, newInvocation().at(retry.State{}))
	} else {
		resp, err = c.execute(ctx, call{op: "storage.operations.get", idempotent: true, build: build})
	}

	if err != nil {
		return nil, fmt.Errorf("storage: getting operation %s: %w", id, err)
	}
	defer resp.Body.Close()

	return decodeOperation(resp)
}

func decodeOperation(resp *http.Response) (*lro.Operation, error) {
	var op lro.Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, apierror.Serialization("operation", err)
	}

	return &op, nil
}

// decodeBulkRestore reads the counters from the operation metadata, which
// the service fills in for both running and finished restores.
func decodeBulkRestore(op *lro.Operation) (BulkRestoreResult, error) {
	var res BulkRestoreResult
	if len(op.Metadata) == 0 {
		return res, nil
	}

	err := json.Unmarshal(op.Metadata, &res)

	return res, err
}

// operationID strips the resource prefix from an operation name.
func operationID(name string) string {
	if i := strings.LastIndex(name, "/operations/"); i >= 0 {
		return name[i+len("/operations/"):]
	}

	return name
}
