package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const kindBulkRestore = "bulkRestore"

type bulkRestoreRequest struct {
	AllowOverwrite   bool       `json:"allowOverwrite"`
	SoftDeletedAfter *time.Time `json:"softDeletedAfterTime"`
	MatchGlobs       []string   `json:"matchGlobs"`
}

type operationStatus struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type operationResource struct {
	Kind     string            `json:"kind"`
	Name     string            `json:"name"`
	Done     bool              `json:"done"`
	Metadata map[string]string `json:"metadata"`
	Error    *operationStatus  `json:"error,omitempty"`
}

func resourceOfOperation(op *operation) operationResource {
	res := operationResource{
		Kind: "storage#operation",
		Name: "projects/_/buckets/" + op.Bucket + "/operations/" + op.ID,
		Done: op.Done,
		Metadata: map[string]string{
			"@type":        "type.googleapis.com/google.storage.v2.BulkRestoreObjectsMetadata",
			"successCount": strconv.FormatInt(op.SuccessCount, 10),
			"failedCount":  strconv.FormatInt(op.FailedCount, 10),
		},
	}

	if op.ErrorCode != nil {
		res.Error = &operationStatus{Code: *op.ErrorCode, Message: op.ErrorMessage}
	}

	return res
}

func (s *Server) handleBulkRestore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")

	var req bulkRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("decoding bulk restore request: %v", err))
		return
	}

	for _, g := range req.MatchGlobs {
		if _, err := path.Match(g, ""); err != nil {
			s.writeError(w, r, badRequest("invalid glob %q", g))
			return
		}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	op := &operation{
		ID:        uuid.NewString(),
		Bucket:    bucket,
		Kind:      kindBulkRestore,
		Request:   raw,
		PollsLeft: s.RestorePolls,
	}

	err = s.store.do(ctx, func(t *txn) error {
		if err := t.createOperation(ctx, op); err != nil {
			return err
		}

		if op.PollsLeft <= 0 {
			return s.completeRestore(ctx, t, op)
		}

		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("emulator bulk restore started",
		slog.String("bucket", bucket),
		slog.String("operation", op.ID),
	)

	writeJSON(w, http.StatusOK, resourceOfOperation(op))
}

// handleGetOperation reports an operation. Each poll of a running restore
// brings it one step closer to completion.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, id := r.PathValue("bucket"), r.PathValue("id")

	var op *operation

	err := s.store.do(ctx, func(t *txn) error {
		var err error
		if op, err = t.operation(ctx, bucket, id); err != nil {
			return err
		}

		if op.Done {
			return nil
		}

		op.PollsLeft--
		if op.PollsLeft <= 0 {
			return s.completeRestore(ctx, t, op)
		}

		return t.saveOperation(ctx, op)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resourceOfOperation(op))
}

// completeRestore brings back the newest soft-deleted generation of every
// matching name as a new live generation.
func (s *Server) completeRestore(ctx context.Context, t *txn, op *operation) error {
	var req bulkRestoreRequest
	if err := json.Unmarshal(op.Request, &req); err != nil {
		return err
	}

	var after time.Time
	if req.SoftDeletedAfter != nil {
		after = *req.SoftDeletedAfter
	}

	candidates, err := t.deletedObjects(ctx, op.Bucket, after)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		if !matchesAny(req.MatchGlobs, c.Name) {
			continue
		}

		_, err := t.liveObject(ctx, c.Bucket, c.Name)

		switch {
		case err == nil && !req.AllowOverwrite:
			continue
		case err != nil && !errors.Is(err, errNotFound):
			return err
		}

		restored := newObject(c.Bucket, c.Name, c.ContentType, c.Metadata, c.Data)
		if err := t.putObject(ctx, restored, nil); err != nil {
			op.FailedCount++
			continue
		}

		op.SuccessCount++
	}

	op.Done = true
	op.PollsLeft = 0

	s.logger.Info("emulator bulk restore finished",
		slog.String("bucket", op.Bucket),
		slog.Int64("restored", op.SuccessCount),
		slog.Int64("failed", op.FailedCount),
	)

	return t.saveOperation(ctx, op)
}

func matchesAny(globs []string, name string) bool {
	if len(globs) == 0 {
		return true
	}

	for _, g := range globs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}

	return false
}
