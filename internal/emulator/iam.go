package emulator

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

type iamPolicy struct {
	Kind       string       `json:"kind,omitempty"`
	ResourceID string       `json:"resourceId,omitempty"`
	Version    int          `json:"version,omitempty"`
	Bindings   []iamBinding `json:"bindings"`
	ETag       string       `json:"etag,omitempty"`
}

type iamBinding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// policyETag derives the etag of a policy version.
func policyETag(version int64) string {
	return base64.StdEncoding.EncodeToString([]byte("v" + strconv.FormatInt(version, 10)))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")

	var (
		p       iamPolicy
		version int64
	)

	err := s.store.do(ctx, func(t *txn) error {
		var err error
		p, version, err = t.policy(ctx, bucket)

		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decoratePolicy(p, bucket, version))
}

// handleSetPolicy replaces the policy. A request etag that does not match
// the current version fails with 412 and changes nothing.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")

	var in iamPolicy
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, badRequest("decoding policy: %v", err))
		return
	}

	var version int64

	err := s.store.do(ctx, func(t *txn) error {
		_, cur, err := t.policy(ctx, bucket)
		if err != nil {
			return err
		}

		if in.ETag != "" && in.ETag != policyETag(cur) {
			return errPreconditionFailed
		}

		version = cur + 1

		return t.savePolicy(ctx, bucket, in, version)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("emulator policy updated",
		slog.String("bucket", bucket),
		slog.Int64("version", version),
	)

	writeJSON(w, http.StatusOK, decoratePolicy(in, bucket, version))
}

func decoratePolicy(p iamPolicy, bucket string, version int64) iamPolicy {
	p.Kind = "storage#policy"
	p.ResourceID = "projects/_/buckets/" + bucket
	p.ETag = policyETag(version)

	if p.Bindings == nil {
		p.Bindings = []iamBinding{}
	}

	return p
}
