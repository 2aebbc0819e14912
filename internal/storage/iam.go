package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/occ"
)

// Policy is a bucket IAM policy. ETag is the version tag: a set carrying an
// ETag succeeds only if nobody changed the policy since it was read.
type Policy struct {
	Version  int       `json:"version,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
	ETag     string    `json:"etag,omitempty"`
}

// Binding grants a role to members.
type Binding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// Clone returns a deep copy, so transforms can modify it freely.
func (p Policy) Clone() Policy {
	out := p
	out.Bindings = make([]Binding, len(p.Bindings))

	for i, b := range p.Bindings {
		out.Bindings[i] = Binding{Role: b.Role, Members: slices.Clone(b.Members)}
	}

	return out
}

// HasBinding reports whether member holds role.
func (p Policy) HasBinding(role, member string) bool {
	for _, b := range p.Bindings {
		if b.Role == role && slices.Contains(b.Members, member) {
			return true
		}
	}

	return false
}

// AddBinding returns a copy of p with member granted role, and false if the
// member already had it.
func (p Policy) AddBinding(role, member string) (Policy, bool) {
	if p.HasBinding(role, member) {
		return p, false
	}

	out := p.Clone()

	for i := range out.Bindings {
		if out.Bindings[i].Role == role {
			out.Bindings[i].Members = append(out.Bindings[i].Members, member)
			return out, true
		}
	}

	out.Bindings = append(out.Bindings, Binding{Role: role, Members: []string{member}})

	return out, true
}

// RemoveBinding returns a copy of p without member in role, and false if
// there was nothing to remove.
func (p Policy) RemoveBinding(role, member string) (Policy, bool) {
	if !p.HasBinding(role, member) {
		return p, false
	}

	out := p.Clone()
	kept := out.Bindings[:0]

	for _, b := range out.Bindings {
		if b.Role == role {
			b.Members = slices.DeleteFunc(b.Members, func(m string) bool { return m == member })
			if len(b.Members) == 0 {
				continue
			}
		}

		kept = append(kept, b)
	}

	out.Bindings = kept

	return out, true
}

// GetBucketIamPolicy reads the policy and its ETag.
func (c *Client) GetBucketIamPolicy(ctx context.Context, bucket string) (*Policy, error) {
	if bucket == "" {
		return nil, apierror.Binding("bucket name must not be empty")
	}

	resp, err := c.execute(ctx, call{
		op:         "storage.buckets.getIamPolicy",
		idempotent: true,
		build: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.bucketURL(bucket)+"/iam", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: getting IAM policy of %s: %w", bucket, err)
	}
	defer resp.Body.Close()

	var p Policy
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, apierror.Serialization("IAM policy", err)
	}

	return &p, nil
}

// SetBucketIamPolicy writes p. When p carries an ETag the write is
// conditional, and a stale ETag fails with an error for which
// apierror.IsAborted is true. Writes without an ETag are not retried.
func (c *Client) SetBucketIamPolicy(ctx context.Context, bucket string, p Policy) (*Policy, error) {
	if bucket == "" {
		return nil, apierror.Binding("bucket name must not be empty")
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, apierror.Binding("encoding IAM policy: %v", err)
	}

	resp, err := c.execute(ctx, call{
		op:         "storage.buckets.setIamPolicy",
		idempotent: p.ETag != "",
		build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.bucketURL(bucket)+"/iam", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}

			req.Header.Set("Content-Type", "application/json")

			return req, nil
		},
	})
	if err != nil {
		if e, ok := apierror.As(err); ok && e.Kind == apierror.KindService &&
			(e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed) {
			err = apierror.WithStatus(e, apierror.StatusAborted)
		}

		return nil, fmt.Errorf("storage: setting IAM policy of %s: %w", bucket, err)
	}
	defer resp.Body.Close()

	var out Policy
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierror.Serialization("IAM policy", err)
	}

	c.logger.Info("updated IAM policy",
		slog.String("bucket", bucket),
		slog.Int("bindings", len(out.Bindings)),
	)

	return &out, nil
}

// UpdateBucketIamPolicy applies transform to the current policy and writes
// the result, starting over whenever a concurrent writer changed the policy
// in between. transform may run several times and must not mutate its
// argument in place beyond the copy it returns.
func (c *Client) UpdateBucketIamPolicy(ctx context.Context, bucket string, transform occ.Transform[Policy], cfg occ.Config) (*Policy, error) {
	if cfg.Logger == nil {
		cfg.Logger = c.logger.With(slog.String("bucket", bucket))
	}

	if cfg.Sleep == nil {
		cfg.Sleep = c.sleepFunc
	}

	if cfg.Now == nil {
		cfg.Now = c.nowFunc
	}

	get := func(ctx context.Context) (Policy, string, error) {
		p, err := c.GetBucketIamPolicy(ctx, bucket)
		if err != nil {
			return Policy{}, "", err
		}

		return *p, p.ETag, nil
	}

	set := func(ctx context.Context, p Policy, etag string) (Policy, error) {
		p.ETag = etag

		out, err := c.SetBucketIamPolicy(ctx, bucket, p)
		if err != nil {
			return Policy{}, err
		}

		return *out, nil
	}

	p, err := occ.Update(ctx, cfg, get, set, transform)
	if err != nil {
		return nil, err
	}

	return &p, nil
}
