package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/objref"
	"github.com/tonimelisma/gcs-go/internal/transfer"
)

type cpOptions struct {
	recursive   bool
	ifAbsent    bool
	contentType string
	metadata    map[string]string
}

func newCpCmd() *cobra.Command {
	var opts cpOptions

	cmd := &cobra.Command{
		Use:   "cp <source>... <destination>",
		Short: "Copy files to or from object storage",
		Long: `Copy local files to objects or objects to local files.

Uploads of large files are resumable and survive transient failures.
Interrupted downloads leave a .partial file next to the target and resume
from it on the next run, as long as the object generation is unchanged.

Several sources copy into a prefix (gs://bucket/dir/) or local directory,
running up to transfers.parallel_transfers at once.

Examples:
  gcs-go cp report.pdf gs://my-bucket/reports/
  gcs-go cp -r ./photos gs://my-bucket/photos/
  gcs-go cp gs://my-bucket/reports/report.pdf#1712345678901234 ./`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCp(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.recursive, "recursive", "r", false, "upload directories recursively")
	cmd.Flags().BoolVar(&opts.ifAbsent, "if-absent", false, "fail instead of overwriting an existing object")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "content type for uploaded objects")
	cmd.Flags().StringToStringVar(&opts.metadata, "metadata", nil, "custom metadata for uploaded objects (key=value)")

	return cmd
}

// cpResult is one line of `cp --json` output.
type cpResult struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Size        int64  `json:"size"`
	Generation  int64  `json:"generation"`
	CRC32C      string `json:"crc32c"`
	Resumed     bool   `json:"resumed,omitempty"`
}

// copyJob is one planned transfer.
type copyJob struct {
	local  string
	remote objref.Ref
	upload bool
}

func runCp(cmd *cobra.Command, args []string, opts cpOptions) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	sources, dest := args[:len(args)-1], args[len(args)-1]

	jobs, err := planCopy(sources, dest, opts.recursive)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		results []cpResult
	)

	tasks := make([]transfer.Task, len(jobs))
	for i, job := range jobs {
		tasks[i] = transfer.Task{
			Name: job.describe(),
			Run: func(ctx context.Context) error {
				res, err := runCopyJob(ctx, sess, job, opts)
				if err != nil {
					return err
				}

				mu.Lock()
				results = append(results, *res)
				mu.Unlock()

				if !cc.Flags.JSON {
					cc.Statusf("%s -> %s (%s)\n", res.Source, res.Destination, formatSize(uint64(res.Size))) //nolint:gosec // sizes are non-negative
				}

				return nil
			},
		}
	}

	cc.Logger.Debug("cp planned", slog.Int("transfers", len(jobs)))

	batchErr := sess.manager.RunBatch(ctx, tasks)

	if cc.Flags.JSON {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	}

	return batchErr
}

func runCopyJob(ctx context.Context, sess *session, job copyJob, opts cpOptions) (*cpResult, error) {
	if job.upload {
		res, err := sess.manager.UploadFile(ctx, job.local, job.remote.Bucket, job.remote.Object, transfer.UploadOpts{
			ContentType: opts.contentType,
			Metadata:    opts.metadata,
			IfAbsent:    opts.ifAbsent,
		})
		if err != nil {
			return nil, err
		}

		dest := job.remote
		dest.Generation = res.Object.Generation

		return &cpResult{
			Source:      job.local,
			Destination: dest.String(),
			Size:        res.Size,
			Generation:  res.Object.Generation,
			CRC32C:      transfer.FormatCRC32C(res.CRC32C),
		}, nil
	}

	res, err := sess.manager.DownloadToFile(ctx, job.remote.Bucket, job.remote.Object, job.local, transfer.DownloadOpts{
		Generation: job.remote.Generation,
	})
	if err != nil {
		return nil, err
	}

	src := job.remote
	src.Generation = res.Object.Generation

	return &cpResult{
		Source:      src.String(),
		Destination: job.local,
		Size:        res.Size,
		Generation:  res.Object.Generation,
		CRC32C:      transfer.FormatCRC32C(res.CRC32C),
		Resumed:     res.Resumed,
	}, nil
}

func (j copyJob) describe() string {
	if j.upload {
		return j.local + " -> " + j.remote.String()
	}

	return j.remote.String() + " -> " + j.local
}

// planCopy turns cp arguments into transfers. Exactly one side of every
// copy must be remote.
func planCopy(sources []string, dest string, recursive bool) ([]copyJob, error) {
	if objref.IsRemote(dest) {
		ref, err := objref.Parse(dest)
		if err != nil {
			return nil, err
		}

		if ref.Generation != 0 {
			return nil, fmt.Errorf("destination %s cannot name a generation", dest)
		}

		return planUploads(sources, ref, recursive)
	}

	return planDownloads(sources, dest)
}

func planUploads(sources []string, dest objref.Ref, recursive bool) ([]copyJob, error) {
	multi := len(sources) > 1 || recursive
	if multi && !dest.IsPrefix() {
		return nil, fmt.Errorf("destination %s must be a bucket or end with / when copying several files", dest)
	}

	var jobs []copyJob

	for _, src := range sources {
		if objref.IsRemote(src) {
			return nil, fmt.Errorf("cannot copy %s to %s: server-side copies are not supported", src, dest)
		}

		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			target := dest
			if dest.IsPrefix() {
				target = dest.Join(filepath.Base(src))
			}

			jobs = append(jobs, copyJob{local: src, remote: target, upload: true})

			continue
		}

		if !recursive {
			return nil, fmt.Errorf("%s is a directory (use -r to upload it)", src)
		}

		dirJobs, err := planDirectoryUpload(src, dest)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, dirJobs...)
	}

	return jobs, nil
}

// planDirectoryUpload uploads every regular file under dir to
// dest/<dir name>/<relative path>.
func planDirectoryUpload(dir string, dest objref.Ref) ([]copyJob, error) {
	root := filepath.Clean(dir)
	prefix := dest.Join(filepath.Base(root))

	var jobs []copyJob

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		jobs = append(jobs, copyJob{local: path, remote: prefix.Join(filepath.ToSlash(rel)), upload: true})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	return jobs, nil
}

func planDownloads(sources []string, dest string) ([]copyJob, error) {
	destIsDir := strings.HasSuffix(dest, string(filepath.Separator))
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		destIsDir = true
	}

	if len(sources) > 1 && !destIsDir {
		return nil, fmt.Errorf("destination %s must be a directory when copying several objects", dest)
	}

	jobs := make([]copyJob, 0, len(sources))

	for _, src := range sources {
		ref, err := objref.Parse(src)
		if errors.Is(err, objref.ErrNotRemote) {
			return nil, fmt.Errorf("cannot copy local %s to local %s", src, dest)
		}

		if err != nil {
			return nil, err
		}

		if ref.IsPrefix() {
			return nil, fmt.Errorf("%s names a prefix; downloads need an object name", src)
		}

		target := dest
		if destIsDir {
			target = filepath.Join(dest, ref.Base())
		}

		jobs = append(jobs, copyJob{local: target, remote: ref})
	}

	return jobs, nil
}
