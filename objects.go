package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/objref"
	"github.com/tonimelisma/gcs-go/internal/storage"
)

func newCatCmd() *cobra.Command {
	var offset, length int64

	cmd := &cobra.Command{
		Use:   "cat <gs://bucket/object[#generation]>",
		Short: "Write an object to stdout",
		Long: `Stream an object to stdout. Interrupted reads resume where they
stopped on the same generation, so the output never mixes two versions.

A negative --offset reads the last -offset bytes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCat(cmd, args[0], offset, length)
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start reading at")
	cmd.Flags().Int64Var(&length, "length", 0, "maximum bytes to read (0 reads to the end)")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <gs://bucket/object[#generation]>",
		Short: "Display object metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newRmCmd() *cobra.Command {
	var ifGeneration int64

	cmd := &cobra.Command{
		Use:   "rm <gs://bucket/object[#generation]>",
		Short: "Delete an object",
		Long: `Delete an object. With soft delete enabled on the bucket, the object
can be brought back with 'gcs-go restore'.

Deletes are retried only when they are pinned to a generation, either
through a #generation suffix or --if-generation-match.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRm(cmd, args[0], ifGeneration)
		},
	}

	cmd.Flags().Int64Var(&ifGeneration, "if-generation-match", 0, "delete only if the live generation matches")

	return cmd
}

// parseObjectArg parses a reference that must name an object.
func parseObjectArg(arg string) (objref.Ref, error) {
	ref, err := objref.Parse(arg)
	if err != nil {
		return objref.Ref{}, err
	}

	if ref.IsPrefix() {
		return objref.Ref{}, fmt.Errorf("%s does not name an object", arg)
	}

	return ref, nil
}

func runCat(cmd *cobra.Command, arg string, offset, length int64) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	ref, err := parseObjectArg(arg)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	r, err := sess.client.ReadObject(ctx, storage.ReadRequest{
		Bucket:     ref.Bucket,
		Name:       ref.Object,
		Generation: ref.Generation,
		Offset:     offset,
		Length:     length,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := io.Copy(cmd.OutOrStdout(), r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", ref, err)
	}

	cc.Logger.Debug("cat complete",
		slog.String("object", ref.String()),
		slog.Int64("generation", r.Generation()),
		slog.Int64("bytes", n),
	)

	return nil
}

// statOutput is the JSON schema for `stat --json`.
type statOutput struct {
	Name           string            `json:"name"`
	Bucket         string            `json:"bucket"`
	Generation     int64             `json:"generation"`
	Metageneration int64             `json:"metageneration"`
	Size           uint64            `json:"size"`
	ContentType    string            `json:"content_type,omitempty"`
	CRC32C         string            `json:"crc32c,omitempty"`
	MD5Hash        string            `json:"md5_hash,omitempty"`
	Updated        time.Time         `json:"updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	ref, err := parseObjectArg(args[0])
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	obj, err := sess.client.GetObject(ctx, ref.Bucket, ref.Object, ref.Generation)
	if err != nil {
		return err
	}

	out := statOutput{
		Name:           obj.Name,
		Bucket:         obj.Bucket,
		Generation:     obj.Generation,
		Metageneration: obj.Metageneration,
		Size:           obj.Size,
		ContentType:    obj.ContentType,
		CRC32C:         obj.CRC32C,
		MD5Hash:        obj.MD5Hash,
		Updated:        obj.Updated,
		Metadata:       obj.Metadata,
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	printStat(cmd.OutOrStdout(), out)

	return nil
}

func printStat(w io.Writer, s statOutput) {
	fmt.Fprintf(w, "Name:           %s\n", s.Name)
	fmt.Fprintf(w, "Bucket:         %s\n", s.Bucket)
	fmt.Fprintf(w, "Generation:     %d\n", s.Generation)
	fmt.Fprintf(w, "Metageneration: %d\n", s.Metageneration)
	fmt.Fprintf(w, "Size:           %s (%s bytes)\n", formatSize(s.Size), strconv.FormatUint(s.Size, 10))
	fmt.Fprintf(w, "Updated:        %s\n", formatTime(s.Updated))

	if s.ContentType != "" {
		fmt.Fprintf(w, "Content-Type:   %s\n", s.ContentType)
	}

	if s.CRC32C != "" {
		fmt.Fprintf(w, "CRC32C:         %s\n", s.CRC32C)
	}

	if s.MD5Hash != "" {
		fmt.Fprintf(w, "MD5:            %s\n", s.MD5Hash)
	}

	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "Metadata:       %s=%s\n", k, s.Metadata[k])
	}
}

func runRm(cmd *cobra.Command, arg string, ifGeneration int64) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	ref, err := parseObjectArg(arg)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	var cond storage.Conditions
	if cmd.Flags().Changed("if-generation-match") {
		cond.IfGenerationMatch = storage.Int64(ifGeneration)
	}

	if err := sess.client.DeleteObject(ctx, ref.Bucket, ref.Object, ref.Generation, cond); err != nil {
		return err
	}

	cc.Statusf("Deleted %s\n", ref)

	return nil
}
