package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/lro"
	"github.com/tonimelisma/gcs-go/internal/retry"
	"github.com/tonimelisma/gcs-go/internal/storage"
)

type restoreOptions struct {
	globs            []string
	allowOverwrite   bool
	softDeletedAfter string
	noWait           bool
	pollInterval     time.Duration
}

func newRestoreCmd() *cobra.Command {
	var opts restoreOptions

	cmd := &cobra.Command{
		Use:   "restore <gs://bucket>",
		Short: "Restore soft-deleted objects",
		Long: `Start a bulk restore of soft-deleted objects and wait for it to finish.

With --no-wait the operation name is printed and the command returns at
once; 'gcs-go operations wait' picks it up later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.globs, "match-glob", nil, "restore only names matching this glob (repeatable)")
	cmd.Flags().BoolVar(&opts.allowOverwrite, "allow-overwrite", false, "restore over live objects of the same name")
	cmd.Flags().StringVar(&opts.softDeletedAfter, "soft-deleted-after", "", "restore only objects deleted after this RFC 3339 time")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "print the operation name and return without waiting")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "fixed delay between polls (default: exponential from 1s)")

	return cmd
}

func newOperationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect long-running operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <gs://bucket> <operation>",
		Short: "Display the current state of an operation",
		Args:  cobra.ExactArgs(2),
		RunE:  runOperationsGet,
	})

	var pollInterval time.Duration

	wait := &cobra.Command{
		Use:   "wait <gs://bucket> <operation>",
		Short: "Wait for a bulk restore to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperationsWait(cmd, args, pollInterval)
		},
	}
	wait.Flags().DurationVar(&pollInterval, "poll-interval", 0, "fixed delay between polls (default: exponential from 1s)")
	cmd.AddCommand(wait)

	return cmd
}

// restoreOutput is the JSON schema for restore and operations output.
type restoreOutput struct {
	Operation    string `json:"operation"`
	Done         bool   `json:"done"`
	SuccessCount int64  `json:"success_count"`
	FailedCount  int64  `json:"failed_count"`
}

func pollerOptions(pollInterval time.Duration) lro.Options[storage.BulkRestoreResult] {
	var opts lro.Options[storage.BulkRestoreResult]
	if pollInterval > 0 {
		opts.Backoff = retry.ConstantBackoff(pollInterval)
	}

	return opts
}

func runRestore(cmd *cobra.Command, arg string, opts restoreOptions) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucket, err := parseBucketArg(arg)
	if err != nil {
		return err
	}

	req := storage.BulkRestoreRequest{MatchGlobs: opts.globs, AllowOverwrite: opts.allowOverwrite}

	if opts.softDeletedAfter != "" {
		after, err := time.Parse(time.RFC3339, opts.softDeletedAfter)
		if err != nil {
			return fmt.Errorf("invalid --soft-deleted-after: %w", err)
		}

		req.SoftDeletedAfter = &after
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	poller, err := sess.client.BulkRestoreObjects(bucket, req, pollerOptions(opts.pollInterval))
	if err != nil {
		return err
	}

	if opts.noWait {
		res, err := poller.Poll(ctx)
		if err != nil {
			return err
		}

		if res.Kind == lro.Completed && res.Err != nil {
			return res.Err
		}

		return printRestore(cmd, cc, restoreOutput{Operation: res.Name, Done: res.Kind == lro.Completed})
	}

	return waitRestore(ctx, cmd, cc, poller)
}

func runOperationsGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucket, err := parseBucketArg(args[0])
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	op, err := sess.client.GetOperation(ctx, bucket, args[1])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), op)
	}

	state := "running"

	switch {
	case op.Done && op.Error != nil:
		state = fmt.Sprintf("failed (%d: %s)", op.Error.Code, op.Error.Message)
	case op.Done:
		state = "done"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", op.Name, state)

	return nil
}

func runOperationsWait(cmd *cobra.Command, args []string, pollInterval time.Duration) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucket, err := parseBucketArg(args[0])
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	poller, err := sess.client.PollOperation(bucket, args[1], pollerOptions(pollInterval))
	if err != nil {
		return err
	}

	return waitRestore(ctx, cmd, cc, poller)
}

func waitRestore(ctx context.Context, cmd *cobra.Command, cc *CLIContext, poller *lro.Poller[storage.BulkRestoreResult]) error {
	res, err := poller.Wait(ctx)
	if err != nil {
		return err
	}

	return printRestore(cmd, cc, restoreOutput{
		Operation:    poller.Name(),
		Done:         true,
		SuccessCount: res.SuccessCount,
		FailedCount:  res.FailedCount,
	})
}

func printRestore(cmd *cobra.Command, cc *CLIContext, out restoreOutput) error {
	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	if !out.Done {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out.Operation)
		cc.Statusf("Restore running. Wait for it with 'gcs-go operations wait'.\n")

		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s  restored %s, failed %s\n",
		out.Operation, formatCount(out.SuccessCount), formatCount(out.FailedCount))

	return nil
}
