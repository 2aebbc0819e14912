package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/objref"
	"github.com/tonimelisma/gcs-go/internal/occ"
	"github.com/tonimelisma/gcs-go/internal/storage"
)

func newIamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iam",
		Short: "Read and change bucket IAM policies",
	}

	cmd.AddCommand(newIamGetCmd())
	cmd.AddCommand(newIamBindingCmd("add-binding", "Grant a role to a member", true))
	cmd.AddCommand(newIamBindingCmd("remove-binding", "Revoke a role from a member", false))

	return cmd
}

func newIamGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <gs://bucket>",
		Short: "Display a bucket IAM policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runIamGet,
	}
}

func newIamBindingCmd(use, short string, grant bool) *cobra.Command {
	var role, member string

	cmd := &cobra.Command{
		Use:   use + " <gs://bucket> --role <role> --member <member>",
		Short: short,
		Long: short + `.

The policy is read, changed, and written back conditionally on its etag.
When another writer changes the policy in between, the change is applied
again to the fresh policy, so concurrent edits are never lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIamBinding(cmd, args[0], role, member, grant)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "role, e.g. roles/storage.objectViewer")
	cmd.Flags().StringVar(&member, "member", "", "member, e.g. user:alice@example.com")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("member")

	return cmd
}

func parseBucketArg(arg string) (string, error) {
	ref, err := objref.Parse(arg)
	if err != nil {
		return "", err
	}

	if !ref.IsBucket() {
		return "", fmt.Errorf("%s does not name a bucket", arg)
	}

	return ref.Bucket, nil
}

func runIamGet(cmd *cobra.Command, args []string) error {
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

	p, err := sess.client.GetBucketIamPolicy(ctx, bucket)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), p)
	}

	printPolicy(cmd.OutOrStdout(), p)

	return nil
}

// bindingTransform grants or revokes one binding. It only reads its input,
// so it is safe to run again after a conflict.
func bindingTransform(role, member string, grant bool) occ.Transform[storage.Policy] {
	return func(p storage.Policy) (storage.Policy, bool) {
		if grant {
			return p.AddBinding(role, member)
		}

		return p.RemoveBinding(role, member)
	}
}

func runIamBinding(cmd *cobra.Command, arg, role, member string, grant bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	bucket, err := parseBucketArg(arg)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}

	p, err := sess.client.UpdateBucketIamPolicy(ctx, bucket, bindingTransform(role, member, grant), occ.Config{})
	if errors.Is(err, occ.ErrCancelled) {
		if grant {
			cc.Statusf("%s already has %s on %s\n", member, role, bucket)
		} else {
			cc.Statusf("%s does not have %s on %s\n", member, role, bucket)
		}

		return nil
	}

	if err != nil {
		return err
	}

	cc.Logger.Info("iam policy updated",
		slog.String("bucket", bucket),
		slog.String("role", role),
		slog.Bool("grant", grant),
	)

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), p)
	}

	printPolicy(cmd.OutOrStdout(), p)

	return nil
}

func printPolicy(w io.Writer, p *storage.Policy) {
	rows := make([][]string, 0, len(p.Bindings))
	for _, b := range p.Bindings {
		rows = append(rows, []string{b.Role, strings.Join(b.Members, ", ")})
	}

	printTable(w, []string{"ROLE", "MEMBERS"}, rows)
	fmt.Fprintf(w, "etag: %s\n", p.ETag)
}
