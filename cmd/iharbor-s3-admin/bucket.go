package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
)

func newBucketCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Create, delete and list buckets",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(o, func(cmd *cobra.Command, e *env, args []string) error {
			b, err := e.meta.CreateBucket(cmd.Context(), args[0])
			if errors.Is(err, metadata.ErrConflict) {
				return fmt.Errorf("bucket %s already exists", args[0])
			}
			if err != nil {
				return fmt.Errorf("creating bucket: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created bucket %s (id %d)\n", b.Name, b.ID)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an empty bucket",
		Long: `Delete an empty bucket.

Multipart uploads of the bucket are left behind; "uploads clear" reclaims them.`,
		Args: cobra.ExactArgs(1),
		RunE: withEnv(o, func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			b, err := e.meta.GetBucket(ctx, args[0])
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("bucket %s does not exist", args[0])
			}
			if err != nil {
				return fmt.Errorf("getting bucket: %w", err)
			}
			n, err := e.meta.CountObjects(ctx, b.ID)
			if err != nil {
				return fmt.Errorf("counting objects: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("bucket %s holds %s objects", b.Name, humanize.Comma(n))
			}
			if err := e.meta.DeleteBucket(ctx, b.Name); err != nil {
				return fmt.Errorf("deleting bucket: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted bucket %s\n", b.Name)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List buckets",
		Args:  cobra.NoArgs,
		RunE: withEnv(o, func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			buckets, err := e.meta.ListBuckets(ctx)
			if err != nil {
				return fmt.Errorf("listing buckets: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tOBJECTS\tCREATED")
			for _, b := range buckets {
				n, err := e.meta.CountObjects(ctx, b.ID)
				if err != nil {
					return fmt.Errorf("counting objects of %s: %w", b.Name, err)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", b.ID, b.Name, humanize.Comma(n), humanize.Time(b.CreatedAt))
			}
			return w.Flush()
		}),
	})
	return cmd
}
