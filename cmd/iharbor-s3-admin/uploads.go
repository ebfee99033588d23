package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/reaper"
)

func newUploadsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect and reclaim multipart uploads",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	cmd.AddCommand(newUploadsListCmd(o))
	cmd.AddCommand(newUploadsClearCmd(o))
	return cmd
}

func newUploadsListCmd(o *rootOptions) *cobra.Command {
	var (
		bucket    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List multipart uploads",
		Long: `List multipart uploads with their part count and size.

Uploads whose bucket was deleted are marked stale.

Example:
  iharbor-s3-admin uploads list --bucket photos --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: withEnv(o, func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			opts := metadata.ListUploadsOptions{BucketName: bucket}
			if olderThan > 0 {
				opts.CreatedBefore = time.Now().Add(-olderThan)
			}
			uploads, err := e.meta.ListUploads(ctx, opts)
			if err != nil {
				return fmt.Errorf("listing uploads: %w", err)
			}

			live := make(map[string]*metadata.BucketRecord)
			buckets, err := e.meta.ListBuckets(ctx)
			if err != nil {
				return fmt.Errorf("listing buckets: %w", err)
			}
			for i := range buckets {
				live[buckets[i].Name] = &buckets[i]
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOAD ID\tBUCKET\tKEY\tSTATUS\tPARTS\tSIZE\tCREATED\tEXPIRES")
			for i := range uploads {
				u := &uploads[i]
				status := u.Status.String()
				b := live[u.BucketName]
				if b == nil || !u.BelongsTo(b) {
					status = "stale"
				}
				parts, err := e.meta.ListParts(ctx, u.BucketID, u.ID)
				if err != nil {
					return fmt.Errorf("listing parts of %s: %w", u.ID, err)
				}
				var size int64
				for _, p := range parts {
					size += p.Size
				}
				expires := "-"
				if u.ExpiresAt != nil {
					expires = humanize.Time(*u.ExpiresAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					u.ID, u.BucketName, u.ObjectKey, status, len(parts), humanize.IBytes(uint64(size)), humanize.Time(u.CreatedAt), expires)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s uploads\n", humanize.Comma(int64(len(uploads))))
			return nil
		}),
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Only list uploads of this bucket name")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only list uploads created longer ago than this")
	return cmd
}

func newUploadsClearCmd(o *rootOptions) *cobra.Command {
	var (
		bucket       string
		daysAgo      int
		ignoreExpiry bool
		yes          bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Reclaim abandoned multipart uploads",
		Long: `Reclaim expired multipart uploads created more than --days-ago days ago.

Uploads that have not reached their expiry are kept unless --ignore-expiry is
given; re-initiating an upload pushes its expiry back. Uploads of live buckets are aborted: their uploaded parts are deleted and the
upload is removed. Uploads whose bucket no longer exists have their part bytes
deleted by key. Uploads being completed right now are skipped.

--days-ago 0 reclaims uploads of any age.

Example:
  iharbor-s3-admin uploads clear --bucket photos --days-ago 7 --yes`,
		Args: cobra.NoArgs,
		RunE: withEnv(o, func(cmd *cobra.Command, e *env, args []string) error {
			if daysAgo < 0 {
				return fmt.Errorf("--days-ago must not be negative")
			}
			scope := reaper.Scope{BucketName: bucket, OlderThan: -1, IgnoreExpiry: ignoreExpiry}
			if daysAgo > 0 {
				scope.OlderThan = time.Duration(daysAgo) * 24 * time.Hour
			}

			r := reaper.New(e.mgr, e.meta, reaper.OptionsFromConfig(e.cfg.Reaper))
			matched, err := e.meta.ListUploads(cmd.Context(), r.ListOptions(scope))
			if err != nil {
				return fmt.Errorf("listing uploads: %w", err)
			}
			if len(matched) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No uploads to reclaim.")
				return nil
			}
			question := fmt.Sprintf("Reclaim %s uploads", humanize.Comma(int64(len(matched))))
			if bucket != "" {
				question += " of bucket " + bucket
			}
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), question+"?") {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			res, err := r.Run(cmd.Context(), scope)
			if err != nil {
				return fmt.Errorf("reclaiming uploads: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, aborted %d, purged %d orphans (%d part keys), finished %d, skipped %d, failed %d\n",
				res.Scanned, res.Aborted, res.Orphans, res.OrphanKeys, res.Finished, res.Skipped, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d uploads could not be reclaimed; run again to retry", res.Failed)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Only reclaim uploads of this bucket name")
	cmd.Flags().IntVar(&daysAgo, "days-ago", 30, "Reclaim uploads created more than this many days ago")
	cmd.Flags().BoolVar(&ignoreExpiry, "ignore-expiry", false, "Also reclaim uploads that have not expired yet")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
