// Package reaper reclaims multipart uploads that were abandoned by their
// clients: uploads past their expiry and uploads left behind by a deleted
// bucket.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i-harbor/iharbor-s3/internal/config"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
)

// pageSize is the number of upload rows fetched per listing call.
const pageSize = 1000

// Options configures a Reaper.
type Options struct {
	// Interval is the period of Loop.
	Interval time.Duration
	// OlderThan is the minimum age of a reclaimed upload. Uploads recorded
	// without an expiry are reclaimed once they reach it.
	OlderThan time.Duration
	// Concurrency caps the uploads reclaimed at the same time.
	Concurrency int
}

// OptionsFromConfig converts the reaper section of the configuration.
func OptionsFromConfig(cfg config.ReaperConfig) Options {
	return Options{
		Interval:    cfg.Interval,
		OlderThan:   cfg.OlderThan,
		Concurrency: cfg.Concurrency,
	}
}

// Scope narrows one reaper pass.
type Scope struct {
	// BucketName restricts the pass to uploads recorded under this bucket
	// name, including those of deleted buckets of that name.
	BucketName string
	// OlderThan overrides the configured cutoff when positive. A negative
	// value reclaims uploads of any age.
	OlderThan time.Duration
	// IgnoreExpiry reclaims uploads that have not expired yet.
	IgnoreExpiry bool
}

// Result summarizes one pass.
type Result struct {
	Scanned int
	// Aborted counts uploads of live buckets reclaimed with Abort.
	Aborted int
	// Orphans counts uploads of deleted buckets that were purged.
	Orphans int
	// Finished counts Completed rows whose deletion had failed earlier.
	Finished int
	// Skipped counts uploads held by a running completion.
	Skipped int
	Failed  int
	// OrphanKeys is the number of part keys removed by probing.
	OrphanKeys int
}

// Reaper runs reclamation passes. It is safe for concurrent use, although
// passes are not coordinated with each other beyond the upload gate.
type Reaper struct {
	mgr  *multipart.Manager
	meta metadata.Store
	opts Options
	now  func() time.Time
}

// New creates a Reaper.
func New(mgr *multipart.Manager, meta metadata.Store, opts Options) *Reaper {
	d := OptionsFromConfig(config.Default().Reaper)
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.OlderThan <= 0 {
		opts.OlderThan = d.OlderThan
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	return &Reaper{mgr: mgr, meta: meta, opts: opts, now: time.Now}
}

// Loop runs a pass every Interval until ctx is cancelled. Pass failures are
// logged and do not stop the loop.
func (r *Reaper) Loop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	slog.Info("upload reaper started", "interval", r.opts.Interval, "older_than", r.opts.OlderThan)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Run(ctx, Scope{}); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("upload reaper pass failed", "error", err)
			}
		}
	}
}

// ListOptions returns the listing filter that selects the uploads a pass
// over scope reclaims.
func (r *Reaper) ListOptions(scope Scope) metadata.ListUploadsOptions {
	opts := metadata.ListUploadsOptions{
		BucketName:    scope.BucketName,
		CreatedBefore: r.cutoff(scope),
	}
	if !scope.IgnoreExpiry {
		opts.ExpiredBefore = r.now()
	}
	return opts
}

// Run reclaims every expired upload in scope created before the cutoff.
// Failures on single uploads are counted and logged; the returned error
// reports a failure to list uploads.
func (r *Reaper) Run(ctx context.Context, scope Scope) (Result, error) {
	start := r.now()
	opts := r.ListOptions(scope)
	opts.Limit = pageSize

	var (
		mu  sync.Mutex
		res Result
	)
	count := func(fn func(*Result)) {
		mu.Lock()
		fn(&res)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	var listErr error
	for {
		page, err := r.meta.ListUploads(gctx, opts)
		if err != nil {
			listErr = fmt.Errorf("listing uploads: %w", err)
			break
		}
		for i := range page {
			u := page[i]
			count(func(res *Result) { res.Scanned++ })
			g.Go(func() error {
				r.reclaim(gctx, &u, count)
				return nil
			})
		}
		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1]
		opts.KeyMarker, opts.UploadIDMarker = last.ObjectKey, last.ID
	}
	_ = g.Wait()

	result := "success"
	switch {
	case listErr != nil:
		result = "failed"
	case res.Failed > 0:
		result = "partial"
	}
	metrics.ReaperRunsTotal.WithLabelValues(result).Inc()
	slog.Info("upload reaper pass finished",
		"bucket", scope.BucketName,
		"cutoff", opts.CreatedBefore,
		"ignore_expiry", scope.IgnoreExpiry,
		"scanned", res.Scanned,
		"aborted", res.Aborted,
		"orphans", res.Orphans,
		"finished", res.Finished,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
	return res, listErr
}

func (r *Reaper) cutoff(scope Scope) time.Time {
	switch {
	case scope.OlderThan < 0:
		return time.Time{}
	case scope.OlderThan > 0:
		return r.now().Add(-scope.OlderThan)
	default:
		return r.now().Add(-r.opts.OlderThan)
	}
}

func (r *Reaper) reclaim(ctx context.Context, u *metadata.UploadRecord, count func(func(*Result))) {
	log := slog.With("upload_id", u.ID, "bucket", u.BucketName, "key", u.ObjectKey)

	switch u.Status {
	case metadata.StatusComposing:
		log.Debug("skipping upload held by a completion")
		count(func(res *Result) { res.Skipped++ })
		return
	case metadata.StatusCompleted:
		if err := r.meta.DeleteUpload(ctx, u.ID); err != nil {
			log.Warn("deleting completed upload", "error", err)
			count(func(res *Result) { res.Failed++ })
			return
		}
		count(func(res *Result) { res.Finished++ })
		metrics.ReaperReclaimedTotal.Inc()
		return
	}

	bucket, err := r.meta.GetBucket(ctx, u.BucketName)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		bucket = nil
	case err != nil:
		log.Warn("resolving upload bucket", "error", err)
		count(func(res *Result) { res.Failed++ })
		return
	}

	if bucket == nil || !u.BelongsTo(bucket) {
		n, err := r.mgr.PurgeOrphan(ctx, u)
		count(func(res *Result) { res.OrphanKeys += n })
		if err != nil {
			log.Warn("purging orphaned upload", "error", err, "part_keys_deleted", n)
			count(func(res *Result) { res.Failed++ })
			return
		}
		log.Info("purged orphaned upload", "part_keys_deleted", n)
		count(func(res *Result) { res.Orphans++ })
		metrics.ReaperReclaimedTotal.Inc()
		return
	}

	if err := r.mgr.Abort(ctx, u); err != nil {
		log.Warn("aborting expired upload", "error", err)
		count(func(res *Result) { res.Failed++ })
		return
	}
	count(func(res *Result) { res.Aborted++ })
	metrics.ReaperReclaimedTotal.Inc()
}
