package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/core/telegram/netutil"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
	"github.com/meep1w/pocketbot/internal/supervisor"
)

const (
	scanInterval = 2 * time.Second
	maxRetries   = 2
	retryBackoff = 2 * time.Second

	// staleClaimAfter bounds how long a claimed job may sit without an
	// outcome before it is treated as lost and requeued.
	staleClaimAfter = 5 * time.Minute
)

// SenderLookup resolves the live sender for a tenant. Jobs of tenants
// without a running worker fail fast and wait for requeue.
type SenderLookup func(tenantID int64) (supervisor.Sender, bool)

// Dispatcher drains the broadcast queue with a fixed worker pool. Every
// send consults the per-tenant limiter first; denied jobs are marked
// THROTTLED and periodically returned to PENDING.
type Dispatcher struct {
	cfg     coreconfig.BroadcastConfig
	jobs    repository.BroadcastRepository
	limiter *Limiter
	senders SenderLookup

	queue chan *model.BroadcastJob
	wg    sync.WaitGroup
}

func NewDispatcher(cfg coreconfig.BroadcastConfig, jobs repository.BroadcastRepository, limiter *Limiter, senders SenderLookup) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		jobs:    jobs,
		limiter: limiter,
		senders: senders,
		queue:   make(chan *model.BroadcastJob, cfg.QueueSize),
	}
}

// Enqueue stores a new PENDING job for the tenant.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, chatID int64, payload string) error {
	return d.jobs.Enqueue(ctx, &model.BroadcastJob{
		TenantID: tenantID,
		ChatID:   chatID,
		Payload:  payload,
	})
}

// Run starts the worker pool and the scan loop, blocking until ctx is
// cancelled. Queued jobs are drained before return.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Claims left behind by a previous process never get an outcome; hand
	// them back before the first scan.
	d.reclaim(ctx, time.Now())

	d.wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(ctx)
	}
	logger.LogEvent(ctx, logger.BC, slog.LevelInfo, "dispatcher.started",
		slog.String("status", "ok"),
		slog.Int("count", d.cfg.Workers),
	)

	scan := time.NewTicker(scanInterval)
	requeue := time.NewTicker(time.Duration(d.cfg.RequeueDelaySeconds) * time.Second)
	defer scan.Stop()
	defer requeue.Stop()

	for {
		select {
		case <-ctx.Done():
			close(d.queue)
			d.wg.Wait()
			return ctx.Err()
		case <-scan.C:
			d.fill(ctx)
		case <-requeue.C:
			d.requeueThrottled(ctx)
			d.reclaim(ctx, time.Now().Add(-staleClaimAfter))
		}
	}
}

func (d *Dispatcher) fill(ctx context.Context) {
	free := cap(d.queue) - len(d.queue)
	if free == 0 {
		return
	}
	batch, err := d.jobs.DequeuePending(ctx, free)
	if err != nil {
		logger.LogEvent(ctx, logger.BC, slog.LevelError, "queue.scan.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	for _, job := range batch {
		select {
		case d.queue <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) requeueThrottled(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(d.cfg.RequeueDelaySeconds) * time.Second)
	n, err := d.jobs.RequeueThrottled(ctx, cutoff)
	if err != nil {
		logger.LogEvent(ctx, logger.BC, slog.LevelError, "queue.requeue.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	if n > 0 {
		logger.LogEvent(ctx, logger.BC, slog.LevelInfo, "queue.requeued",
			slog.String("status", "ok"),
			slog.Int64("count", n),
		)
	}
}

func (d *Dispatcher) reclaim(ctx context.Context, before time.Time) {
	n, err := d.jobs.ReclaimStale(ctx, before)
	if err != nil {
		logger.LogEvent(ctx, logger.BC, slog.LevelError, "queue.reclaim.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	if n > 0 {
		logger.LogEvent(ctx, logger.BC, slog.LevelWarn, "queue.reclaimed",
			slog.String("status", "ok"),
			slog.Int64("count", n),
		)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(ctx, job)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job *model.BroadcastJob) {
	attrs := func(extra ...slog.Attr) []slog.Attr {
		base := []slog.Attr{
			slog.Int64("tenant_id", job.TenantID),
			slog.Int64("job_id", job.ID),
			slog.Int64("chat_id", job.ChatID),
		}
		return append(base, extra...)
	}

	if !d.limiter.Allow(job.TenantID) {
		d.mark(ctx, job, model.BroadcastThrottled, "rate cap reached")
		logger.LogEvent(ctx, logger.BC, slog.LevelInfo, "send.throttled",
			attrs(slog.String("status", "throttled"))...)
		return
	}

	snd, ok := d.senders(job.TenantID)
	if !ok {
		d.mark(ctx, job, model.BroadcastFailed, "tenant worker not running")
		logger.LogEvent(ctx, logger.BC, slog.LevelWarn, "send.no_worker",
			attrs(slog.String("status", "fail"))...)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		lastErr = snd.Send(job.ChatID, job.Payload)
		if lastErr == nil {
			d.mark(ctx, job, model.BroadcastSent, "")
			logger.LogEvent(ctx, logger.BC, slog.LevelDebug, "send.ok",
				attrs(slog.String("status", "ok"), slog.Int("attempt", attempt))...)
			return
		}
		if !netutil.ShouldRetry(lastErr) {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}

	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		// Shutdown interrupted the delivery; the job goes back to the
		// queue, not to FAILED. The write must outlive ctx.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.jobs.Requeue(rctx, job.ID); err != nil {
			logger.LogEvent(rctx, logger.BC, slog.LevelError, "job.requeue.failed",
				attrs(slog.String("status", "fail"), slog.String("err", err.Error()))...)
			return
		}
		logger.LogEvent(rctx, logger.BC, slog.LevelInfo, "send.requeued",
			attrs(slog.String("status", "ok"))...)
		return
	}

	msg := logger.Sanitize(lastErr.Error())
	d.mark(ctx, job, model.BroadcastFailed, msg)
	logger.LogEvent(ctx, logger.BC, slog.LevelError, "send.failed",
		attrs(slog.String("status", "fail"), slog.String("err", msg))...)
}

func (d *Dispatcher) mark(ctx context.Context, job *model.BroadcastJob, result model.BroadcastResult, errMsg string) {
	if err := d.jobs.MarkResult(ctx, job.ID, result, errMsg); err != nil {
		logger.LogEvent(ctx, logger.BC, slog.LevelError, "job.mark.failed",
			slog.String("status", "fail"),
			slog.Int64("job_id", job.ID),
			slog.String("err", err.Error()),
		)
	}
}
