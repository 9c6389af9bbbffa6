// Package syncer is the sync engine: a coordinator running a limits
// check and a local pre-filter, then a fixed pool of workers draining a
// shared queue, each book driven through a check/upload/update state
// machine with classified retry.
package syncer

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/config"
	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/robinjoseph08/golib/logger"
)

// Options scope a single run.
type Options struct {
	// BookIDs restricts the run to specific books; empty means the
	// whole library.
	BookIDs []library.BookID
	// Reupload forces the file bytes to be re-sent even when the remote
	// copy is current.
	Reupload bool
	// Confirm is consulted when the filtered list exceeds the account's
	// total-book quota and the service configured a warning message.
	// Returning false cancels the run. A nil Confirm continues.
	Confirm func(limits bookfusion.Limits, count int) bool
}

// Coordinator owns one sync run at a time: quota pre-pass, filtering,
// the worker pool, and run-wide cancellation.
type Coordinator struct {
	cfg     *config.Config
	view    library.View
	catalog Catalog
	emitter Emitter

	// retryDelay is the base backoff between transient retries; tests
	// shrink it.
	retryDelay time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled atomic.Bool
	aborted  atomic.Bool
	abortErr error
	abortOne sync.Once
}

func New(cfg *config.Config, view library.View, catalog Catalog, emitter Emitter) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		view:       view,
		catalog:    catalog,
		emitter:    emitter,
		retryDelay: 500 * time.Millisecond,
	}
}

// Run executes one sync run to completion. It always emits Finished,
// and returns the abort error when the run was cut short by one.
func (c *Coordinator) Run(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	log := logger.FromContext(ctx)

	defer c.emitter.Emit(Finished{})

	limits, err := c.fetchLimits(ctx)
	if err != nil {
		if errcodes.IsCanceled(err) {
			return nil
		}
		c.abort(err)
		return err
	}
	c.emit(LimitsAvailable{Limits: *limits})

	ids := opts.BookIDs
	if len(ids) == 0 {
		ids, err = c.view.ListBookIDs(ctx)
		if err != nil {
			err = errcodes.Unexpected(err)
			c.abort(err)
			return err
		}
	}

	count, valid, err := c.filter(ctx, ids, limits)
	if err != nil {
		if errcodes.IsCanceled(err) {
			return nil
		}
		c.abort(err)
		return err
	}
	c.emit(FilterResults{Count: count, IDs: valid})

	if len(valid) == 0 {
		log.Info("no syncable books")
		return nil
	}

	valid, ok := c.applyQuota(limits, count, valid, opts)
	if !ok {
		// The caller declined the quota warning; a silent cancel, not
		// an abort.
		return nil
	}

	c.runPool(ctx, valid, opts)

	if c.aborted.Load() {
		return c.abortErr
	}
	return nil
}

// Cancel stops the run cooperatively: in-flight requests are aborted
// via context and no further task events are emitted.
func (c *Coordinator) Cancel() {
	c.canceled.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) fetchLimits(ctx context.Context) (*bookfusion.Limits, error) {
	var limits *bookfusion.Limits
	err := retryStep(ctx, c.retryDelay, func() error {
		var err error
		limits, err = c.catalog.Limits(ctx)
		return err
	})
	return limits, err
}

// filter inspects each candidate locally, no network involved: books
// without an eligible file are dropped and not counted; books over the
// filesize quota are counted but excluded from the run.
func (c *Coordinator) filter(ctx context.Context, ids []library.BookID, limits *bookfusion.Limits) (int, []library.BookID, error) {
	log := logger.FromContext(ctx)

	count := 0
	valid := make([]library.BookID, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0, nil, errcodes.Canceled()
		}

		file, err := library.ResolveFormatFile(ctx, c.view, id)
		if err != nil {
			if errcodes.KindOf(err) == errcodes.KindUnsupported {
				log.Info("unsupported format", logger.Data{"book_id": id})
				continue
			}
			return 0, nil, errcodes.Unexpected(err)
		}
		count++

		if limits.Filesize > 0 {
			info, err := os.Stat(file.Path)
			if err != nil {
				return 0, nil, errcodes.Unexpected(err)
			}
			if info.Size() > limits.Filesize {
				log.Info("filesize exceeded", logger.Data{"book_id": id, "size": info.Size()})
				continue
			}
		}

		valid = append(valid, id)
	}
	return count, valid, nil
}

// applyQuota truncates the work list to the total-book quota. When the
// account carries a warning message and some limit was hit, the caller
// decides whether to continue first.
func (c *Coordinator) applyQuota(limits *bookfusion.Limits, count int, valid []library.BookID, opts Options) ([]library.BookID, bool) {
	filesizeExceeded := len(valid) < count
	totalExceeded := limits.TotalBooks > 0 && len(valid) > limits.TotalBooks

	if (filesizeExceeded || totalExceeded) && limits.Message != "" && opts.Confirm != nil {
		if !opts.Confirm(*limits, len(valid)) {
			return nil, false
		}
	}

	if totalExceeded {
		valid = valid[:limits.TotalBooks]
	}
	return valid, true
}

// runPool starts the fixed-size worker pool and blocks until every
// worker has observed an empty queue or the run was canceled.
func (c *Coordinator) runPool(ctx context.Context, ids []library.BookID, opts Options) {
	queue := NewQueue(ids)

	workers := c.cfg.Threads
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker, queue, opts)
		}(i)
	}
	wg.Wait()
}

// work is one worker's loop: claim an id, run its task to completion,
// repeat until the queue is empty or the run stops.
func (c *Coordinator) work(ctx context.Context, worker int, queue *Queue, opts Options) {
	log := logger.FromContext(ctx).Data(logger.Data{"worker": worker})
	ctx = log.WithContext(ctx)

	for {
		if ctx.Err() != nil || c.canceled.Load() {
			return
		}

		id, ok := queue.ClaimNext()
		if !ok {
			return
		}

		c.emit(Started{BookID: id})
		log.Info("sync book", logger.Data{"book_id": id})

		t := &task{
			id:               id,
			view:             c.view,
			catalog:          c.catalog,
			updateMetadata:   c.cfg.UpdateMetadata,
			reupload:         opts.Reupload,
			bookshelvesField: c.cfg.BookshelvesField,
			retryDelay:       c.retryDelay,
			emit:             c.emit,
		}

		if err := t.run(ctx); err != nil {
			if errcodes.IsCanceled(err) {
				return
			}
			c.abort(err)
			return
		}
	}
}

// emit forwards an event unless the run has been canceled; a canceled
// run goes quiet except for the one Aborted message and Finished.
func (c *Coordinator) emit(event Event) {
	if c.canceled.Load() {
		return
	}
	c.emitter.Emit(event)
}

// abort surfaces exactly one run-wide failure and cancels every other
// in-flight worker.
func (c *Coordinator) abort(err error) {
	c.abortOne.Do(func() {
		c.abortErr = err
		c.aborted.Store(true)
		c.emitter.Emit(Aborted{Message: err.Error()})
		c.Cancel()
	})
}
