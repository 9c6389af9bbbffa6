package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/BookFusion/calibre-plugin/pkg/syncer"
	"github.com/robinjoseph08/golib/logger"
)

// eventPrinter consumes the run's event stream: per-book outcomes go to
// stdout (titled when the library can resolve them) and to the
// plain-text run log kept beside the library.
type eventPrinter struct {
	view   library.View
	ctx    context.Context
	runLog *runLog

	mu       sync.Mutex
	total    int
	done     int
	lastSent map[library.BookID]int64
}

func (p *eventPrinter) Emit(event syncer.Event) {
	log := logger.FromContext(p.ctx)

	switch ev := event.(type) {
	case syncer.LimitsAvailable:
		p.runLog.Printf("limits: filesize=%d total_books=%d", ev.Limits.Filesize, ev.Limits.TotalBooks)
	case syncer.FilterResults:
		p.mu.Lock()
		p.total = len(ev.IDs)
		p.mu.Unlock()
		p.runLog.Printf("check results: books_count=%d valid_ids=%v", ev.Count, ev.IDs)
		fmt.Printf("Synchronizing %d books...\n", len(ev.IDs))
	case syncer.Started:
		p.runLog.Printf("sync book: book_id=%d", ev.BookID)
	case syncer.Uploaded:
		p.outcome(ev.BookID, "uploaded")
	case syncer.Updated:
		p.outcome(ev.BookID, "updated")
	case syncer.Skipped:
		p.outcome(ev.BookID, "skipped")
	case syncer.Failed:
		p.outcome(ev.BookID, ev.Message)
	case syncer.UploadProgress:
		p.progress(ev)
	case syncer.Aborted:
		p.runLog.Printf("aborted: %s", ev.Message)
		fmt.Fprintln(os.Stderr, ev.Message)
	case syncer.Finished:
		p.runLog.Printf("finished")
		fmt.Println("Done.")
	default:
		log.Warn("unknown event", logger.Data{"event": fmt.Sprintf("%T", event)})
	}
}

func (p *eventPrinter) outcome(id library.BookID, message string) {
	p.mu.Lock()
	p.done++
	done, total := p.done, p.total
	p.mu.Unlock()

	title := p.title(id)
	p.runLog.Printf("%s: book_id=%d title=%s", message, id, title)
	fmt.Printf("[%d/%d] %s: %s\n", done, total, title, message)
}

// progress logs at most one line per doubling of sent bytes to keep the
// run log readable.
func (p *eventPrinter) progress(ev syncer.UploadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSent == nil {
		p.lastSent = map[library.BookID]int64{}
	}
	last := p.lastSent[ev.BookID]
	if last != 0 && ev.Sent < last*2 && ev.Sent < ev.Total {
		return
	}
	p.lastSent[ev.BookID] = ev.Sent
	p.runLog.Printf("upload progress: book_id=%d sent=%d total=%d", ev.BookID, ev.Sent, ev.Total)
}

func (p *eventPrinter) title(id library.BookID) string {
	snap, err := p.view.Metadata(p.ctx, id)
	if err != nil {
		return fmt.Sprintf("book %d", id)
	}
	return snap.Title
}

// runLog is the plain-text per-run log kept in the library directory,
// for users to attach to support requests. A nil-file runLog discards
// everything.
type runLog struct {
	mu sync.Mutex
	f  *os.File
}

func newRunLog(path string) (*runLog, error) {
	if path == "" {
		return &runLog{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &runLog{f: f}, nil
}

func (l *runLog) Printf(format string, args ...interface{}) {
	if l.f == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "%s "+format+"\n", append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
}

func (l *runLog) Close() {
	if l.f != nil {
		_ = l.f.Close()
	}
}
