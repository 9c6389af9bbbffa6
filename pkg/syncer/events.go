package syncer

import (
	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/library"
)

// Event is implemented by every progress/outcome event a run publishes.
// Events for different books may arrive in any order; events for one
// book are sequential.
type Event interface {
	isEvent()
}

// Emitter receives the run's event stream. Implementations must be safe
// for concurrent use; workers publish from their own goroutines.
type Emitter interface {
	Emit(event Event)
}

// LimitsAvailable reports the account quotas fetched at run start.
type LimitsAvailable struct {
	Limits bookfusion.Limits
}

// FilterResults reports the pre-flight pass: Count books had an
// eligible file, IDs are the ones that also fit the filesize quota.
type FilterResults struct {
	Count int
	IDs   []library.BookID
}

// Started means a worker claimed the book and began its task.
type Started struct {
	BookID library.BookID
}

// Uploaded is the terminal outcome of a successful two-phase upload.
type Uploaded struct {
	BookID library.BookID
}

// Updated is the terminal outcome of a successful record update.
type Updated struct {
	BookID library.BookID
}

// Skipped means the remote copy is already current.
type Skipped struct {
	BookID library.BookID
}

// Failed is a per-book failure; sibling workers are unaffected.
type Failed struct {
	BookID  library.BookID
	Message string
}

// Aborted is the single run-wide failure message. At most one is
// emitted per run.
type Aborted struct {
	Message string
}

// UploadProgress reports cumulative file bytes sent for one book.
type UploadProgress struct {
	BookID library.BookID
	Sent   int64
	Total  int64
}

// Finished closes every run's event stream, aborted or not.
type Finished struct{}

func (LimitsAvailable) isEvent() {}
func (FilterResults) isEvent()   {}
func (Started) isEvent()         {}
func (Uploaded) isEvent()        {}
func (Updated) isEvent()         {}
func (Skipped) isEvent()         {}
func (Failed) isEvent()          {}
func (Aborted) isEvent()         {}
func (UploadProgress) isEvent()  {}
func (Finished) isEvent()        {}
