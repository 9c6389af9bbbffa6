package syncer

import (
	"sync"

	"github.com/BookFusion/calibre-plugin/pkg/library"
)

// Queue is the shared pending-book list the worker pool drains. Claims
// are exactly-once: each id is handed to a single claimer, none are
// lost. Contention is low (one claim per book), so a mutex-guarded
// slice is enough.
type Queue struct {
	mu  sync.Mutex
	ids []library.BookID
}

func NewQueue(ids []library.BookID) *Queue {
	q := &Queue{ids: make([]library.BookID, len(ids))}
	copy(q.ids, ids)
	return q
}

// ClaimNext pops the next unclaimed id from the tail. The second return
// value is false once the queue is empty.
func (q *Queue) ClaimNext() (library.BookID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[len(q.ids)-1]
	q.ids = q.ids[:len(q.ids)-1]
	return id, true
}

// Len reports how many ids remain unclaimed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
