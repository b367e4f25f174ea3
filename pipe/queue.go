package pipe

import (
	"regexp"
	"sync"

	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/value"
)

// QueuedFrame is one pending outbound pipe frame, as tracked by a
// session's outbound Queue (spec §4.5, §5 "the outbound frame queue ... is
// the only place where pipe anti-congestion regex matching runs").
type QueuedFrame struct {
	Link     link.ID
	Value    value.Value
	SeqNo    uint32
	HasSeqNo bool
}

// Queue is the per-session outbound frame queue. It is owned by the
// session's write-loop goroutine; syncsrv constructs one per session and
// hands it to every Pipe opened through that session.
type Queue struct {
	mu    sync.Mutex
	items []QueuedFrame
	dequeued chan struct{}
}

// NewQueue creates an empty outbound queue.
func NewQueue() *Queue {
	return &Queue{dequeued: make(chan struct{}, 1)}
}

// Enqueue appends f unconditionally.
func (q *Queue) Enqueue(f QueuedFrame) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
}

// Overwrite implements spec §4.5's anti-congestion scan: it replaces the
// first queued frame for f.Link whose encoded value matches pattern, and
// reports whether a replacement happened. Callers enqueue normally when it
// returns false.
func (q *Queue) Overwrite(f QueuedFrame, pattern *regexp.Regexp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Link != f.Link {
			continue
		}
		encoded, err := value.Export(q.items[i].Value)
		if err != nil {
			continue
		}
		if pattern.Match(encoded) {
			q.items[i] = f
			return true
		}
	}
	return false
}

// Drain removes and returns every queued frame, in FIFO order.
func (q *Queue) Drain() []QueuedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.dequeued <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever an item is
// enqueued, so a write-loop goroutine can block until there is work.
func (q *Queue) Ready() <-chan struct{} { return q.dequeued }
