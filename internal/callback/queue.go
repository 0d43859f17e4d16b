// Package callback schedules deferred self-messages: an agent embeds a
// marker in a message and the server replays the payload later as if the
// agent had just sent it.
package callback

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPerAgentCap bounds outstanding callbacks per agent.
const DefaultPerAgentCap = 10

type entry struct {
	fireAt  time.Time
	seq     int64 // insertion order breaks fireAt ties
	owner   string
	target  string
	payload string
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Deliver replays a fired callback. owner is the original sender; target
// is empty for a DM back to the owner.
type Deliver func(owner, target, payload string)

// Queue is the min-heap of pending callbacks with a single runner
// goroutine.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byOwner map[string]int
	seq     int64
	cap     int

	deliver Deliver
	wake    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// NewQueue starts the runner. perAgentCap ≤ 0 uses the default.
func NewQueue(perAgentCap int, deliver Deliver) *Queue {
	if perAgentCap <= 0 {
		perAgentCap = DefaultPerAgentCap
	}
	q := &Queue{
		byOwner: make(map[string]int),
		cap:     perAgentCap,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  slog.With("component", "callback"),
	}
	go q.run()
	return q
}

// Schedule enqueues a parsed request for the owner.
func (q *Queue) Schedule(owner string, r Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.byOwner[owner] >= q.cap {
		return fmt.Errorf("callback limit reached (%d outstanding)", q.cap)
	}
	q.seq++
	heap.Push(&q.heap, &entry{
		fireAt:  time.Now().Add(r.Delay),
		seq:     q.seq,
		owner:   owner,
		target:  r.Target,
		payload: r.Payload,
	})
	q.byOwner[owner]++
	q.kick()
	return nil
}

// CancelOwner drops every pending callback the agent owns. Called on
// disconnect.
func (q *Queue) CancelOwner(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for i := 0; i < len(q.heap); {
		if q.heap[i].owner == owner {
			heap.Remove(&q.heap, i)
			dropped++
		} else {
			i++
		}
	}
	delete(q.byOwner, owner)
	q.kick()
	return dropped
}

// Pending reports the number of callbacks waiting for an owner.
func (q *Queue) Pending(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byOwner[owner]
}

// Stop halts the runner; pending callbacks never fire.
func (q *Queue) Stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(q.heap[0].fireAt)
		}
		q.mu.Unlock()

		if wait <= 0 {
			q.fireDue()
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			q.fireDue()
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (q *Queue) fireDue() {
	now := time.Now()
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].fireAt.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.heap).(*entry)
		if q.byOwner[e.owner] > 0 {
			q.byOwner[e.owner]--
		}
		q.mu.Unlock()

		// Delivery runs outside the lock; the deliver hook drops the
		// payload itself when the owner is gone.
		q.deliver(e.owner, e.target, e.payload)
	}
}
