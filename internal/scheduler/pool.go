package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Client is a schedulable unit of cooperative work: a listener's sender
// tick. Tick runs one step and reports how long to wait before the next
// one, or an error if the client must be dropped.
type Client interface {
	ClientID() string
	Tick() (time.Duration, error)
}

// ticket pairs a client with its next scheduled run time.
type ticket struct {
	deadline time.Time
	client   Client
}

// ticketHeap is a min-heap on deadline, giving each worker O(log n)
// access to its next-due client instead of busy-polling its whole set.
type ticketHeap []*ticket

func (h ticketHeap) Len() int            { return len(h) }
func (h ticketHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h ticketHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ticketHeap) Push(x interface{}) { *h = append(*h, x.(*ticket)) }
func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// worker owns a bounded set of clients and drives their ticks in
// deadline order. A client is never ticked by more than one worker, and
// migration between workers happens only while the client is off the
// heap (i.e. between ticks), never mid-tick.
type worker struct {
	mu    sync.Mutex
	heap  ticketHeap
	index map[string]*ticket
	wake  chan struct{}
}

func newWorker() *worker {
	return &worker{index: make(map[string]*ticket), wake: make(chan struct{}, 1)}
}

func (w *worker) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

func (w *worker) add(c Client, at time.Time) {
	w.mu.Lock()
	t := &ticket{deadline: at, client: c}
	heap.Push(&w.heap, t)
	w.index[c.ClientID()] = t
	w.mu.Unlock()
	w.nudge()
}

// remove detaches a client by ID if this worker owns it. Safe to call
// concurrently with run: if the client is currently popped for ticking
// (not in the heap), remove reports false and the client's own tick will
// finish and requeue it, matching the between-ticks-only migration rule.
func (w *worker) remove(id string) (Client, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.index[id]
	if !ok {
		return nil, false
	}
	for i, candidate := range w.heap {
		if candidate == t {
			heap.Remove(&w.heap, i)
			break
		}
	}
	delete(w.index, id)
	return t.client, true
}

func (w *worker) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context, onTerminate func(Client, error)) {
	for {
		w.mu.Lock()
		if len(w.heap) == 0 {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		next := w.heap[0]
		wait := time.Until(next.deadline)
		if wait > 0 {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			case <-w.wake:
			}
			continue
		}

		heap.Pop(&w.heap)
		delete(w.index, next.client.ClientID())
		w.mu.Unlock()

		delay, err := next.client.Tick()
		if err != nil {
			onTerminate(next.client, err)
			continue
		}

		next.deadline = time.Now().Add(delay)
		w.mu.Lock()
		heap.Push(&w.heap, next)
		w.index[next.client.ClientID()] = next
		w.mu.Unlock()
	}
}

// Pool runs N cooperative workers, each ticking its own clients in
// deadline order. Clients are assigned to the least-loaded worker at add
// time and may be migrated between workers (e.g. by an admin action)
// only while off the heap.
type Pool struct {
	workers     []*worker
	owner       sync.Map // clientID -> *worker
	onTerminate func(Client, error)
	logger      *slog.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool builds a Pool of n workers. onTerminate is invoked, off any
// worker's lock, whenever a client's Tick returns an error.
func NewPool(n int, logger *slog.Logger, onTerminate func(Client, error)) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		workers:     make([]*worker, n),
		onTerminate: onTerminate,
		logger:      logger,
	}
	for i := range p.workers {
		p.workers[i] = newWorker()
	}
	return p
}

// Start launches all worker goroutines; they run until ctx is cancelled
// or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(ctx, p.onTerminate)
		}(w)
	}
	p.logger.Info("scheduler pool started", slog.Int("workers", len(p.workers)))
}

// Stop cancels all workers and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("scheduler pool stopped")
}

// leastLoaded returns the worker with the fewest scheduled clients.
func (p *Pool) leastLoaded() *worker {
	best := p.workers[0]
	bestSize := best.size()
	for _, w := range p.workers[1:] {
		if s := w.size(); s < bestSize {
			best, bestSize = w, s
		}
	}
	return best
}

// Add schedules c to run immediately on the least-loaded worker.
func (p *Pool) Add(c Client) {
	w := p.leastLoaded()
	w.add(c, time.Now())
	p.owner.Store(c.ClientID(), w)
}

// Remove detaches c from whichever worker owns it, if any.
func (p *Pool) Remove(id string) {
	v, ok := p.owner.Load(id)
	if !ok {
		return
	}
	v.(*worker).remove(id)
	p.owner.Delete(id)
}

// Migrate moves a client to the least-loaded worker other than its
// current one, for load balancing. It is a no-op if the client is
// currently mid-tick; the client's own requeue after that tick leaves it
// on its original worker, and a later Migrate call can retry.
func (p *Pool) Migrate(id string) bool {
	v, ok := p.owner.Load(id)
	if !ok {
		return false
	}
	current := v.(*worker)
	client, ok := current.remove(id)
	if !ok {
		return false
	}

	var target *worker
	for _, w := range p.workers {
		if w == current {
			continue
		}
		if target == nil || w.size() < target.size() {
			target = w
		}
	}
	if target == nil {
		target = current
	}

	target.add(client, time.Now())
	p.owner.Store(id, target)
	return true
}
