package vfs

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DelegationThread serializes calls into a CapBlocking module: it owns a
// FIFO queue and its own event loop, so two requests enqueued on it in
// order are always delivered to the module in that order (spec.md §4.5,
// §5 "Shard serialization", §8 property 6).
type DelegationThread struct {
	log      *logrus.Entry
	doorbell *Doorbell

	mu    sync.Mutex
	queue []*Request

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDelegationThread starts a delegation thread's event loop in a new
// goroutine and returns immediately.
func NewDelegationThread(name string, log *logrus.Logger) *DelegationThread {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &DelegationThread{
		log:      log.WithField("delegation", name),
		doorbell: NewDoorbell(),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue appends r to the tail of the queue and rings the doorbell
// (spec.md §4.5 "append to that delegation thread's queue under its mutex;
// ring its doorbell").
func (d *DelegationThread) Enqueue(r *Request) {
	d.mu.Lock()
	d.queue = append(d.queue, r)
	d.mu.Unlock()
	d.doorbell.Ring()
}

func (d *DelegationThread) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			d.drainAndDispatch()
			return
		case <-d.doorbell.Chan():
			d.drainAndDispatch()
		}
	}
}

func (d *DelegationThread) drainAndDispatch() {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, r := range batch {
		func(r *Request) {
			defer func() {
				if rec := recover(); rec != nil {
					d.log.WithField("panic", rec).Error("module dispatch panicked")
				}
			}()
			r.Module.Dispatch(r, r.ThreadPriv)
		}(r)
	}
}

// Shutdown signals the event loop to drain whatever remains queued and
// stop; it blocks until the goroutine has exited.
func (d *DelegationThread) Shutdown() {
	close(d.done)
	d.wg.Wait()
}

// ShardFor picks a delegation thread for fhHash out of n shards, the
// sharding rule of spec.md §4.5 ("shard by fh_hash mod num_delegation_threads").
func ShardFor(fhHash uint64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(fhHash % uint64(n))
}
