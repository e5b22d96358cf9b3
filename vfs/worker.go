package vfs

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// DefaultWatchdogThreshold is the default age at which the watchdog logs a stuck-request
// diagnostic dump. spec.md §9 Open Question: the source hard-codes this;
// this implementation keeps the documented default but makes it tunable.
const DefaultWatchdogThreshold = 10 * time.Second

// activeEntry pairs a request with its start time, so the watchdog can
// read the age of the active list's oldest entry without scanning.
type activeEntry struct {
	req     *Request
	started time.Time
}

// Worker is the per-thread context a VFS procedure runs on: a free-request
// pool, the active-request list the watchdog walks, the cross-thread
// pending-completion queue, and a doorbell (spec.md §4.5, §5 "per-thread
// context object carrying the active list, free-list pools, metrics, and
// the doorbell; no globals").
type Worker struct {
	Name string
	Log  *logrus.Entry

	pool RequestPool

	activeMu sync.Mutex
	active   *list.List // of *activeEntry

	doorbell *Doorbell

	pendingMu sync.Mutex
	pending   []*Request

	WatchdogThreshold time.Duration

	histogramsMu sync.Mutex
	histograms   map[Opcode]prometheus.Histogram
	registry     *prometheus.Registry
}

// NewWorker constructs a Worker. registry may be nil, in which case
// per-opcode histograms are created but never registered for scraping
// (useful in tests).
func NewWorker(name string, log *logrus.Logger, registry *prometheus.Registry) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		Name:              name,
		Log:               log.WithField("worker", name),
		active:            list.New(),
		doorbell:          NewDoorbell(),
		WatchdogThreshold: DefaultWatchdogThreshold,
		histograms:        make(map[Opcode]prometheus.Histogram),
		registry:          registry,
	}
}

// histogramFor returns (creating and registering if necessary) the latency
// histogram for op.
func (w *Worker) histogramFor(op Opcode) prometheus.Histogram {
	w.histogramsMu.Lock()
	defer w.histogramsMu.Unlock()
	h, ok := w.histograms[op]
	if ok {
		return h
	}
	h = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chimera_vfs",
		Subsystem: "request",
		Name:      "latency_seconds",
		Help:      "VFS request latency by opcode, per worker.",
		ConstLabels: prometheus.Labels{
			"worker": w.Name,
			"opcode": op.String(),
		},
		Buckets: prometheus.DefBuckets,
	})
	if w.registry != nil {
		// Registration can fail if called twice for the same labelset;
		// that cannot happen here since histograms is keyed by op, but
		// the error is intentionally ignored to keep Dispatch
		// allocation-free on the hot path.
		_ = w.registry.Register(h)
	}
	w.histograms[op] = h
	return h
}

// AllocRequest implements request_alloc (spec.md §4.5 step 3-5): pop from
// the free list, stamp start time, and push onto the active list. Mount
// resolution and capability checks happen in the caller (the vfsproc
// package), which has access to the mount table; this method only performs
// the thread-local bookkeeping.
func (w *Worker) AllocRequest() *Request {
	r := w.pool.Get()
	r.StartTime = time.Now()
	r.Status = vfserrno.Unset

	w.activeMu.Lock()
	elem := w.active.PushBack(&activeEntry{req: r, started: r.StartTime})
	w.activeMu.Unlock()
	r.activeElem = elem
	return r
}

// FreeRequest removes r from the active list and returns it to the pool.
// Called once per request: by finish after the completion has run, or by
// the procedure layer for a request it never dispatched.
func (w *Worker) FreeRequest(r *Request) {
	if r.activeElem != nil {
		w.activeMu.Lock()
		w.active.Remove(r.activeElem)
		w.activeMu.Unlock()
		r.activeElem = nil
	}
	w.pool.Put(r)
}

// Dispatch implements the inline-vs-delegated decision of spec.md §4.5
// step 2. For a CapBlocking module it rewrites Complete into a trampoline
// that marshals the completion back to w and hands the request to sched
// (the delegation-thread sharding function); non-blocking modules are
// called inline, synchronously, on the calling goroutine.
func (w *Worker) Dispatch(r *Request, sched func(*Request)) {
	desc := r.Module.Descriptor()
	if !desc.Caps.Has(CapBlocking) {
		r.originalComplete = r.Complete
		r.Complete = func(req *Request) {
			req.Complete = req.originalComplete
			req.originalComplete = nil
			w.finish(req)
		}
		r.Module.Dispatch(r, r.ThreadPriv)
		return
	}

	r.originalComplete = r.Complete
	r.Complete = func(req *Request) {
		// Called on the delegation thread (or any other goroutine) once
		// the module finishes; marshal back to the originating worker.
		w.postCompletion(req)
	}
	sched(r)
}

// postCompletion appends r to the pending-completion list and rings the
// doorbell (spec.md §4.5 "Cross-thread completion").
func (w *Worker) postCompletion(r *Request) {
	w.pendingMu.Lock()
	w.pending = append(w.pending, r)
	w.pendingMu.Unlock()
	w.doorbell.Ring()
}

// CompleteInline is called by a non-blocking module, or by vfsproc for a
// synchronous procedure, to run the saved completion directly on the
// current goroutine (spec.md §4.5 "Inline completion").
func (w *Worker) CompleteInline(r *Request) {
	w.finish(r)
}

// Doorbell exposes the worker's doorbell so an event loop can select on it.
func (w *Worker) Doorbell() *Doorbell { return w.doorbell }

// DrainCompletions runs every pending cross-thread completion on the
// calling goroutine (which must be w's owning goroutine) and is called
// whenever the doorbell rings (spec.md §4.5 "doorbell handler drains
// pending_complete_requests").
func (w *Worker) DrainCompletions() {
	w.pendingMu.Lock()
	batch := w.pending
	w.pending = nil
	w.pendingMu.Unlock()

	for _, r := range batch {
		complete := r.originalComplete
		r.originalComplete = nil
		r.Complete = complete
		w.finish(r)
	}
}

// finish updates the latency histogram, logs the completion trace, invokes
// the saved completion, and frees the request (spec.md §4.5 "complete must
// update the latency histogram, dump a debug trace, invoke the protocol
// callback, and return the request to the free list").
func (w *Worker) finish(r *Request) {
	if r.Status == vfserrno.Unset {
		// spec.md §8 property 10 / §4.5 "UNSET at completion is a bug".
		r.Status = vfserrno.EIO
		w.Log.WithFields(logrus.Fields{
			"opcode": r.Opcode.String(),
			"fh":     r.FH.String(),
		}).Error("module completed request with status UNSET")
	}

	elapsed := time.Since(r.StartTime)
	w.histogramFor(r.Opcode).Observe(elapsed.Seconds())

	w.Log.WithFields(logrus.Fields{
		"op":      r.Opcode.String(),
		"fh":      r.FH.String(),
		"elapsed": elapsed,
		"status":  r.Status.String(),
	}).Debug("request complete")

	if r.Complete != nil {
		r.Complete(r)
	}
	w.FreeRequest(r)
}

// CheckWatchdog inspects the oldest active request and logs a diagnostic
// dump if it has been outstanding longer than WatchdogThreshold (spec.md
// §4.5 "Watchdog"). It is observability-only: it never mutates the
// request or forces completion (spec.md §5 "the core has no explicit
// cancellation").
func (w *Worker) CheckWatchdog(now time.Time) {
	w.activeMu.Lock()
	front := w.active.Front()
	var entry *activeEntry
	if front != nil {
		entry = front.Value.(*activeEntry)
	}
	w.activeMu.Unlock()

	if entry == nil {
		return
	}
	age := now.Sub(entry.started)
	if age < w.WatchdogThreshold {
		return
	}
	w.Log.WithFields(logrus.Fields{
		"op":  entry.req.Opcode.String(),
		"fh":  entry.req.FH.String(),
		"age": age,
	}).Warn("watchdog: stuck request")
}
