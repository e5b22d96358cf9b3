// Package vfsproc is the VFS procedure layer (spec.md §4.6): it wires the
// mount table, the open-handle cache, the attribute/name caches, and the
// worker/delegation-thread dispatch model into the named set of
// operations every protocol front-end calls.
//
// Every exported method here follows the same five-step shape (spec.md
// §4.6): allocate a request, populate its opcode-specific argument
// substructure, set complete, dispatch, and on completion translate the
// module's result. The synchronous method signature (returning a result
// and an error instead of taking a callback) is this package's adaptation
// of spec.md §6.2's callback contract to a blocking Go call: the calling
// goroutine parks on a channel that the request's completion closes,
// exactly the "suspension point" spec.md §5 describes for a synchronous
// caller waiting on a possibly cross-thread completion.
package vfsproc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chimera-nas/chimera-sub003/cache"
	"github.com/chimera-nas/chimera-sub003/fh"
	"github.com/chimera-nas/chimera-sub003/mount"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// Config tunes the procedure layer's worker/cache/sweep parameters
// (spec.md §6.4/§9 tunables, SPEC_FULL.md §A configuration).
type Config struct {
	NumWorkers           int
	NumDelegationThreads int
	AttrCacheTTL         time.Duration
	AttrCacheSize        int
	NameCacheTTL         time.Duration
	NameCacheSize        int
	CloseSweepInterval   time.Duration
	CloseMinAge          time.Duration
	WatchdogInterval     time.Duration
}

// DefaultConfig returns the tunables the source hard-codes as constants
// (spec.md §9 Open Question: made runtime-tunable here).
func DefaultConfig() Config {
	return Config{
		NumWorkers:           4,
		NumDelegationThreads: 4,
		AttrCacheTTL:         2 * time.Second,
		AttrCacheSize:        65536,
		NameCacheTTL:         2 * time.Second,
		NameCacheSize:        65536,
		CloseSweepInterval:   100 * time.Microsecond,
		CloseMinAge:          100 * time.Millisecond,
		WatchdogInterval:     time.Second,
	}
}

// VFS is the assembled procedure layer: the single object a front-end
// (NFS/SMB/9P/whatever protocol server) talks to.
type VFS struct {
	cfg Config
	log *logrus.Entry

	table     *mount.Table
	pathCache *cache.OpenHandleCache
	fileCache *cache.OpenHandleCache
	attrCache *cache.AttrCache
	nameCache *cache.NameCache

	registry *prometheus.Registry

	modulesMu sync.RWMutex
	modules   map[string]vfs.Module

	fsidCounter uint64

	workers    []*vfs.Worker
	nextWorker uint64

	delegation []*vfs.DelegationThread

	tprivMu sync.Mutex
	tpriv   map[tprivKey]vfs.ThreadPrivate

	stop chan struct{}
	eg   *errgroup.Group
}

type tprivKey struct {
	worker  int
	mountID fh.MountID
}

// New assembles a VFS procedure layer. The root pseudo-module is not
// mounted here: callers register it like any other module and Mount it at
// "/" (spec.md §4.7 "registered as the first mount").
func New(cfg Config, log *logrus.Logger) *VFS {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.NumDelegationThreads < 1 {
		cfg.NumDelegationThreads = 1
	}

	v := &VFS{
		cfg:       cfg,
		log:       log.WithField("component", "vfsproc"),
		table:     mount.NewTable(),
		pathCache: cache.NewOpenHandleCache(cache.CachePath),
		fileCache: cache.NewOpenHandleCache(cache.CacheFile),
		attrCache: cache.NewAttrCache(cfg.AttrCacheTTL, cfg.AttrCacheSize),
		nameCache: cache.NewNameCache(cfg.NameCacheTTL, cfg.NameCacheSize),
		modules:   make(map[string]vfs.Module),
		tpriv:     make(map[tprivKey]vfs.ThreadPrivate),
		registry:  prometheus.NewRegistry(),
		stop:      make(chan struct{}),
		eg:        new(errgroup.Group),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		v.workers = append(v.workers, vfs.NewWorker(fmt.Sprintf("worker-%d", i), log, v.registry))
	}
	for i := 0; i < cfg.NumDelegationThreads; i++ {
		v.delegation = append(v.delegation, vfs.NewDelegationThread(fmt.Sprintf("delegation-%d", i), log))
	}

	for _, w := range v.workers {
		w := w
		v.eg.Go(func() error {
			v.runEventLoop(w)
			return nil
		})
	}
	return v
}

// runEventLoop is a worker's cooperative event loop: it drains cross-thread
// completions when the doorbell rings and checks the watchdog on a timer
// (spec.md §5 "parallel worker threads, each running a cooperative event
// loop (doorbells and timers)").
func (v *VFS) runEventLoop(w *vfs.Worker) {
	ticker := time.NewTicker(v.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-w.Doorbell().Chan():
			w.DrainCompletions()
		case now := <-ticker.C:
			w.CheckWatchdog(now)
		}
	}
}

// runCloseSweep periodically sweeps both open-handle caches for deferred
// closes (spec.md §4.3 defer_close_sweep).
func (v *VFS) runCloseSweep() {
	ticker := time.NewTicker(v.cfg.CloseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case now := <-ticker.C:
			v.sweepOnce(now)
		}
	}
}

func (v *VFS) sweepOnce(now time.Time) {
	for _, oc := range []*cache.OpenHandleCache{v.pathCache, v.fileCache} {
		for _, evicted := range oc.SweepDeferredClose(now, v.cfg.CloseMinAge) {
			v.log.WithField("token", evicted.Token).Debug("deferred close")
			if evicted.Close != nil {
				evicted.Close(evicted.Token)
			}
		}
	}
}

// Start launches the background close sweeper. Call once after
// registering modules and mounting the root.
func (v *VFS) Start() {
	v.eg.Go(func() error {
		v.runCloseSweep()
		return nil
	})
}

// Shutdown stops every worker event loop, delegation thread, and the
// close sweeper, and blocks until they have all exited (golang.org/x/sync/errgroup
// coordinates the join instead of a bare sync.WaitGroup, matching the rest
// of the pool's worker-group idiom).
func (v *VFS) Shutdown() {
	close(v.stop)
	for _, d := range v.delegation {
		d.Shutdown()
	}
	_ = v.eg.Wait()
}

// Registry returns the Prometheus registry every worker's per-opcode
// latency histograms are registered against, for an external collaborator
// to scrape (SPEC_FULL.md §A.5; exporting it over HTTP is the telemetry
// backend's job, out of scope here).
func (v *VFS) Registry() *prometheus.Registry {
	return v.registry
}

// Table returns the mount table backing this VFS instance. The root
// pseudo-module (rootmod.New) needs a direct reference to enumerate live
// mounts; everything else should go through Mount/Umount/LookupAt instead
// of touching the table directly.
func (v *VFS) Table() *mount.Table {
	return v.table
}

// RegisterModule makes a back-end module available to Mount by name.
func (v *VFS) RegisterModule(m vfs.Module) error {
	name := m.Descriptor().Name
	v.modulesMu.Lock()
	defer v.modulesMu.Unlock()
	if _, exists := v.modules[name]; exists {
		return fmt.Errorf("vfsproc: module %q already registered", name)
	}
	v.modules[name] = m
	return nil
}

func (v *VFS) lookupModule(name string) (vfs.Module, bool) {
	v.modulesMu.RLock()
	defer v.modulesMu.RUnlock()
	m, ok := v.modules[name]
	return m, ok
}

// pickWorker round-robins across the worker pool. Worker choice only
// decides where completions land; it has no bearing on delegation-thread
// serialization (spec.md §4.8).
func (v *VFS) pickWorker() *vfs.Worker {
	i := atomic.AddUint64(&v.nextWorker, 1)
	return v.workers[i%uint64(len(v.workers))]
}

func (v *VFS) workerIndex(w *vfs.Worker) int {
	for i, cand := range v.workers {
		if cand == w {
			return i
		}
	}
	return -1
}

// threadPrivFor returns the (worker, mount) thread-private state, calling
// Module.ThreadInit the first time this pair is seen (spec.md §6.1
// thread_init "per-thread state"). Keyed per mount rather than per module
// name: two mounts of the same module type carry distinct module_private
// values and must not share a thread_private.
func (v *VFS) threadPrivFor(w *vfs.Worker, rec *mount.Record) (vfs.ThreadPrivate, error) {
	key := tprivKey{worker: v.workerIndex(w), mountID: rec.MountID}

	v.tprivMu.Lock()
	defer v.tprivMu.Unlock()
	if tp, ok := v.tpriv[key]; ok {
		return tp, nil
	}
	tp, err := rec.Module.ThreadInit(rec.ModulePrivate)
	if err != nil {
		return nil, err
	}
	v.tpriv[key] = tp
	return tp, nil
}

// schedule is the delegation-thread sharding function passed to
// Worker.Dispatch (spec.md §4.5 "shard by fh_hash mod
// num_delegation_threads").
func (v *VFS) schedule(r *vfs.Request) {
	idx := vfs.ShardFor(r.FHHash, len(v.delegation))
	v.delegation[idx].Enqueue(r)
}

// dispatchSync runs the five-step procedure shape synchronously: allocate,
// populate (via fill), dispatch, wait for completion, and hand the
// completed request to extract before freeing it for reuse. It is the one
// place spec.md §4.6's "allocate / populate / set complete / dispatch /
// translate" sequence lives, shared by every operation below.
func (v *VFS) dispatchSync(ctx context.Context, op vfs.Opcode, mountID fh.MountID, targetFH fh.Handle, cred vfs.Credentials, fill func(*vfs.Request) error, extract func(*vfs.Request)) vfserrno.Status {
	rec := v.table.Lookup(mountID)
	if rec == nil {
		return vfserrno.ESTALE
	}

	w := v.pickWorker()
	req := w.AllocRequest()
	req.Opcode = op
	req.Module = rec.Module
	req.MountID = mountID
	req.Cred = cred
	req.FH = targetFH
	if targetFH != nil {
		req.FHHash = fh.HashForSharding(targetFH)
	}

	tp, err := v.threadPrivFor(w, rec)
	if err != nil {
		w.FreeRequest(req)
		return vfserrno.EIO
	}
	req.ThreadPriv = tp

	if fill != nil {
		if err := fill(req); err != nil {
			w.FreeRequest(req)
			return vfserrno.EINVAL
		}
	}

	done := make(chan struct{})
	var status vfserrno.Status
	req.Complete = func(r *vfs.Request) {
		status = r.Status
		if extract != nil {
			extract(r)
		}
		close(done)
	}

	w.Dispatch(req, v.schedule)

	select {
	case <-done:
	case <-ctx.Done():
		// spec.md §5 "the core has no explicit cancellation": the
		// request still runs to completion, and this call keeps waiting
		// for it, since the completion writes status and extract's
		// results into this call's variables.
		<-done
	}
	return status
}
