// Package pool implements the thread-safe, process-shareable cache of
// live application instances: LRU-style idle eviction, per-app and
// global admission control, restart-file detection, and a background
// reaper that evicts instances idle past their TTL.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/passenger-oss/appserver/internal/metrics"
	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/session"
	"github.com/passenger-oss/appserver/internal/spawner"
)

// spawnBackend is the subset of *spawner.Manager the pool depends on.
// Accepting an interface here lets tests exercise the pool's admission
// and eviction logic against a fake spawner instead of a real
// spawn-server subprocess.
type spawnBackend interface {
	Spawn(options *spawner.Options) (*spawner.ApplicationInstance, error)
	Reload(appRoot string) error
	Pid() int
}

const (
	// DefaultGetTimeout bounds how long Get waits for capacity before
	// failing with a "pool busy" error.
	DefaultGetTimeout = 5 * time.Second
	// MaxGetAttempts bounds how many times Get retries after a failed
	// connect() before giving up.
	MaxGetAttempts = 10
	// DefaultMaxIdleTime is how long an instance may sit idle before the
	// reaper evicts it.
	DefaultMaxIdleTime = 5 * time.Minute
	// DefaultStatThrottle caps how often restart-file stats run for a
	// single appRoot.
	DefaultStatThrottle = time.Second
)

// Pool is the scheduler: one coarse mutex guards every state
// transition, with a condition variable used to wake callers blocked
// on admission control.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	apps         map[string]*appEntry
	appCount     map[string]int
	idle         *list.List // of *instanceEntry, front = least recently freed
	restartState map[string]*restartState

	count int // total live instances across all apps

	max              int
	maxPerApp        int
	maxIdleTime      time.Duration
	getTimeout       time.Duration
	statThrottleRate time.Duration

	waiting atomic.Int64

	spawnMgr spawnBackend
	metrics  *metrics.Pool
	log      *logrus.Entry

	reaperCond *sync.Cond
	done       bool
	reaperWG   sync.WaitGroup
}

// Config carries the tunables New needs. Zero values take the
// documented defaults.
type Config struct {
	Max              int
	MaxPerApp        int
	MaxIdleTime      time.Duration
	GetTimeout       time.Duration
	StatThrottleRate time.Duration
	Metrics          *metrics.Pool
	Log              *logrus.Entry
}

// New creates a Pool backed by spawnMgr and starts its reaper
// goroutine. Close must be called to stop it.
func New(spawnMgr spawnBackend, cfg Config) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 6
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultGetTimeout
	}
	if cfg.StatThrottleRate <= 0 {
		cfg.StatThrottleRate = DefaultStatThrottle
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		apps:             make(map[string]*appEntry),
		appCount:         make(map[string]int),
		idle:             list.New(),
		restartState:     make(map[string]*restartState),
		max:              cfg.Max,
		maxPerApp:        cfg.MaxPerApp,
		maxIdleTime:      cfg.MaxIdleTime,
		getTimeout:       cfg.GetTimeout,
		statThrottleRate: cfg.StatThrottleRate,
		spawnMgr:         spawnMgr,
		metrics:          cfg.Metrics,
		log:              cfg.Log.WithField("component", "pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	p.reaperCond = sync.NewCond(&p.mu)

	p.reaperWG.Add(1)
	go p.reapLoop()

	return p
}

// Get returns a Session bound to exactly one live instance of
// options.AppRoot, spawning or evicting as needed. It respects the
// pool's GetTimeout and retries up to MaxGetAttempts times after a
// failed connect.
func (p *Pool) Get(ctx context.Context, options *spawner.Options) (*session.Session, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	appRoot, err := normalizeAppRoot(options.AppRoot)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.getTimeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < MaxGetAttempts; attempt++ {
		ie, err := p.admitLocked(waitCtx, appRoot, options)
		if err != nil {
			return nil, err
		}

		sess, connErr := p.connectLocked(ie)
		if connErr == nil {
			return sess, nil
		}

		p.log.WithError(connErr).WithField("app_root", appRoot).Warn("connect failed, retrying")
		p.removeInstanceLocked(ie)
		if err := ie.inst.Shutdown(); err != nil {
			p.log.WithError(err).WithField("app_root", appRoot).Warn("error shutting down instance after connect failure")
		}
		p.updateMetricsLocked()
	}

	return nil, &perrors.IOError{Op: "pool.Get", Err: fmt.Errorf("exceeded %d get attempts for %s", MaxGetAttempts, appRoot)}
}

// connectLocked performs step 7: bump bookkeeping and dial the
// instance. Held under p.mu per the spec's concurrency model (the
// connect is a local unix-socket dial, expected to be fast).
func (p *Pool) connectLocked(ie *instanceEntry) (*session.Session, error) {
	closeCB := p.closeCallback(ie)
	sess, err := ie.inst.Connect(closeCB)
	if err != nil {
		return nil, err
	}
	p.updateMetricsLocked()
	return sess, nil
}

// closeCallback returns the function a Session runs exactly once on
// close. It holds only a weak (appRoot, appElem) reference, so it is a
// safe no-op if the instance was already evicted.
func (p *Pool) closeCallback(ie *instanceEntry) func() {
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		ae, ok := p.apps[ie.appRoot]
		if !ok {
			return
		}
		// Confirm ie is still actually in ae's list before touching it;
		// it may have been evicted and a different instance may now
		// occupy the same appRoot slot.
		found := false
		for e := ae.instances.Front(); e != nil; e = e.Next() {
			if e == ie.appElem {
				found = true
				break
			}
		}
		if !found {
			return
		}

		if ie.inst.ActiveSessions() == 0 {
			ae.instances.MoveToFront(ie.appElem)
			p.pushIdleLocked(ie)
		}
		p.updateMetricsLocked()
		p.cond.Broadcast()
	}
}

func (p *Pool) updateMetricsLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.InstanceCount.Set(float64(p.count))
	p.metrics.IdleInstances.Set(float64(p.idle.Len()))
	p.metrics.Waiting.Set(float64(p.waiting.Load()))

	active := 0
	for _, ae := range p.apps {
		for e := ae.instances.Front(); e != nil; e = e.Next() {
			active += e.Value.(*instanceEntry).inst.ActiveSessions()
		}
	}
	p.metrics.ActiveSessions.Set(float64(active))
}

// Clear destroys every instance in the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	p.cond.Broadcast()
}

func (p *Pool) clearLocked() {
	for _, ae := range p.apps {
		for e := ae.instances.Front(); e != nil; e = e.Next() {
			ie := e.Value.(*instanceEntry)
			if err := ie.inst.Shutdown(); err != nil {
				p.log.WithError(err).Warn("error shutting down instance during clear")
			}
		}
	}
	p.apps = make(map[string]*appEntry)
	p.appCount = make(map[string]int)
	p.idle = list.New()
	p.restartState = make(map[string]*restartState)
	p.count = 0
	p.updateMetricsLocked()
}

// SetMax changes the global instance cap and wakes any waiters.
func (p *Pool) SetMax(n int) {
	p.mu.Lock()
	p.max = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// SetMaxPerApp changes the per-app instance cap and wakes any waiters.
func (p *Pool) SetMaxPerApp(n int) {
	p.mu.Lock()
	p.maxPerApp = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// SetMaxIdleTime changes the reaper's idle TTL and wakes it so the new
// value takes effect immediately.
func (p *Pool) SetMaxIdleTime(d time.Duration) {
	p.mu.Lock()
	p.maxIdleTime = d
	p.mu.Unlock()
	p.cond.Broadcast()
	p.reaperCond.Broadcast()
}

// GetActive returns the number of instances with at least one open
// session.
func (p *Pool) GetActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, ae := range p.apps {
		for e := ae.instances.Front(); e != nil; e = e.Next() {
			if e.Value.(*instanceEntry).inst.ActiveSessions() > 0 {
				active++
			}
		}
	}
	return active
}

// GetCount returns the total number of live instances.
func (p *Pool) GetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// GetSpawnServerPid returns the spawn server's process id, or 0 if it
// has not been started.
func (p *Pool) GetSpawnServerPid() int {
	return p.spawnMgr.Pid()
}

// String is safe to call whether or not the caller already holds the
// pool's internal state some other way; it takes its own lock.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stringLocked()
}

func (p *Pool) stringLocked() string {
	return fmt.Sprintf("Pool{count=%d, max=%d, maxPerApp=%d, apps=%d, idle=%d, waiting=%d}",
		p.count, p.max, p.maxPerApp, len(p.apps), p.idle.Len(), p.waiting.Load())
}

// Close stops the reaper and destroys every instance.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.reaperCond.Broadcast()
	p.reaperWG.Wait()

	p.mu.Lock()
	p.clearLocked()
	p.mu.Unlock()
	return nil
}
