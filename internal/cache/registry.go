package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Global is the process-global cache namespace, mirroring the source's
// single shared instance.
var Global = New("global", nil)

// Registry owns the named, swept Cache instances created via Create.
type Registry struct {
	mu        sync.Mutex
	caches    map[string]*Cache
	cron      *cron.Cron
	startOnce sync.Once
}

// NewRegistry builds an empty named-cache registry backed by one cron
// scheduler for every instance's sweep job.
func NewRegistry() *Registry {
	return &Registry{
		caches: make(map[string]*Cache),
		cron:   cron.New(),
	}
}

// Create returns a named Cache instance, starting its periodic sweep
// (sweepPeriod > 0) with a jittered first run in [0, sweepPeriod) to
// desynchronise workers (§4.3).
func (r *Registry) Create(name string, sweepPeriod time.Duration, enabled Enabled) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[name]; ok {
		return c
	}
	c := New(name, enabled)
	r.caches[name] = c

	if sweepPeriod > 0 {
		r.scheduleSweep(c, sweepPeriod)
	}
	return c
}

func (r *Registry) scheduleSweep(c *Cache, period time.Duration) {
	jitter := jitterDuration(period)
	time.AfterFunc(jitter, func() {
		c.Sweep(time.Now())
		spec := "@every " + period.String()
		_, _ = r.cron.AddFunc(spec, func() { c.Sweep(time.Now()) })
	})
}

// Start begins the cron scheduler driving every registered sweep job.
// Safe to call more than once; only the first call starts the scheduler.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.cron.Start()
		go func() {
			<-ctx.Done()
			stopCtx := r.cron.Stop()
			<-stopCtx.Done()
		}()
	})
}

func jitterDuration(period time.Duration) time.Duration {
	if period <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(period)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
