// usage:
//
// import (
//
//	"go.uber.org/zap"
//
//	"github.com/minicached/minicached"
//	zaplog "github.com/minicached/minicached/log/zap"
//	"github.com/minicached/minicached/hooks/async"
//	"github.com/minicached/minicached/loghooks"
//
// )
//
//	logger := zaplog.ZapLogger{L: zap.L()}
//	raw := loghooks.New(logger, loghooks.Options{
//	    ExpiredEvery:  10, // sample logs: ~every 10th lazy expiry
//	    ConflictEvery: 1,  // log every CAS conflict
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	engine := minicached.New(minicached.Options{
//	    Logger: logger,
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/minicached/minicached"
)

type Hooks struct {
	inner minicached.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ minicached.Hooks = (*Hooks)(nil)

func New(inner minicached.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) LazyExpired(k string) { h.try(func() { h.inner.LazyExpired(k) }) }
func (h *Hooks) CASConflict(k string) { h.try(func() { h.inner.CASConflict(k) }) }
func (h *Hooks) Flushed(dropped int)  { h.try(func() { h.inner.Flushed(dropped) }) }
