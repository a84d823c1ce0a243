// Package loghooks turns engine events into log lines on any
// minicached.Logger. Keys are redacted before logging so cache keys
// carrying user identifiers never reach log storage.
package loghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/minicached/minicached"
)

type Options struct {
	// Sampling to avoid floods on hot keys; 0/1 = log all.
	ExpiredEvery  uint64
	ConflictEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    minicached.Logger
	opts Options

	expiredCtr  atomic.Uint64
	conflictCtr atomic.Uint64
}

var _ minicached.Hooks = (*Hooks)(nil)

func New(l minicached.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) LazyExpired(key string) {
	if h.l == nil || !sample(h.opts.ExpiredEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("minicached.lazy_expired", minicached.Fields{
		"key": h.redact(key),
	})
}

func (h *Hooks) CASConflict(key string) {
	if h.l == nil || !sample(h.opts.ConflictEvery, &h.conflictCtr) {
		return
	}
	h.l.Debug("minicached.cas_conflict", minicached.Fields{
		"key": h.redact(key),
	})
}

func (h *Hooks) Flushed(dropped int) {
	if h.l == nil {
		return
	}
	h.l.Info("minicached.flushed", minicached.Fields{
		"dropped": dropped,
	})
}
