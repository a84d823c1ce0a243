package minicached

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// entry is the stored tuple for one key. The value bytes are owned by the
// engine: mutating operations copy on the way in, reads copy on the way out.
type entry struct {
	value    []byte
	flags    uint32
	expireAt time.Time // zero => never expires
	cas      uint64
}

func (en *entry) expired(now time.Time) bool {
	return !en.expireAt.IsZero() && now.After(en.expireAt)
}

func (en *entry) item() Item {
	return Item{Value: cloneBytes(en.value), Flags: en.flags, CAS: en.cas}
}

// Item is a caller-visible snapshot of an entry. Value never aliases engine
// state. CAS is the entry's current token.
type Item struct {
	Value []byte
	Flags uint32
	CAS   uint64
}

// CASResult is the outcome of a compare-and-swap.
type CASResult int

const (
	CASStored   CASResult = iota // token matched; value replaced
	CASNotFound                  // key absent or expired
	CASExists                    // token mismatch; another writer advanced the entry
)

func (r CASResult) String() string {
	switch r {
	case CASStored:
		return "stored"
	case CASNotFound:
		return "not_found"
	case CASExists:
		return "exists"
	}
	return "unknown"
}

// Engine is a concurrently-accessed map of keys to versioned, expirable
// values. One mutex guards the entry map and the version counters as a unit,
// so expiry can never remove one without the other and every operation is
// totally ordered with respect to every other operation.
//
// Expiry is lazy: an expired entry is removed (together with its version
// counter) on the first access after its deadline, never by a background
// task. A key's tokens therefore restart from 1 after expiry or deletion;
// callers that hold a token across an eviction will simply see a CAS
// conflict or miss.
//
// Hooks always run after the engine lock is released, so an implementation
// may safely call back into the engine.
type Engine struct {
	log   Logger
	hooks Hooks

	now func() time.Time // overridden in tests

	mu       sync.Mutex
	store    map[string]*entry
	versions map[string]uint64 // per-key last-issued CAS token
}

func newEngine(opts Options) *Engine {
	return &Engine{
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:      time.Now,
		store:    make(map[string]*entry),
		versions: make(map[string]uint64),
	}
}

// Set stores value under key, overwriting any previous entry. ttl <= 0 means
// the entry never expires. A new CAS token is always issued.
func (e *Engine) Set(key string, value []byte, flags uint32, ttl time.Duration) {
	e.mu.Lock()
	e.setLocked(key, value, flags, ttl)
	e.mu.Unlock()
}

// Add stores value only if key has no live entry. Reports whether the value
// was stored.
func (e *Engine) Add(key string, value []byte, flags uint32, ttl time.Duration) bool {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	stored := en == nil
	if stored {
		e.setLocked(key, value, flags, ttl)
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return stored
}

// Replace stores value only if key already has a live entry. Reports whether
// the value was stored.
func (e *Engine) Replace(key string, value []byte, flags uint32, ttl time.Duration) bool {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	stored := en != nil
	if stored {
		e.setLocked(key, value, flags, ttl)
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return stored
}

// Get returns a snapshot of the live entry for key. The returned Item carries
// the current CAS token; the protocol layer decides whether to expose it.
func (e *Engine) Get(key string) (Item, bool) {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	var it Item
	ok := en != nil
	if ok {
		it = en.item()
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return it, ok
}

// GetMulti returns snapshots for every requested key with a live entry.
// Absent or expired keys are silently omitted.
func (e *Engine) GetMulti(keys []string) map[string]Item {
	out := make(map[string]Item, len(keys))
	var expired []string
	e.mu.Lock()
	for _, k := range keys {
		en, evicted := e.liveLocked(k)
		if evicted {
			expired = append(expired, k)
		}
		if en != nil {
			out[k] = en.item()
		}
	}
	e.mu.Unlock()
	for _, k := range expired {
		e.hooks.LazyExpired(k)
	}
	return out
}

// Append concatenates value to the end of an existing entry. Flags, expiry
// and the existing CAS token are all kept; only the bytes change. Reports
// false when the key is absent or expired.
func (e *Engine) Append(key string, value []byte) bool {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	ok := en != nil
	if ok {
		en.value = append(en.value, value...)
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return ok
}

// Prepend concatenates value to the front of an existing entry. Same token
// behavior as Append.
func (e *Engine) Prepend(key string, value []byte) bool {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	ok := en != nil
	if ok {
		en.value = append(cloneBytes(value), en.value...)
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return ok
}

// Delete removes key's entry and its version counter. Reports whether a live
// entry was removed.
func (e *Engine) Delete(key string) bool {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	ok := en != nil
	if ok {
		delete(e.store, key)
		delete(e.versions, key)
	}
	e.mu.Unlock()
	e.notifyExpired(key, evicted)
	return ok
}

// Incr adds delta to the unsigned integer stored under key and returns the
// new value. Arithmetic is unsigned 64-bit and saturates at the maximum
// rather than wrapping. The result is stored as its decimal text form via
// the set path, so the CAS token advances and the remaining TTL is
// preserved. Returns ErrNotFound for a missing key and ErrNotNumeric when
// the stored bytes do not parse as an unsigned integer; neither mutates the
// entry.
func (e *Engine) Incr(key string, delta uint64) (uint64, error) {
	return e.applyDelta(key, delta, false)
}

// Decr subtracts delta from the unsigned integer stored under key, flooring
// at zero. Token and TTL behavior match Incr.
func (e *Engine) Decr(key string, delta uint64) (uint64, error) {
	return e.applyDelta(key, delta, true)
}

func (e *Engine) applyDelta(key string, delta uint64, decr bool) (uint64, error) {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	if en == nil {
		e.mu.Unlock()
		e.notifyExpired(key, evicted)
		return 0, ErrNotFound
	}
	cur, err := strconv.ParseUint(string(en.value), 10, 64)
	if err != nil {
		e.mu.Unlock()
		return 0, ErrNotNumeric
	}
	var next uint64
	if decr {
		if delta > cur {
			next = 0
		} else {
			next = cur - delta
		}
	} else {
		next = cur + delta
		if next < cur {
			next = math.MaxUint64
		}
	}
	e.setLocked(key, []byte(strconv.FormatUint(next, 10)), en.flags, e.remaining(en))
	e.mu.Unlock()
	return next, nil
}

// CompareAndSwap replaces key's entry only when token matches the entry's
// current CAS token. The engine-wide lock already serializes writers; the
// token exists so a client that read via gets cannot clobber an update made
// by another client between its read and its write.
func (e *Engine) CompareAndSwap(key string, value []byte, flags uint32, ttl time.Duration, token uint64) CASResult {
	e.mu.Lock()
	en, evicted := e.liveLocked(key)
	if en == nil {
		e.mu.Unlock()
		e.notifyExpired(key, evicted)
		return CASNotFound
	}
	if en.cas != token {
		e.mu.Unlock()
		e.hooks.CASConflict(key)
		return CASExists
	}
	e.setLocked(key, value, flags, ttl)
	e.mu.Unlock()
	return CASStored
}

// FlushAll drops every entry and every version counter. Tokens for all keys
// restart from 1 on the next store.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	n := len(e.store)
	e.store = make(map[string]*entry)
	e.versions = make(map[string]uint64)
	e.mu.Unlock()
	if n > 0 {
		e.log.Debug("flushed all entries", Fields{"dropped": n})
	}
	e.hooks.Flushed(n)
}

// setLocked overwrites key's entry and issues the next CAS token for the key.
// Caller holds e.mu.
func (e *Engine) setLocked(key string, value []byte, flags uint32, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = e.now().Add(ttl)
	}
	e.versions[key]++
	e.store[key] = &entry{
		value:    cloneBytes(value),
		flags:    flags,
		expireAt: exp,
		cas:      e.versions[key],
	}
}

// liveLocked is the single expiry-aware lookup every operation goes through.
// An expired entry is removed from both maps before the key is treated as
// absent. The second result reports that removal so the caller can fire the
// LazyExpired hook once the lock is released. Caller holds e.mu.
func (e *Engine) liveLocked(key string) (*entry, bool) {
	en, ok := e.store[key]
	if !ok {
		return nil, false
	}
	if en.expired(e.now()) {
		delete(e.store, key)
		delete(e.versions, key)
		return nil, true
	}
	return en, false
}

// notifyExpired fires the LazyExpired hook for a key liveLocked just
// removed. Must be called without e.mu held.
func (e *Engine) notifyExpired(key string, evicted bool) {
	if evicted {
		e.hooks.LazyExpired(key)
	}
}

// remaining converts an entry's absolute deadline back into a TTL so the set
// path can re-apply it. Zero for entries that never expire.
func (e *Engine) remaining(en *entry) time.Duration {
	if en.expireAt.IsZero() {
		return 0
	}
	return en.expireAt.Sub(e.now())
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
