package minicached

// Hooks lightweight callbacks for high-signal engine events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them on hot paths.
type Hooks interface {
	// An entry was found expired during lookup and removed, together with
	// its version counter.
	LazyExpired(key string)

	// A compare-and-swap was rejected because the supplied token did not
	// match the entry's current token.
	CASConflict(key string)

	// FlushAll dropped the whole store. dropped is the entry count cleared.
	Flushed(dropped int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) LazyExpired(string) {}
func (NopHooks) CASConflict(string) {}
func (NopHooks) Flushed(int)        {}
