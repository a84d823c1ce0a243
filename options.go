package minicached

// Options tune the behavior of the engine. All fields are optional.
type Options struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

// New constructs a ready-to-use Engine. The zero Options value is valid.
func New(opts Options) *Engine {
	return newEngine(opts)
}
