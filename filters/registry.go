package filters

// Spec describes one filter type available to chain configuration. The
// chain factory instantiates a fresh filter from the spec for each
// stream.
type Spec interface {

	// Name gives the name of the Spec. It is used to identify the
	// filter in chain definitions, and to detect the name of a
	// filter instance at runtime.
	Name() string

	// CreateFilter creates a filter instance for one stream. The
	// returned value must implement DecoderFilter, EncoderFilter, or
	// both. When the args are invalid, it returns
	// ErrInvalidFilterParameters.
	CreateFilter(args []interface{}) (Filter, error)
}

// Filter is a filter instance of either direction. Values returned by
// a Spec implement DecoderFilter, EncoderFilter, or both.
type Filter interface {
	Name() string
}

// Registry used to lookup Spec objects while building filter chains.
type Registry map[string]Spec

// Register adds a filter spec to the registry, overwriting a previous
// spec of the same name.
func (r Registry) Register(s Spec) {
	r[s.Name()] = s
}
