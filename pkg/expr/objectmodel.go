package expr

// LookupContext carries what the parser learned while reading an
// identifier: bracket indices in the order encountered, and whether the
// surrounding expression wants the array length (unary '#') or a bare
// existence check (the exists function) instead of the value itself.
type LookupContext struct {
	Indices    []int32
	WantLength bool
	WantExists bool
	Line       int
	Column     int
}

// ProvideIndex appends a bracket index encountered during parsing.
func (c *LookupContext) ProvideIndex(index int32) {
	c.Indices = append(c.Indices, index)
}

// ObjectModel resolves dotted identifier paths to tagged values. Index
// positions inside the path are marked with '^'; the matching indices are
// in the context. Unknown paths return an error unless the context wants
// existence, in which case Bool(false) is expected.
type ObjectModel interface {
	GetObjectValue(ctx *LookupContext, path string) (Value, error)
}

// Env is the surrounding state an expression may reference.
type Env struct {
	// OM resolves identifiers. A nil OM makes every identifier unknown.
	OM ObjectModel

	// Iterations is the loop iteration count, or negative outside loops.
	Iterations int32

	// LastResult is the result code of the previous command: 0 success,
	// 1 warning, 2 error.
	LastResult int32

	// LineNumber is the current job-file line for error reporting.
	LineNumber int

	// Random draws a number in [0, limit). Injected so evaluation stays
	// deterministic under test; nil falls back to a fixed sequence.
	Random func(limit uint32) uint32

	// OnStackOverflow is invoked when nesting exceeds even the error
	// margin; on hardware this resets the firmware.
	OnStackOverflow func()
}
