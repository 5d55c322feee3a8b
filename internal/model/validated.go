package model

// ValidatedModel wraps a value together with the name of a registered JSON
// schema it must conform to. Targets that declare structured parameters
// (SPEC_FULL.md §13's manifest building) use this to get schema validation
// on the wire instead of trusting caller-supplied JSON blindly.
type ValidatedModel struct {
	Schema string
	Data   any
}
