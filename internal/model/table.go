package model

// Table is a columnar dataset — the shape a workflow target commonly
// passes between steps when the payload is tabular (query results, batch
// records) rather than a single scalar value. Columns names each field;
// Rows holds one slice per row, parallel to Columns.
type Table struct {
	Columns []string
	Rows    [][]any
}
