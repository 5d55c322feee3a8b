package serialiser

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/relayhq/agent/internal/model"
)

// columnarWire is the on-the-wire shape for a model.Table: columns
// transposed into per-column arrays rather than per-row, which compresses
// far better for the wide-and-uniform tables that dominate this codec's
// input (batch query results) and lets a reader skip columns it doesn't
// need.
type columnarWire struct {
	Columns []string `cbor:"columns"`
	Data    [][]any  `cbor:"data"`
}

// ColumnarCodec accepts model.Table values, encoding them column-major.
// Registered ahead of OpaqueCodec so tables get the denser layout instead
// of falling through to row-major CBOR.
type ColumnarCodec struct{}

// NewColumnarCodec constructs a ColumnarCodec.
func NewColumnarCodec() *ColumnarCodec {
	return &ColumnarCodec{}
}

func (c *ColumnarCodec) Tag() string { return "columnar" }

func (c *ColumnarCodec) TrySerialise(ctx context.Context, value any) ([]byte, map[string]any, bool, error) {
	table, ok := value.(model.Table)
	if !ok {
		return nil, nil, false, nil
	}
	columns := make([][]any, len(table.Columns))
	for _, row := range table.Rows {
		if len(row) != len(table.Columns) {
			return nil, nil, false, fmt.Errorf("serialiser: columnar row has %d fields, want %d", len(row), len(table.Columns))
		}
		for i, v := range row {
			columns[i] = append(columns[i], v)
		}
	}
	data, err := cbor.Marshal(columnarWire{Columns: table.Columns, Data: columns})
	if err != nil {
		return nil, nil, false, fmt.Errorf("serialiser: encode columnar table: %w", err)
	}
	metadata := map[string]any{"rows": len(table.Rows), "columns": len(table.Columns)}
	return data, metadata, true, nil
}

func (c *ColumnarCodec) Deserialise(ctx context.Context, data []byte, metadata map[string]any) (any, error) {
	var wire columnarWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("serialiser: decode columnar table: %w", err)
	}
	rowCount := 0
	if len(wire.Data) > 0 {
		rowCount = len(wire.Data[0])
	}
	rows := make([][]any, rowCount)
	for r := range rows {
		row := make([]any, len(wire.Columns))
		for c, col := range wire.Data {
			row[c] = col[r]
		}
		rows[r] = row
	}
	return model.Table{Columns: wire.Columns, Rows: rows}, nil
}
