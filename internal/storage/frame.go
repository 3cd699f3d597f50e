package storage

// Column is a name and its store type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Frame is an untyped table read, used where the schema is not known up front.
type Frame struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of the named column, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Value returns the cell at row i of the named column.
func (f *Frame) Value(i int, name string) (any, bool) {
	j := f.Index(name)
	if j < 0 || i < 0 || i >= len(f.Rows) {
		return nil, false
	}
	return f.Rows[i][j], true
}
