// Package sheet defines the spreadsheet capability consumed by the
// action pipeline: cell/range locators, the workbook data model, and
// the Mutator interface the executor drives. The package also ships an
// in-memory workbook (see memory.go) that backs tests and standalone
// operation; a bridge to a live spreadsheet application implements the
// same interface.
package sheet

import "context"

// Cell holds the content of a single cell.
type Cell struct {
	// Value is the displayed value.
	Value string `json:"value,omitempty"`
	// Formula is the formula text, if the cell is formula-driven.
	Formula string `json:"formula,omitempty"`
	// Format is an opaque format descriptor (e.g. "bold", "#,##0.00").
	Format string `json:"format,omitempty"`
}

// Chart describes a chart anchored to a sheet.
type Chart struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // bar, line, pie, scatter
	DataRange string `json:"data_range"`
	Title     string `json:"title,omitempty"`
}

// Pivot describes a pivot table anchored to a sheet.
type Pivot struct {
	ID          string `json:"id"`
	SourceRange string `json:"source_range"`
	RowField    string `json:"row_field,omitempty"`
	ColumnField string `json:"column_field,omitempty"`
	ValueField  string `json:"value_field,omitempty"`
}

// SheetData represents structured data for a single sheet.
type SheetData struct {
	Name string `json:"name"`
	// Cells maps A1-style references to cell contents.
	Cells map[string]Cell `json:"cells,omitempty"`
	// Charts contains charts anchored to the sheet.
	Charts []Chart `json:"charts,omitempty"`
	// Pivots contains pivot tables anchored to the sheet.
	Pivots []Pivot `json:"pivots,omitempty"`
}

// WorkbookData represents the workbook-level container with per-sheet
// data, in sheet tab order.
type WorkbookData struct {
	// BookName is the workbook file name (no path).
	BookName string `json:"book_name"`
	// Sheets holds the sheets in tab order.
	Sheets []*SheetData `json:"sheets"`
}

// Mutator is the cell-mutation capability the executor drives. All
// operations address cells with A1-style references. Implementations
// are not required to be safe for concurrent use; the pipeline
// serializes access.
type Mutator interface {
	// CellValue returns the current value of one cell. Unset cells
	// read as the empty string.
	CellValue(ctx context.Context, sheetName, ref string) (string, error)
	// SetCell writes a cell value, clearing any formula.
	SetCell(ctx context.Context, sheetName, ref, value string) error
	// Formula returns the formula text of one cell ("" if none).
	Formula(ctx context.Context, sheetName, ref string) (string, error)
	// SetFormula writes a formula to a cell.
	SetFormula(ctx context.Context, sheetName, ref, formula string) error

	// RangeValues returns the values of a rectangular range in
	// row-major order.
	RangeValues(ctx context.Context, sheetName, rng string) ([][]string, error)
	// SetRangeValues writes a rectangular range in row-major order.
	// The value shape must match the range shape.
	SetRangeValues(ctx context.Context, sheetName, rng string, values [][]string) error
	// RangeFormats returns the format descriptors of a range.
	RangeFormats(ctx context.Context, sheetName, rng string) ([][]string, error)
	// SetRangeFormats writes format descriptors onto a range.
	SetRangeFormats(ctx context.Context, sheetName, rng string, formats [][]string) error
	// SortRange stably sorts the rows of a range by the given
	// zero-based key column within the range.
	SortRange(ctx context.Context, sheetName, rng string, keyColumn int, ascending bool) error

	// SheetNames lists sheets in tab order.
	SheetNames(ctx context.Context) ([]string, error)
	// CreateSheet appends a new empty sheet.
	CreateSheet(ctx context.Context, name string) error
	// RemoveSheet deletes a sheet and everything on it.
	RemoveSheet(ctx context.Context, name string) error
	// RenameSheet renames a sheet in place.
	RenameSheet(ctx context.Context, oldName, newName string) error

	// AddChart anchors a chart to a sheet.
	AddChart(ctx context.Context, sheetName string, chart Chart) error
	// RemoveChart deletes a chart by id.
	RemoveChart(ctx context.Context, sheetName, chartID string) error
	// AddPivot anchors a pivot table to a sheet.
	AddPivot(ctx context.Context, sheetName string, pivot Pivot) error
	// RemovePivot deletes a pivot table by id.
	RemovePivot(ctx context.Context, sheetName, pivotID string) error
}
