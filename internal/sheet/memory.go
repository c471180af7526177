package sheet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Memory is an in-memory workbook implementing Mutator. It optionally
// persists itself to a JSON file after every mutation, which is the
// standalone-operation mode and the durability story for tests and
// development. A mutex serializes access; the pipeline is single-turn
// but the web surface may read concurrently.
type Memory struct {
	mu   sync.Mutex
	data WorkbookData
	path string // "" disables persistence
}

// NewMemory creates an empty workbook with a single default sheet.
func NewMemory(bookName string) *Memory {
	return &Memory{
		data: WorkbookData{
			BookName: bookName,
			Sheets: []*SheetData{
				{Name: "Sheet1", Cells: make(map[string]Cell)},
			},
		},
	}
}

// OpenFile loads a workbook from a JSON file, creating a fresh workbook
// if the file does not exist yet. Subsequent mutations are written back
// to the same path.
func OpenFile(path string) (*Memory, error) {
	m := NewMemory(filepath.Base(path))
	m.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	if err := json.Unmarshal(data, &m.data); err != nil {
		return nil, fmt.Errorf("parse workbook %s: %w", path, err)
	}
	for _, s := range m.data.Sheets {
		if s.Cells == nil {
			s.Cells = make(map[string]Cell)
		}
	}
	return m, nil
}

// flush writes the workbook back to disk when a path is configured.
// Callers hold m.mu.
func (m *Memory) flush() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&m.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *Memory) sheet(name string) (*SheetData, error) {
	for _, s := range m.data.Sheets {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("sheet %q not found", name)
}

// CellValue implements Mutator.
func (m *Memory) CellValue(ctx context.Context, sheetName, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return "", err
	}
	if _, _, err := ParseCellRef(ref); err != nil {
		return "", err
	}
	return s.Cells[normRef(ref)].Value, nil
}

// SetCell implements Mutator.
func (m *Memory) SetCell(ctx context.Context, sheetName, ref, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	if _, _, err := ParseCellRef(ref); err != nil {
		return err
	}
	key := normRef(ref)
	c := s.Cells[key]
	c.Value = value
	c.Formula = ""
	if c == (Cell{}) {
		delete(s.Cells, key)
	} else {
		s.Cells[key] = c
	}
	return m.flush()
}

// Formula implements Mutator.
func (m *Memory) Formula(ctx context.Context, sheetName, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return "", err
	}
	return s.Cells[normRef(ref)].Formula, nil
}

// SetFormula implements Mutator.
func (m *Memory) SetFormula(ctx context.Context, sheetName, ref, formula string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	if _, _, err := ParseCellRef(ref); err != nil {
		return err
	}
	key := normRef(ref)
	c := s.Cells[key]
	c.Formula = formula
	s.Cells[key] = c
	return m.flush()
}

// RangeValues implements Mutator.
func (m *Memory) RangeValues(ctx context.Context, sheetName, rng string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return nil, err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return nil, err
	}
	values := make([][]string, r.Rows())
	for row := 0; row < r.Rows(); row++ {
		values[row] = make([]string, r.Cols())
		for col := 0; col < r.Cols(); col++ {
			ref := FormatCellRef(r.StartCol+col, r.StartRow+row)
			values[row][col] = s.Cells[ref].Value
		}
	}
	return values, nil
}

// SetRangeValues implements Mutator.
func (m *Memory) SetRangeValues(ctx context.Context, sheetName, rng string, values [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return err
	}
	if len(values) != r.Rows() {
		return fmt.Errorf("range %s expects %d rows, got %d", rng, r.Rows(), len(values))
	}
	for row := range values {
		if len(values[row]) != r.Cols() {
			return fmt.Errorf("range %s expects %d columns, got %d in row %d", rng, r.Cols(), len(values[row]), row)
		}
		for col := range values[row] {
			ref := FormatCellRef(r.StartCol+col, r.StartRow+row)
			c := s.Cells[ref]
			c.Value = values[row][col]
			c.Formula = ""
			if c == (Cell{}) {
				delete(s.Cells, ref)
			} else {
				s.Cells[ref] = c
			}
		}
	}
	return m.flush()
}

// RangeFormats implements Mutator.
func (m *Memory) RangeFormats(ctx context.Context, sheetName, rng string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return nil, err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return nil, err
	}
	formats := make([][]string, r.Rows())
	for row := 0; row < r.Rows(); row++ {
		formats[row] = make([]string, r.Cols())
		for col := 0; col < r.Cols(); col++ {
			ref := FormatCellRef(r.StartCol+col, r.StartRow+row)
			formats[row][col] = s.Cells[ref].Format
		}
	}
	return formats, nil
}

// SetRangeFormats implements Mutator.
func (m *Memory) SetRangeFormats(ctx context.Context, sheetName, rng string, formats [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return err
	}
	if len(formats) != r.Rows() {
		return fmt.Errorf("range %s expects %d rows, got %d", rng, r.Rows(), len(formats))
	}
	for row := range formats {
		for col := range formats[row] {
			ref := FormatCellRef(r.StartCol+col, r.StartRow+row)
			c := s.Cells[ref]
			c.Format = formats[row][col]
			if c == (Cell{}) {
				delete(s.Cells, ref)
			} else {
				s.Cells[ref] = c
			}
		}
	}
	return m.flush()
}

// SortRange implements Mutator. Rows are compared numerically when both
// key cells parse as numbers, lexically otherwise. The sort is stable
// so equal keys keep their relative order.
func (m *Memory) SortRange(ctx context.Context, sheetName, rng string, keyColumn int, ascending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return err
	}
	if keyColumn < 0 || keyColumn >= r.Cols() {
		return fmt.Errorf("sort key column %d outside range %s", keyColumn, rng)
	}

	rows := make([][]Cell, r.Rows())
	for row := 0; row < r.Rows(); row++ {
		rows[row] = make([]Cell, r.Cols())
		for col := 0; col < r.Cols(); col++ {
			rows[row][col] = s.Cells[FormatCellRef(r.StartCol+col, r.StartRow+row)]
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		less := compareCells(rows[i][keyColumn].Value, rows[j][keyColumn].Value) < 0
		if ascending {
			return less
		}
		return compareCells(rows[j][keyColumn].Value, rows[i][keyColumn].Value) < 0
	})

	for row := 0; row < r.Rows(); row++ {
		for col := 0; col < r.Cols(); col++ {
			ref := FormatCellRef(r.StartCol+col, r.StartRow+row)
			if rows[row][col] == (Cell{}) {
				delete(s.Cells, ref)
			} else {
				s.Cells[ref] = rows[row][col]
			}
		}
	}
	return m.flush()
}

func compareCells(a, b string) int {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// SheetNames implements Mutator.
func (m *Memory) SheetNames(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.data.Sheets))
	for i, s := range m.data.Sheets {
		names[i] = s.Name
	}
	return names, nil
}

// CreateSheet implements Mutator.
func (m *Memory) CreateSheet(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return fmt.Errorf("sheet name is required")
	}
	if _, err := m.sheet(name); err == nil {
		return fmt.Errorf("sheet %q already exists", name)
	}
	m.data.Sheets = append(m.data.Sheets, &SheetData{Name: name, Cells: make(map[string]Cell)})
	return m.flush()
}

// RemoveSheet implements Mutator.
func (m *Memory) RemoveSheet(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.data.Sheets {
		if s.Name == name {
			m.data.Sheets = append(m.data.Sheets[:i], m.data.Sheets[i+1:]...)
			return m.flush()
		}
	}
	return fmt.Errorf("sheet %q not found", name)
}

// RenameSheet implements Mutator.
func (m *Memory) RenameSheet(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newName == "" {
		return fmt.Errorf("sheet name is required")
	}
	if _, err := m.sheet(newName); err == nil {
		return fmt.Errorf("sheet %q already exists", newName)
	}
	s, err := m.sheet(oldName)
	if err != nil {
		return err
	}
	s.Name = newName
	return m.flush()
}

// AddChart implements Mutator.
func (m *Memory) AddChart(ctx context.Context, sheetName string, chart Chart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	if _, err := ParseRange(chart.DataRange); err != nil {
		return fmt.Errorf("chart data range: %w", err)
	}
	s.Charts = append(s.Charts, chart)
	return m.flush()
}

// RemoveChart implements Mutator.
func (m *Memory) RemoveChart(ctx context.Context, sheetName, chartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	for i, c := range s.Charts {
		if c.ID == chartID {
			s.Charts = append(s.Charts[:i], s.Charts[i+1:]...)
			return m.flush()
		}
	}
	return fmt.Errorf("chart %q not found on %s", chartID, sheetName)
}

// AddPivot implements Mutator.
func (m *Memory) AddPivot(ctx context.Context, sheetName string, pivot Pivot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	if _, err := ParseRange(pivot.SourceRange); err != nil {
		return fmt.Errorf("pivot source range: %w", err)
	}
	s.Pivots = append(s.Pivots, pivot)
	return m.flush()
}

// RemovePivot implements Mutator.
func (m *Memory) RemovePivot(ctx context.Context, sheetName, pivotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sheet(sheetName)
	if err != nil {
		return err
	}
	for i, p := range s.Pivots {
		if p.ID == pivotID {
			s.Pivots = append(s.Pivots[:i], s.Pivots[i+1:]...)
			return m.flush()
		}
	}
	return fmt.Errorf("pivot %q not found on %s", pivotID, sheetName)
}

// Excerpt renders a bounded plain-text snapshot of the workbook for
// inclusion in the model context. At most maxCells populated cells per
// sheet are listed, in reference order.
func (m *Memory) Excerpt(maxCells int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxCells <= 0 {
		maxCells = 50
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workbook: %s\n", m.data.BookName)
	for _, s := range m.data.Sheets {
		fmt.Fprintf(&sb, "Sheet %q (%d cells", s.Name, len(s.Cells))
		if len(s.Charts) > 0 {
			fmt.Fprintf(&sb, ", %d charts", len(s.Charts))
		}
		if len(s.Pivots) > 0 {
			fmt.Fprintf(&sb, ", %d pivots", len(s.Pivots))
		}
		sb.WriteString(")\n")

		refs := make([]string, 0, len(s.Cells))
		for ref := range s.Cells {
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(i, j int) bool {
			ci, ri, _ := ParseCellRef(refs[i])
			cj, rj, _ := ParseCellRef(refs[j])
			if ri != rj {
				return ri < rj
			}
			return ci < cj
		})
		if len(refs) > maxCells {
			refs = refs[:maxCells]
		}
		for _, ref := range refs {
			c := s.Cells[ref]
			if c.Formula != "" {
				fmt.Fprintf(&sb, "  %s = %s (%s)\n", ref, c.Formula, c.Value)
			} else {
				fmt.Fprintf(&sb, "  %s = %s\n", ref, c.Value)
			}
		}
	}
	return sb.String()
}

func normRef(ref string) string {
	col, row, err := ParseCellRef(ref)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(ref))
	}
	return FormatCellRef(col, row)
}
