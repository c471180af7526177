package sheet

import (
	"context"
	"path/filepath"
	"testing"
)

func TestParseCellRef(t *testing.T) {
	cases := []struct {
		ref      string
		col, row int
		wantErr  bool
	}{
		{"A1", 0, 0, false},
		{"B2", 1, 1, false},
		{"Z10", 25, 9, false},
		{"AA1", 26, 0, false},
		{"$C$7", 2, 6, false},
		{"a3", 0, 2, false},
		{"1A", 0, 0, true},
		{"A0", 0, 0, true},
		{"", 0, 0, true},
		{"B", 0, 0, true},
	}
	for _, tc := range cases {
		col, row, err := ParseCellRef(tc.ref)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCellRef(%q): expected error", tc.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCellRef(%q): %v", tc.ref, err)
			continue
		}
		if col != tc.col || row != tc.row {
			t.Errorf("ParseCellRef(%q) = (%d, %d), want (%d, %d)", tc.ref, col, row, tc.col, tc.row)
		}
	}
}

func TestFormatCellRefRoundTrip(t *testing.T) {
	for _, ref := range []string{"A1", "B2", "Z99", "AA10", "AZ3", "BA1"} {
		col, row, err := ParseCellRef(ref)
		if err != nil {
			t.Fatalf("ParseCellRef(%q): %v", ref, err)
		}
		if got := FormatCellRef(col, row); got != ref {
			t.Errorf("FormatCellRef(ParseCellRef(%q)) = %q", ref, got)
		}
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("A1:C3")
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	if r.Rows() != 3 || r.Cols() != 3 {
		t.Errorf("A1:C3 = %dx%d, want 3x3", r.Rows(), r.Cols())
	}

	// Reversed corners normalize.
	r, err = ParseRange("C3:A1")
	if err != nil {
		t.Fatalf("ParseRange reversed: %v", err)
	}
	if r.String() != "A1:C3" {
		t.Errorf("normalized range = %q, want A1:C3", r.String())
	}

	// Single cell is a 1x1 range.
	r, err = ParseRange("B2")
	if err != nil {
		t.Fatalf("ParseRange single: %v", err)
	}
	if r.Rows() != 1 || r.Cols() != 1 || r.String() != "B2" {
		t.Errorf("B2 range = %q (%dx%d)", r.String(), r.Rows(), r.Cols())
	}
}

func TestMemoryCellRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	if err := m.SetCell(ctx, "Sheet1", "B2", "42"); err != nil {
		t.Fatalf("SetCell: %v", err)
	}
	got, err := m.CellValue(ctx, "Sheet1", "B2")
	if err != nil {
		t.Fatalf("CellValue: %v", err)
	}
	if got != "42" {
		t.Errorf("B2 = %q, want 42", got)
	}

	// Unset cells read as empty.
	got, err = m.CellValue(ctx, "Sheet1", "Z99")
	if err != nil || got != "" {
		t.Errorf("Z99 = %q, %v, want empty", got, err)
	}

	// Unknown sheet errors.
	if _, err := m.CellValue(ctx, "Nope", "A1"); err == nil {
		t.Error("expected error for unknown sheet")
	}
}

func TestMemorySetCellClearsFormula(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	if err := m.SetFormula(ctx, "Sheet1", "C1", "=SUM(A1:A3)"); err != nil {
		t.Fatalf("SetFormula: %v", err)
	}
	if err := m.SetCell(ctx, "Sheet1", "C1", "7"); err != nil {
		t.Fatalf("SetCell: %v", err)
	}
	f, err := m.Formula(ctx, "Sheet1", "C1")
	if err != nil {
		t.Fatalf("Formula: %v", err)
	}
	if f != "" {
		t.Errorf("formula survived SetCell: %q", f)
	}
}

func TestMemorySortRangeNumeric(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	// Two columns: key, label. Numeric keys must not sort lexically.
	rows := [][]string{{"10", "ten"}, {"2", "two"}, {"1", "one"}}
	if err := m.SetRangeValues(ctx, "Sheet1", "A1:B3", rows); err != nil {
		t.Fatalf("SetRangeValues: %v", err)
	}
	if err := m.SortRange(ctx, "Sheet1", "A1:B3", 0, true); err != nil {
		t.Fatalf("SortRange: %v", err)
	}

	got, err := m.RangeValues(ctx, "Sheet1", "A1:B3")
	if err != nil {
		t.Fatalf("RangeValues: %v", err)
	}
	want := [][]string{{"1", "one"}, {"2", "two"}, {"10", "ten"}}
	for i := range want {
		if got[i][0] != want[i][0] || got[i][1] != want[i][1] {
			t.Errorf("row %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMemorySortRangeDescending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	if err := m.SetRangeValues(ctx, "Sheet1", "A1:A3", [][]string{{"b"}, {"c"}, {"a"}}); err != nil {
		t.Fatalf("SetRangeValues: %v", err)
	}
	if err := m.SortRange(ctx, "Sheet1", "A1:A3", 0, false); err != nil {
		t.Fatalf("SortRange: %v", err)
	}
	got, _ := m.RangeValues(ctx, "Sheet1", "A1:A3")
	if got[0][0] != "c" || got[2][0] != "a" {
		t.Errorf("descending sort = %v", got)
	}
}

func TestMemorySheetLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	if err := m.CreateSheet(ctx, "Data"); err != nil {
		t.Fatalf("CreateSheet: %v", err)
	}
	if err := m.CreateSheet(ctx, "Data"); err == nil {
		t.Error("duplicate CreateSheet should fail")
	}
	if err := m.RenameSheet(ctx, "Data", "Numbers"); err != nil {
		t.Fatalf("RenameSheet: %v", err)
	}
	if err := m.RenameSheet(ctx, "Numbers", "Sheet1"); err == nil {
		t.Error("rename onto existing sheet should fail")
	}

	names, err := m.SheetNames(ctx)
	if err != nil {
		t.Fatalf("SheetNames: %v", err)
	}
	if len(names) != 2 || names[1] != "Numbers" {
		t.Errorf("SheetNames = %v", names)
	}

	if err := m.RemoveSheet(ctx, "Numbers"); err != nil {
		t.Fatalf("RemoveSheet: %v", err)
	}
	if err := m.RemoveSheet(ctx, "Numbers"); err == nil {
		t.Error("RemoveSheet twice should fail")
	}
}

func TestMemoryChartsAndPivots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test.json")

	chart := Chart{ID: "ch1", Kind: "bar", DataRange: "A1:B5"}
	if err := m.AddChart(ctx, "Sheet1", chart); err != nil {
		t.Fatalf("AddChart: %v", err)
	}
	if err := m.AddChart(ctx, "Sheet1", Chart{ID: "ch2", Kind: "pie", DataRange: "nope"}); err == nil {
		t.Error("chart with bad range should fail")
	}
	if err := m.RemoveChart(ctx, "Sheet1", "ch1"); err != nil {
		t.Fatalf("RemoveChart: %v", err)
	}
	if err := m.RemoveChart(ctx, "Sheet1", "ch1"); err == nil {
		t.Error("RemoveChart twice should fail")
	}

	pivot := Pivot{ID: "pv1", SourceRange: "A1:C10", RowField: "A", ValueField: "C"}
	if err := m.AddPivot(ctx, "Sheet1", pivot); err != nil {
		t.Fatalf("AddPivot: %v", err)
	}
	if err := m.RemovePivot(ctx, "Sheet1", "pv1"); err != nil {
		t.Fatalf("RemovePivot: %v", err)
	}
}

func TestOpenFilePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "book.json")

	m, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := m.SetCell(ctx, "Sheet1", "A1", "hello"); err != nil {
		t.Fatalf("SetCell: %v", err)
	}
	if err := m.CreateSheet(ctx, "Other"); err != nil {
		t.Fatalf("CreateSheet: %v", err)
	}

	// Reopen and verify the mutation survived.
	m2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := m2.CellValue(ctx, "Sheet1", "A1")
	if err != nil || got != "hello" {
		t.Errorf("A1 after reopen = %q, %v", got, err)
	}
	names, _ := m2.SheetNames(ctx)
	if len(names) != 2 {
		t.Errorf("sheets after reopen = %v", names)
	}
}

func TestExcerptBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("big.json")
	for row := range 100 {
		if err := m.SetCell(ctx, "Sheet1", FormatCellRef(0, row), "x"); err != nil {
			t.Fatalf("SetCell: %v", err)
		}
	}
	excerpt := m.Excerpt(10)
	if excerpt == "" {
		t.Fatal("empty excerpt")
	}
	// 10 cell lines plus workbook and sheet headers.
	lines := 0
	for _, c := range excerpt {
		if c == '\n' {
			lines++
		}
	}
	if lines > 13 {
		t.Errorf("excerpt has %d lines, want bounded", lines)
	}
}
