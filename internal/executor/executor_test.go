package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/sheet"
)

func testExecutor(t *testing.T) (*Executor, *sheet.Memory) {
	t.Helper()
	mem := sheet.NewMemory("book.json")
	return New(mem, slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func apply(t *testing.T, x *Executor, a action.Action) ledger.Entry {
	t.Helper()
	e, err := x.Apply(context.Background(), "conv-1", 1, a)
	if err != nil {
		t.Fatalf("apply %s: %v", a.Kind, err)
	}
	return e
}

func TestWriteCellRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	mem.SetCell(ctx, "Sheet1", "A1", "before")

	e := apply(t, x, action.Action{
		Kind:      action.KindWriteCell,
		Sheet:     "Sheet1",
		WriteCell: &action.WriteCell{Ref: "A1", Value: "after"},
	})
	if e.OldValue != "before" {
		t.Errorf("old value = %q, want %q", e.OldValue, "before")
	}
	if e.Target != "A1" {
		t.Errorf("target = %q, want A1", e.Target)
	}
	if v, _ := mem.CellValue(ctx, "Sheet1", "A1"); v != "after" {
		t.Errorf("cell = %q, want %q", v, "after")
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if v, _ := mem.CellValue(ctx, "Sheet1", "A1"); v != "before" {
		t.Errorf("after revert cell = %q, want %q", v, "before")
	}
}

// A value write over a formula cell must restore the formula on undo,
// not just the displayed value.
func TestWriteCellRestoresFormula(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	// A formula cell carrying a cached value: both must survive the
	// write/revert round trip.
	mem.SetCell(ctx, "Sheet1", "B2", "10")
	mem.SetFormula(ctx, "Sheet1", "B2", "=SUM(A1:A5)")

	e := apply(t, x, action.Action{
		Kind:      action.KindWriteCell,
		Sheet:     "Sheet1",
		WriteCell: &action.WriteCell{Ref: "B2", Value: "42"},
	})
	if f, _ := mem.Formula(ctx, "Sheet1", "B2"); f != "" {
		t.Errorf("write should clear the formula, got %q", f)
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if v, _ := mem.CellValue(ctx, "Sheet1", "B2"); v != "10" {
		t.Errorf("after revert value = %q, want 10", v)
	}
	if f, _ := mem.Formula(ctx, "Sheet1", "B2"); f != "=SUM(A1:A5)" {
		t.Errorf("after revert formula = %q, want =SUM(A1:A5)", f)
	}
}

func TestApplyFormulaRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	mem.SetCell(ctx, "Sheet1", "C1", "plain")

	e := apply(t, x, action.Action{
		Kind:         action.KindApplyFormula,
		Sheet:        "Sheet1",
		ApplyFormula: &action.ApplyFormula{Ref: "C1", Formula: "=A1*2"},
	})
	if f, _ := mem.Formula(ctx, "Sheet1", "C1"); f != "=A1*2" {
		t.Errorf("formula = %q, want =A1*2", f)
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if f, _ := mem.Formula(ctx, "Sheet1", "C1"); f != "" {
		t.Errorf("after revert formula = %q, want empty", f)
	}
	if v, _ := mem.CellValue(ctx, "Sheet1", "C1"); v != "plain" {
		t.Errorf("after revert value = %q, want %q", v, "plain")
	}
}

func TestCreateSheetRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	e := apply(t, x, action.Action{
		Kind:        action.KindCreateSheet,
		CreateSheet: &action.CreateSheet{Name: "Budget"},
	})
	names, _ := mem.SheetNames(ctx)
	if len(names) != 2 {
		t.Fatalf("got %d sheets, want 2", len(names))
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	names, _ = mem.SheetNames(ctx)
	if len(names) != 1 || names[0] != "Sheet1" {
		t.Errorf("after revert sheets = %v, want [Sheet1]", names)
	}
}

func TestRenameSheetRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	e := apply(t, x, action.Action{
		Kind:        action.KindRenameSheet,
		RenameSheet: &action.RenameSheet{OldName: "Sheet1", NewName: "Data"},
	})
	names, _ := mem.SheetNames(ctx)
	if names[0] != "Data" {
		t.Fatalf("rename did not apply: %v", names)
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	names, _ = mem.SheetNames(ctx)
	if names[0] != "Sheet1" {
		t.Errorf("after revert sheets = %v, want [Sheet1]", names)
	}
}

func TestCreateChartAssignsIDAndReverts(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	e := apply(t, x, action.Action{
		Kind:        action.KindCreateChart,
		Sheet:       "Sheet1",
		CreateChart: &action.CreateChart{Chart: sheet.Chart{Kind: "bar", DataRange: "A1:B5"}},
	})
	if e.Target == "" {
		t.Fatal("chart entry should carry the generated id")
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if err := mem.RemoveChart(ctx, "Sheet1", e.Target); err == nil {
		t.Error("chart should be gone after revert")
	}
}

func TestCreatePivotRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	e := apply(t, x, action.Action{
		Kind:  action.KindCreatePivot,
		Sheet: "Sheet1",
		CreatePivot: &action.CreatePivot{Pivot: sheet.Pivot{
			SourceRange: "A1:C10", RowField: "Region", ValueField: "Sales",
		}},
	})
	if e.Target == "" {
		t.Fatal("pivot entry should carry the generated id")
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if err := mem.RemovePivot(ctx, "Sheet1", e.Target); err == nil {
		t.Error("pivot should be gone after revert")
	}
}

func TestSortRangeRevertRestoresSnapshot(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	mem.SetCell(ctx, "Sheet1", "A1", "10")
	mem.SetCell(ctx, "Sheet1", "A2", "2")
	mem.SetCell(ctx, "Sheet1", "A3", "1")

	e := apply(t, x, action.Action{
		Kind:      action.KindSortRange,
		Sheet:     "Sheet1",
		SortRange: &action.SortRange{Range: "A1:A3", KeyColumn: 0, Ascending: true},
	})
	if v, _ := mem.CellValue(ctx, "Sheet1", "A1"); v != "1" {
		t.Fatalf("sort did not apply, A1 = %q", v)
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	for ref, want := range map[string]string{"A1": "10", "A2": "2", "A3": "1"} {
		if v, _ := mem.CellValue(ctx, "Sheet1", ref); v != want {
			t.Errorf("after revert %s = %q, want %q", ref, v, want)
		}
	}
}

func TestFormatRangeRoundTrip(t *testing.T) {
	x, mem := testExecutor(t)
	ctx := context.Background()

	mem.SetRangeFormats(ctx, "Sheet1", "A1:B1", [][]string{{"bold", ""}})

	e := apply(t, x, action.Action{
		Kind:        action.KindFormatRange,
		Sheet:       "Sheet1",
		FormatRange: &action.FormatRange{Range: "A1:B1", Format: "currency"},
	})
	formats, _ := mem.RangeFormats(ctx, "Sheet1", "A1:B1")
	if formats[0][0] != "currency" || formats[0][1] != "currency" {
		t.Fatalf("format did not apply: %v", formats)
	}

	if err := x.Revert(ctx, e); err != nil {
		t.Fatalf("revert: %v", err)
	}
	formats, _ = mem.RangeFormats(ctx, "Sheet1", "A1:B1")
	if formats[0][0] != "bold" || formats[0][1] != "" {
		t.Errorf("after revert formats = %v, want [[bold ]]", formats)
	}
}

func TestApplyRejectsInvalidAction(t *testing.T) {
	x, _ := testExecutor(t)

	_, err := x.Apply(context.Background(), "conv-1", 1, action.Action{
		Kind:  action.KindWriteCell,
		Sheet: "Sheet1",
	})
	if err == nil {
		t.Error("apply of invalid action should fail")
	}
}

func TestApplyUnknownSheetFails(t *testing.T) {
	x, _ := testExecutor(t)

	_, err := x.Apply(context.Background(), "conv-1", 1, action.Action{
		Kind:      action.KindWriteCell,
		Sheet:     "NoSuchSheet",
		WriteCell: &action.WriteCell{Ref: "A1", Value: "x"},
	})
	if err == nil {
		t.Error("apply against a missing sheet should fail")
	}
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := context.Canceled
	err := &ExecutionError{Index: 2, Cause: cause}
	if got := err.Error(); got != "action 2 failed: context canceled" {
		t.Errorf("message = %q", got)
	}
	if err.Unwrap() != cause {
		t.Error("unwrap should expose the cause")
	}
}
