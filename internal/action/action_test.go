package action

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseWriteCell(t *testing.T) {
	a, err := Parse("write_cell", json.RawMessage(`{"sheet":"Budget","ref":"B2","value":"42"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind != KindWriteCell {
		t.Errorf("Kind = %q", a.Kind)
	}
	if a.Sheet != "Budget" || a.WriteCell.Ref != "B2" || a.WriteCell.Value != "42" {
		t.Errorf("payload = %+v", a)
	}
}

func TestParseDefaultsSheet(t *testing.T) {
	a, err := Parse("write_cell", json.RawMessage(`{"ref":"A1","value":"x"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Sheet != "Sheet1" {
		t.Errorf("Sheet = %q, want Sheet1", a.Sheet)
	}

	// create_sheet carries its name in the payload, no sheet default.
	a, err = Parse("create_sheet", json.RawMessage(`{"name":"Data"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Sheet != "" {
		t.Errorf("create_sheet Sheet = %q, want empty", a.Sheet)
	}
}

func TestParseSortRangeDefaultsAscending(t *testing.T) {
	a, err := Parse("sort_range", json.RawMessage(`{"sheet":"S","range":"A1:B9","key_column":1}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.SortRange.Ascending {
		t.Error("Ascending should default to true")
	}

	a, err = Parse("sort_range", json.RawMessage(`{"sheet":"S","range":"A1:B9","ascending":false}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.SortRange.Ascending {
		t.Error("explicit ascending=false ignored")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		tool string
		args string
	}{
		{"write_cell", `{"value":"42"}`},              // ref missing
		{"write_cell", `{"ref":"9Z","value":"42"}`},   // bad ref
		{"rename_sheet", `{"old_name":"A"}`},          // new name missing
		{"apply_formula", `{"ref":"A1"}`},             // formula missing
		{"sort_range", `{"range":"nope"}`},            // bad range
		{"format_range", `{}`},                        // range missing
		{"create_chart", `{"kind":"bar"}`},            // data range missing
		{"drop_table", `{}`},                          // unknown tool
		{"write_cell", `not json`},                    // malformed JSON
	}
	for _, tc := range cases {
		if _, err := Parse(tc.tool, json.RawMessage(tc.args)); err == nil {
			t.Errorf("Parse(%s, %s): expected error", tc.tool, tc.args)
		}
	}
}

func TestDescribeCoversAllKinds(t *testing.T) {
	actions := []Action{
		{Kind: KindWriteCell, Sheet: "S", WriteCell: &WriteCell{Ref: "A1", Value: "1"}},
		{Kind: KindCreateSheet, CreateSheet: &CreateSheet{Name: "N"}},
		{Kind: KindRenameSheet, RenameSheet: &RenameSheet{OldName: "A", NewName: "B"}},
		{Kind: KindApplyFormula, Sheet: "S", ApplyFormula: &ApplyFormula{Ref: "A1", Formula: "=1"}},
		{Kind: KindCreateChart, Sheet: "S", CreateChart: &CreateChart{}},
		{Kind: KindCreatePivot, Sheet: "S", CreatePivot: &CreatePivot{}},
		{Kind: KindSortRange, Sheet: "S", SortRange: &SortRange{Range: "A1:B2"}},
		{Kind: KindFormatRange, Sheet: "S", FormatRange: &FormatRange{Range: "A1:B2", Format: "bold"}},
	}
	if len(actions) != len(Kinds()) {
		t.Fatalf("test covers %d kinds, enum has %d", len(actions), len(Kinds()))
	}
	for _, a := range actions {
		if d := a.Describe(); d == "" || d == string(a.Kind) {
			t.Errorf("Describe(%s) = %q", a.Kind, d)
		}
	}
}

func TestValidateUnknownKind(t *testing.T) {
	err := Action{Kind: Kind("explode")}.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Errorf("Validate unknown kind = %v", err)
	}
}
