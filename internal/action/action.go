// Package action defines the closed set of spreadsheet mutations the
// agent may propose. An Action is a tagged variant: Kind selects which
// payload field is set. Actions are immutable once created; they are
// either discarded on rejection or consumed by the executor.
package action

import (
	"encoding/json"
	"fmt"

	"github.com/gridpilot/gridpilot/internal/sheet"
)

// Kind identifies one operation in the closed set.
type Kind string

// Operation kinds. These values appear on the wire (tool names, ledger
// rows), so they are stable identifiers; never rename them.
const (
	KindWriteCell    Kind = "write_cell"
	KindCreateSheet  Kind = "create_sheet"
	KindRenameSheet  Kind = "rename_sheet"
	KindApplyFormula Kind = "apply_formula"
	KindCreateChart  Kind = "create_chart"
	KindCreatePivot  Kind = "create_pivot"
	KindSortRange    Kind = "sort_range"
	KindFormatRange  Kind = "format_range"
)

// Kinds lists every operation kind.
func Kinds() []Kind {
	return []Kind{
		KindWriteCell, KindCreateSheet, KindRenameSheet, KindApplyFormula,
		KindCreateChart, KindCreatePivot, KindSortRange, KindFormatRange,
	}
}

// WriteCell sets a single cell's value.
type WriteCell struct {
	Ref   string `json:"ref"`
	Value string `json:"value"`
}

// CreateSheet appends a new empty sheet.
type CreateSheet struct {
	Name string `json:"name"`
}

// RenameSheet renames an existing sheet.
type RenameSheet struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// ApplyFormula writes a formula to a cell.
type ApplyFormula struct {
	Ref     string `json:"ref"`
	Formula string `json:"formula"`
}

// CreateChart anchors a chart to a sheet.
type CreateChart struct {
	Chart sheet.Chart `json:"chart"`
}

// CreatePivot anchors a pivot table to a sheet.
type CreatePivot struct {
	Pivot sheet.Pivot `json:"pivot"`
}

// SortRange sorts the rows of a range by one key column.
type SortRange struct {
	Range     string `json:"range"`
	KeyColumn int    `json:"key_column"`
	Ascending bool   `json:"ascending"`
}

// FormatRange applies a format descriptor to every cell in a range.
type FormatRange struct {
	Range  string `json:"range"`
	Format string `json:"format"`
}

// Action is one proposed mutation. Exactly one payload pointer is
// non-nil, matching Kind. Sheet names the target sheet for every kind
// except create_sheet and rename_sheet, which carry the name in their
// payload.
type Action struct {
	Kind  Kind   `json:"kind"`
	Sheet string `json:"sheet,omitempty"`

	WriteCell    *WriteCell    `json:"write_cell,omitempty"`
	CreateSheet  *CreateSheet  `json:"create_sheet,omitempty"`
	RenameSheet  *RenameSheet  `json:"rename_sheet,omitempty"`
	ApplyFormula *ApplyFormula `json:"apply_formula,omitempty"`
	CreateChart  *CreateChart  `json:"create_chart,omitempty"`
	CreatePivot  *CreatePivot  `json:"create_pivot,omitempty"`
	SortRange    *SortRange    `json:"sort_range,omitempty"`
	FormatRange  *FormatRange  `json:"format_range,omitempty"`
}

// Target returns the locator the action mutates, for ledger rows and
// UI display.
func (a Action) Target() string {
	switch a.Kind {
	case KindWriteCell:
		return a.WriteCell.Ref
	case KindCreateSheet:
		return a.CreateSheet.Name
	case KindRenameSheet:
		return a.RenameSheet.OldName
	case KindApplyFormula:
		return a.ApplyFormula.Ref
	case KindCreateChart:
		return a.CreateChart.Chart.ID
	case KindCreatePivot:
		return a.CreatePivot.Pivot.ID
	case KindSortRange:
		return a.SortRange.Range
	case KindFormatRange:
		return a.FormatRange.Range
	}
	return ""
}

// Describe renders a one-line human-readable summary for approval
// prompts.
func (a Action) Describe() string {
	switch a.Kind {
	case KindWriteCell:
		return fmt.Sprintf("Set %s!%s to %q", a.Sheet, a.WriteCell.Ref, a.WriteCell.Value)
	case KindCreateSheet:
		return fmt.Sprintf("Create sheet %q", a.CreateSheet.Name)
	case KindRenameSheet:
		return fmt.Sprintf("Rename sheet %q to %q", a.RenameSheet.OldName, a.RenameSheet.NewName)
	case KindApplyFormula:
		return fmt.Sprintf("Set formula %s!%s = %s", a.Sheet, a.ApplyFormula.Ref, a.ApplyFormula.Formula)
	case KindCreateChart:
		c := a.CreateChart.Chart
		return fmt.Sprintf("Create %s chart over %s!%s", c.Kind, a.Sheet, c.DataRange)
	case KindCreatePivot:
		p := a.CreatePivot.Pivot
		return fmt.Sprintf("Create pivot over %s!%s", a.Sheet, p.SourceRange)
	case KindSortRange:
		dir := "ascending"
		if !a.SortRange.Ascending {
			dir = "descending"
		}
		return fmt.Sprintf("Sort %s!%s by column %d %s", a.Sheet, a.SortRange.Range, a.SortRange.KeyColumn, dir)
	case KindFormatRange:
		return fmt.Sprintf("Format %s!%s as %q", a.Sheet, a.FormatRange.Range, a.FormatRange.Format)
	}
	return string(a.Kind)
}

// Validate checks that the payload matching Kind is present and
// minimally well formed.
func (a Action) Validate() error {
	switch a.Kind {
	case KindWriteCell:
		if a.WriteCell == nil || a.WriteCell.Ref == "" {
			return fmt.Errorf("write_cell requires a ref")
		}
		if _, _, err := sheet.ParseCellRef(a.WriteCell.Ref); err != nil {
			return err
		}
	case KindCreateSheet:
		if a.CreateSheet == nil || a.CreateSheet.Name == "" {
			return fmt.Errorf("create_sheet requires a name")
		}
	case KindRenameSheet:
		if a.RenameSheet == nil || a.RenameSheet.OldName == "" || a.RenameSheet.NewName == "" {
			return fmt.Errorf("rename_sheet requires old_name and new_name")
		}
	case KindApplyFormula:
		if a.ApplyFormula == nil || a.ApplyFormula.Ref == "" || a.ApplyFormula.Formula == "" {
			return fmt.Errorf("apply_formula requires ref and formula")
		}
		if _, _, err := sheet.ParseCellRef(a.ApplyFormula.Ref); err != nil {
			return err
		}
	case KindCreateChart:
		if a.CreateChart == nil || a.CreateChart.Chart.DataRange == "" {
			return fmt.Errorf("create_chart requires a data range")
		}
	case KindCreatePivot:
		if a.CreatePivot == nil || a.CreatePivot.Pivot.SourceRange == "" {
			return fmt.Errorf("create_pivot requires a source range")
		}
	case KindSortRange:
		if a.SortRange == nil || a.SortRange.Range == "" {
			return fmt.Errorf("sort_range requires a range")
		}
		if _, err := sheet.ParseRange(a.SortRange.Range); err != nil {
			return err
		}
	case KindFormatRange:
		if a.FormatRange == nil || a.FormatRange.Range == "" {
			return fmt.Errorf("format_range requires a range")
		}
		if _, err := sheet.ParseRange(a.FormatRange.Range); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// requiresSheet reports whether the kind targets an existing sheet by
// name via the Sheet field.
func requiresSheet(k Kind) bool {
	switch k {
	case KindCreateSheet, KindRenameSheet:
		return false
	}
	return true
}

// Parse decodes a model tool call (tool name plus raw JSON arguments)
// into a validated Action. This is the only place tool-call payloads
// cross from loosely typed JSON into the tagged variant.
func Parse(toolName string, args json.RawMessage) (Action, error) {
	kind := Kind(toolName)
	a := Action{Kind: kind}

	// Every payload struct also accepts an optional "sheet" field.
	var target struct {
		Sheet string `json:"sheet"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &target); err != nil {
			return Action{}, fmt.Errorf("%s: invalid arguments: %w", toolName, err)
		}
	}
	a.Sheet = target.Sheet
	if requiresSheet(kind) && a.Sheet == "" {
		a.Sheet = "Sheet1"
	}

	var err error
	switch kind {
	case KindWriteCell:
		a.WriteCell = &WriteCell{}
		err = json.Unmarshal(args, a.WriteCell)
	case KindCreateSheet:
		a.CreateSheet = &CreateSheet{}
		err = json.Unmarshal(args, a.CreateSheet)
	case KindRenameSheet:
		a.RenameSheet = &RenameSheet{}
		err = json.Unmarshal(args, a.RenameSheet)
	case KindApplyFormula:
		a.ApplyFormula = &ApplyFormula{}
		err = json.Unmarshal(args, a.ApplyFormula)
	case KindCreateChart:
		a.CreateChart = &CreateChart{}
		err = json.Unmarshal(args, &a.CreateChart.Chart)
	case KindCreatePivot:
		a.CreatePivot = &CreatePivot{}
		err = json.Unmarshal(args, &a.CreatePivot.Pivot)
	case KindSortRange:
		a.SortRange = &SortRange{Ascending: true}
		err = json.Unmarshal(args, a.SortRange)
	case KindFormatRange:
		a.FormatRange = &FormatRange{}
		err = json.Unmarshal(args, a.FormatRange)
	default:
		return Action{}, fmt.Errorf("unknown tool %q", toolName)
	}
	if err != nil {
		return Action{}, fmt.Errorf("%s: invalid arguments: %w", toolName, err)
	}

	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}
