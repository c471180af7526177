// Package executor applies structured actions against the spreadsheet
// capability. Apply captures the prior state the undo ledger needs
// before mutating; Revert replays the inverse of a recorded entry.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/sheet"
)

// ExecutionError reports which action of an approved set failed.
type ExecutionError struct {
	Index int
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %d failed: %v", e.Index, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Cause }

// cellUndo is the serialized inverse payload for cell-level kinds.
// A cell write may clobber a formula, so the prior formula travels
// alongside the prior value.
type cellUndo struct {
	Formula string `json:"formula,omitempty"`
}

// renameUndo records the name pair of a sheet rename.
type renameUndo struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// Executor drives the Mutator. Not safe for concurrent use; the
// pipeline serializes all mutation through the gate.
type Executor struct {
	mut    sheet.Mutator
	logger *slog.Logger
}

// New creates an executor over the given mutation capability.
func New(mut sheet.Mutator, logger *slog.Logger) *Executor {
	return &Executor{mut: mut, logger: logger}
}

// Apply executes one action and returns the ledger entry holding the
// prior state. The caller records the entry; Apply itself does not
// touch the ledger. Actions are consumed: a successfully applied
// action lives on only as its entry.
func (x *Executor) Apply(ctx context.Context, conversationID string, batchID int64, a action.Action) (ledger.Entry, error) {
	if err := a.Validate(); err != nil {
		return ledger.Entry{}, err
	}

	e := ledger.Entry{
		ConversationID: conversationID,
		BatchID:        batchID,
		Kind:           a.Kind,
		Sheet:          a.Sheet,
		Target:         a.Target(),
	}

	var err error
	switch a.Kind {
	case action.KindWriteCell:
		err = x.applyWriteCell(ctx, a, &e)
	case action.KindApplyFormula:
		err = x.applyFormula(ctx, a, &e)
	case action.KindCreateSheet:
		err = x.mut.CreateSheet(ctx, a.CreateSheet.Name)
	case action.KindRenameSheet:
		err = x.applyRename(ctx, a, &e)
	case action.KindCreateChart:
		err = x.applyChart(ctx, a, &e)
	case action.KindCreatePivot:
		err = x.applyPivot(ctx, a, &e)
	case action.KindSortRange:
		err = x.applySort(ctx, a, &e)
	case action.KindFormatRange:
		err = x.applyFormat(ctx, a, &e)
	default:
		err = fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if err != nil {
		return ledger.Entry{}, err
	}

	x.logger.Debug("action applied", "kind", a.Kind, "sheet", a.Sheet, "target", e.Target)
	return e, nil
}

func (x *Executor) applyWriteCell(ctx context.Context, a action.Action, e *ledger.Entry) error {
	old, err := x.mut.CellValue(ctx, a.Sheet, a.WriteCell.Ref)
	if err != nil {
		return err
	}
	oldFormula, err := x.mut.Formula(ctx, a.Sheet, a.WriteCell.Ref)
	if err != nil {
		return err
	}
	e.OldValue = old
	if oldFormula != "" {
		data, _ := json.Marshal(cellUndo{Formula: oldFormula})
		e.UndoData = string(data)
	}
	return x.mut.SetCell(ctx, a.Sheet, a.WriteCell.Ref, a.WriteCell.Value)
}

func (x *Executor) applyFormula(ctx context.Context, a action.Action, e *ledger.Entry) error {
	old, err := x.mut.CellValue(ctx, a.Sheet, a.ApplyFormula.Ref)
	if err != nil {
		return err
	}
	oldFormula, err := x.mut.Formula(ctx, a.Sheet, a.ApplyFormula.Ref)
	if err != nil {
		return err
	}
	e.OldValue = old
	if oldFormula != "" {
		data, _ := json.Marshal(cellUndo{Formula: oldFormula})
		e.UndoData = string(data)
	}
	return x.mut.SetFormula(ctx, a.Sheet, a.ApplyFormula.Ref, a.ApplyFormula.Formula)
}

func (x *Executor) applyRename(ctx context.Context, a action.Action, e *ledger.Entry) error {
	data, _ := json.Marshal(renameUndo{OldName: a.RenameSheet.OldName, NewName: a.RenameSheet.NewName})
	e.UndoData = string(data)
	return x.mut.RenameSheet(ctx, a.RenameSheet.OldName, a.RenameSheet.NewName)
}

func (x *Executor) applyChart(ctx context.Context, a action.Action, e *ledger.Entry) error {
	chart := a.CreateChart.Chart
	if chart.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate chart id: %w", err)
		}
		chart.ID = id.String()
	}
	e.Target = chart.ID
	return x.mut.AddChart(ctx, a.Sheet, chart)
}

func (x *Executor) applyPivot(ctx context.Context, a action.Action, e *ledger.Entry) error {
	pivot := a.CreatePivot.Pivot
	if pivot.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate pivot id: %w", err)
		}
		pivot.ID = id.String()
	}
	e.Target = pivot.ID
	return x.mut.AddPivot(ctx, a.Sheet, pivot)
}

func (x *Executor) applySort(ctx context.Context, a action.Action, e *ledger.Entry) error {
	// Snapshot the whole range; a sort has no cheaper inverse.
	values, err := x.mut.RangeValues(ctx, a.Sheet, a.SortRange.Range)
	if err != nil {
		return err
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("snapshot range: %w", err)
	}
	e.UndoData = string(data)
	return x.mut.SortRange(ctx, a.Sheet, a.SortRange.Range, a.SortRange.KeyColumn, a.SortRange.Ascending)
}

func (x *Executor) applyFormat(ctx context.Context, a action.Action, e *ledger.Entry) error {
	formats, err := x.mut.RangeFormats(ctx, a.Sheet, a.FormatRange.Range)
	if err != nil {
		return err
	}
	data, err := json.Marshal(formats)
	if err != nil {
		return fmt.Errorf("snapshot formats: %w", err)
	}
	e.UndoData = string(data)

	rng, err := sheet.ParseRange(a.FormatRange.Range)
	if err != nil {
		return err
	}
	applied := make([][]string, rng.Rows())
	for row := range applied {
		applied[row] = make([]string, rng.Cols())
		for col := range applied[row] {
			applied[row][col] = a.FormatRange.Format
		}
	}
	return x.mut.SetRangeFormats(ctx, a.Sheet, a.FormatRange.Range, applied)
}

// Revert implements ledger.Reverter: it restores the target of one
// entry to its recorded prior state.
func (x *Executor) Revert(ctx context.Context, e ledger.Entry) error {
	switch e.Kind {
	case action.KindWriteCell, action.KindApplyFormula:
		var undo cellUndo
		if e.UndoData != "" {
			if err := json.Unmarshal([]byte(e.UndoData), &undo); err != nil {
				return fmt.Errorf("decode undo payload: %w", err)
			}
		}
		// Value first: SetCell clears any formula, so the saved one
		// goes back on top of the restored value.
		if err := x.mut.SetCell(ctx, e.Sheet, e.Target, e.OldValue); err != nil {
			return err
		}
		if undo.Formula != "" {
			return x.mut.SetFormula(ctx, e.Sheet, e.Target, undo.Formula)
		}
		return nil

	case action.KindCreateSheet:
		return x.mut.RemoveSheet(ctx, e.Target)

	case action.KindRenameSheet:
		var undo renameUndo
		if err := json.Unmarshal([]byte(e.UndoData), &undo); err != nil {
			return fmt.Errorf("decode undo payload: %w", err)
		}
		return x.mut.RenameSheet(ctx, undo.NewName, undo.OldName)

	case action.KindCreateChart:
		return x.mut.RemoveChart(ctx, e.Sheet, e.Target)

	case action.KindCreatePivot:
		return x.mut.RemovePivot(ctx, e.Sheet, e.Target)

	case action.KindSortRange:
		var values [][]string
		if err := json.Unmarshal([]byte(e.UndoData), &values); err != nil {
			return fmt.Errorf("decode undo payload: %w", err)
		}
		return x.mut.SetRangeValues(ctx, e.Sheet, e.Target, values)

	case action.KindFormatRange:
		var formats [][]string
		if err := json.Unmarshal([]byte(e.UndoData), &formats); err != nil {
			return fmt.Errorf("decode undo payload: %w", err)
		}
		return x.mut.SetRangeFormats(ctx, e.Sheet, e.Target, formats)
	}
	return fmt.Errorf("unknown entry kind %q", e.Kind)
}
