// Package tools defines the tools advertised to the model and the
// mapping from tool-call payloads to pipeline actions. Mutating tools
// never execute here; they parse into action values that go through
// the pending-action gate. Read-only tools execute immediately.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/sheet"
)

// Tool represents one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Mutating tools parse into actions instead of running a handler.
	Mutating bool `json:"-"`

	Handler func(ctx context.Context, args json.RawMessage) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	order []string
	mut   sheet.Mutator
}

// NewRegistry creates a registry over the given read capability and
// registers the built-in spreadsheet tools.
func NewRegistry(mut sheet.Mutator) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		mut:   mut,
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool. Later registrations with the same name win.
func (r *Registry) Register(t *Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, nil if absent.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// IsMutating reports whether the named tool must go through the gate.
// Unknown names report false; the parse step rejects them.
func (r *Registry) IsMutating(name string) bool {
	t := r.tools[name]
	return t != nil && t.Mutating
}

// List returns all tool specs for the model, in registration order.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// ParseAction converts a mutating tool call into an action.
func (r *Registry) ParseAction(name string, args json.RawMessage) (action.Action, error) {
	t := r.tools[name]
	if t == nil {
		return action.Action{}, fmt.Errorf("unknown tool: %s", name)
	}
	if !t.Mutating {
		return action.Action{}, fmt.Errorf("tool %s is not a mutation", name)
	}
	return action.Parse(name, args)
}

// Execute runs a read-only tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if t.Mutating {
		return "", fmt.Errorf("tool %s mutates and requires approval", name)
	}
	return t.Handler(ctx, args)
}

func (r *Registry) registerBuiltins() {
	sheetParam := map[string]any{
		"type":        "string",
		"description": "Sheet name. Defaults to Sheet1.",
	}
	refParam := map[string]any{
		"type":        "string",
		"description": "Cell reference in A1 notation (e.g. B2).",
	}
	rangeParam := map[string]any{
		"type":        "string",
		"description": "Range in A1 notation (e.g. A1:C10).",
	}

	// Read-only tools. These execute immediately without approval.
	r.Register(&Tool{
		Name:        "read_range",
		Description: "Read the current values of a range of cells. Use this to inspect data before proposing changes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet": sheetParam,
				"range": rangeParam,
			},
			"required": []string{"range"},
		},
		Handler: r.handleReadRange,
	})
	r.Register(&Tool{
		Name:        "list_sheets",
		Description: "List the names of all sheets in the workbook.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListSheets,
	})

	// Mutating tools. Tool name doubles as the action kind; arguments
	// parse into the matching payload.
	r.Register(&Tool{
		Name:        string(action.KindWriteCell),
		Description: "Write a value to a single cell. Replaces any existing value or formula.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet": sheetParam,
				"ref":   refParam,
				"value": map[string]any{"type": "string", "description": "The value to write."},
			},
			"required": []string{"ref", "value"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindApplyFormula),
		Description: "Set a formula on a single cell (e.g. =SUM(A1:A10)).",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet":   sheetParam,
				"ref":     refParam,
				"formula": map[string]any{"type": "string", "description": "The formula, starting with =."},
			},
			"required": []string{"ref", "formula"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindCreateSheet),
		Description: "Add a new empty sheet to the workbook.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Name for the new sheet."},
			},
			"required": []string{"name"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindRenameSheet),
		Description: "Rename an existing sheet.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"old_name": map[string]any{"type": "string", "description": "Current sheet name."},
				"new_name": map[string]any{"type": "string", "description": "New sheet name."},
			},
			"required": []string{"old_name", "new_name"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindSortRange),
		Description: "Sort the rows of a range by one of its columns. Numeric values sort numerically.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet": sheetParam,
				"range": rangeParam,
				"key_column": map[string]any{
					"type":        "integer",
					"description": "Zero-based column offset within the range to sort by.",
				},
				"ascending": map[string]any{
					"type":        "boolean",
					"description": "Sort direction. Defaults to true.",
				},
			},
			"required": []string{"range", "key_column"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindFormatRange),
		Description: "Apply a format (e.g. bold, currency, percent) to every cell in a range.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet":  sheetParam,
				"range":  rangeParam,
				"format": map[string]any{"type": "string", "description": "Format name, empty to clear."},
			},
			"required": []string{"range"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindCreateChart),
		Description: "Add a chart to a sheet over a data range.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet": sheetParam,
				"kind": map[string]any{
					"type":        "string",
					"description": "Chart type: bar, line, pie, or scatter.",
				},
				"data_range": rangeParam,
				"title":      map[string]any{"type": "string", "description": "Chart title."},
			},
			"required": []string{"kind", "data_range"},
		},
	})
	r.Register(&Tool{
		Name:        string(action.KindCreatePivot),
		Description: "Add a pivot table summarizing a source range.",
		Mutating:    true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sheet":        sheetParam,
				"source_range": rangeParam,
				"row_field":    map[string]any{"type": "string", "description": "Field to group rows by."},
				"column_field": map[string]any{"type": "string", "description": "Optional field to group columns by."},
				"value_field":  map[string]any{"type": "string", "description": "Field to aggregate."},
			},
			"required": []string{"source_range", "row_field", "value_field"},
		},
	})
}

func (r *Registry) handleReadRange(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Sheet string `json:"sheet"`
		Range string `json:"range"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Sheet == "" {
		params.Sheet = "Sheet1"
	}
	values, err := r.mut.RangeValues(ctx, params.Sheet, params.Range)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s!%s:\n", params.Sheet, params.Range)
	for _, row := range values {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (r *Registry) handleListSheets(ctx context.Context, _ json.RawMessage) (string, error) {
	names, err := r.mut.SheetNames(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(names, "\n"), nil
}
