package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase/proposal"
)

// ProposePatchTool proposes targeted edits to fields of an existing entity:
// find/replace edits on text fields, set/delete operations on JSON fields.
type ProposePatchTool struct{ deps ProposalToolDeps }

// NewProposePatchTool creates the propose_patch tool.
func NewProposePatchTool(deps ProposalToolDeps) *ProposePatchTool {
	return &ProposePatchTool{deps: deps}
}

func (t *ProposePatchTool) Name() string          { return "propose_patch" }
func (t *ProposePatchTool) Kind() domain.ToolKind { return domain.ToolKindWrite }
func (t *ProposePatchTool) Description() string {
	return "Propose targeted edits to an existing entity. Text fields take find/replace edits where each " +
		"'find' must match exactly once. Object fields take set/delete ops on dotted paths."
}

func (t *ProposePatchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string", "enum": %s},
				"entity_id": {"type": "string", "minLength": 1},
				"patches": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"properties": {
							"field": {"type": "string"},
							"edits": {
								"type": "array",
								"items": {
									"type": "object",
									"properties": {
										"find": {"type": "string", "minLength": 1},
										"replace": {"type": "string"}
									},
									"required": ["find", "replace"]
								}
							},
							"ops": {
								"type": "array",
								"items": {
									"type": "object",
									"properties": {
										"op": {"type": "string", "enum": ["set", "delete"]},
										"path": {"type": "string", "minLength": 1},
										"value": {}
									},
									"required": ["op", "path"]
								}
							}
						},
						"required": ["field"]
					}
				},
				"reasoning": {"type": "string"}
			},
			"required": ["entity_type", "entity_id", "patches", "reasoning"]
		}`, t.deps.Config.typeEnum())),
	}
}

// TextEdit replaces the single occurrence of Find with Replace.
type TextEdit struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

type patchSpec struct {
	Field string               `json:"field"`
	Edits []TextEdit           `json:"edits,omitempty"`
	Ops   []domain.JSONPatchOp `json:"ops,omitempty"`
}

type patchParams struct {
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Patches    []patchSpec `json:"patches"`
	Reasoning  string      `json:"reasoning"`
}

func (t *ProposePatchTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.propose_patch", t.deps.Logger, input, t.handle)
}

func (t *ProposePatchTool) handle(ctx context.Context, span trace.Span, p patchParams) (any, error) {
	if err := ValidateAll(
		t.deps.Config.validateType("entity_type", p.EntityType),
		RequireField("entity_id", p.EntityID),
		t.deps.validateReasoning(p.Reasoning),
	); err != nil {
		return ErrResult("%v", err)
	}
	if len(p.Patches) == 0 {
		return ErrResult("'patches' must contain at least one patch")
	}

	e, res, err := t.deps.lookup(ctx, p.EntityType, p.EntityID)
	if res != nil || err != nil {
		return res, err
	}

	snapshot := e.Snapshot()
	current := make(map[string]any, len(p.Patches))
	proposed := make(map[string]any, len(p.Patches))
	patches := make([]domain.FieldPatch, 0, len(p.Patches))

	for _, spec := range p.Patches {
		if _, dup := proposed[spec.Field]; dup {
			return ErrResult("field %q is patched more than once; merge the edits", spec.Field)
		}
		fp, next, err := applyFieldPatch(spec, snapshot[spec.Field])
		if err != nil {
			return ErrResult("patch %s: %v", spec.Field, err)
		}
		current[spec.Field] = snapshot[spec.Field]
		proposed[spec.Field] = next
		patches = append(patches, fp)
	}

	if reflect.DeepEqual(current, proposed) {
		return ErrResult("the patches leave %s unchanged; nothing to propose", citeEntity(e))
	}

	prop := t.deps.Proposals.AddPatch(e.Type, e.ID, patches, proposal.PatchOptions{
		Reasoning:   p.Reasoning,
		EntityName:  e.Name,
		CurrentData: current,
		PreviewData: proposed,
	})
	return t.deps.created(ctx, span, prop), nil
}

// applyFieldPatch applies one patch to the current value of a field and
// returns the recorded patch plus the resulting value.
func applyFieldPatch(spec patchSpec, current any) (domain.FieldPatch, any, error) {
	if err := ValidateLabel("field", spec.Field); err != nil {
		return domain.FieldPatch{}, nil, err
	}
	switch {
	case len(spec.Edits) > 0 && len(spec.Ops) > 0:
		return domain.FieldPatch{}, nil, fmt.Errorf("use either 'edits' or 'ops', not both")
	case len(spec.Edits) > 0:
		return applyTextEdits(spec.Field, current, spec.Edits)
	case len(spec.Ops) > 0:
		if spec.Field == "name" {
			return domain.FieldPatch{}, nil, fmt.Errorf("'name' is a text field; use edits")
		}
		return applyJSONOps(spec.Field, current, spec.Ops)
	default:
		return domain.FieldPatch{}, nil, fmt.Errorf("one of 'edits' or 'ops' is required")
	}
}

// ApplyTextEdits applies find/replace edits in order. Each find string must
// occur exactly once in the text as it stands when the edit is applied.
func ApplyTextEdits(text string, edits []TextEdit) (string, error) {
	for i, ed := range edits {
		if ed.Find == "" {
			return "", fmt.Errorf("edit %d: 'find' is empty", i+1)
		}
		switch n := strings.Count(text, ed.Find); n {
		case 0:
			return "", fmt.Errorf("edit %d: %q not found", i+1, truncate(ed.Find, 60))
		case 1:
			text = strings.Replace(text, ed.Find, ed.Replace, 1)
		default:
			return "", fmt.Errorf("edit %d: %q matches %d times; include more context", i+1, truncate(ed.Find, 60), n)
		}
	}
	return text, nil
}

func applyTextEdits(field string, current any, edits []TextEdit) (domain.FieldPatch, any, error) {
	var before string
	switch v := current.(type) {
	case string:
		before = v
	case nil:
		return domain.FieldPatch{}, nil, fmt.Errorf("field is empty; use propose_update to set it")
	default:
		return domain.FieldPatch{}, nil, fmt.Errorf("field is not text; use ops")
	}

	after, err := ApplyTextEdits(before, edits)
	if err != nil {
		return domain.FieldPatch{}, nil, err
	}
	if field == "name" && strings.TrimSpace(after) == "" {
		return domain.FieldPatch{}, nil, fmt.Errorf("'name' cannot become empty")
	}

	diff, err := UnifiedDiff(field, before, after)
	if err != nil {
		return domain.FieldPatch{}, nil, err
	}
	return domain.FieldPatch{Field: field, Kind: domain.PatchText, Diff: diff}, after, nil
}

// UnifiedDiff renders a unified diff between two versions of a text field.
func UnifiedDiff(field, before, after string) (string, error) {
	if !strings.HasSuffix(before, "\n") {
		before += "\n"
	}
	if !strings.HasSuffix(after, "\n") {
		after += "\n"
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: field + " (current)",
		ToFile:   field + " (proposed)",
		Context:  3,
	})
}

func applyJSONOps(field string, current any, ops []domain.JSONPatchOp) (domain.FieldPatch, any, error) {
	doc := []byte("{}")
	if current != nil {
		if _, ok := current.(map[string]any); !ok {
			return domain.FieldPatch{}, nil, fmt.Errorf("field is not an object; use edits or propose_update")
		}
		var err error
		if doc, err = json.Marshal(current); err != nil {
			return domain.FieldPatch{}, nil, fmt.Errorf("encode current value: %w", err)
		}
	}

	doc, err := ApplyJSONOps(doc, ops)
	if err != nil {
		return domain.FieldPatch{}, nil, err
	}

	var next any
	if err := json.Unmarshal(doc, &next); err != nil {
		return domain.FieldPatch{}, nil, fmt.Errorf("decode patched value: %w", err)
	}
	return domain.FieldPatch{Field: field, Kind: domain.PatchJSON, Ops: ops}, next, nil
}

// ApplyJSONOps applies set/delete operations to a JSON document. Paths use
// dotted notation ("stats.strength", "aliases.0").
func ApplyJSONOps(doc []byte, ops []domain.JSONPatchOp) ([]byte, error) {
	for i, op := range ops {
		if op.Path == "" {
			return nil, fmt.Errorf("op %d: 'path' is empty", i+1)
		}
		var err error
		switch op.Op {
		case "set":
			if len(op.Value) == 0 || !json.Valid(op.Value) {
				return nil, fmt.Errorf("op %d: set requires a JSON 'value'", i+1)
			}
			doc, err = sjson.SetRawBytes(doc, op.Path, op.Value)
		case "delete":
			if !gjson.GetBytes(doc, op.Path).Exists() {
				return nil, fmt.Errorf("op %d: path %q does not exist", i+1, op.Path)
			}
			doc, err = sjson.DeleteBytes(doc, op.Path)
		default:
			return nil, fmt.Errorf("op %d: unknown op %q (want: set, delete)", i+1, op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i+1, err)
		}
	}
	return doc, nil
}
