package tooldef

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antra-tess/membrane/content"
)

func addNumbersDef() *content.ToolDefinition {
	return &content.ToolDefinition{
		Name:        "add_numbers",
		Description: "Add two numbers",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
	}
}

func TestRegisterAndValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(addNumbersDef()))

	require.NoError(t, r.ValidateInput("add_numbers", json.RawMessage(`{"a":10,"b":20}`)))

	err := r.ValidateInput("add_numbers", json.RawMessage(`{"a":10}`))
	require.Error(t, err)

	err = r.ValidateInput("add_numbers", json.RawMessage(`{"a":"ten","b":20}`))
	require.Error(t, err)
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&content.ToolDefinition{
		Name:        "broken",
		Description: "broken schema",
		InputSchema: map[string]any{"type": 12345},
	})
	require.Error(t, err)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(addNumbersDef()))
	require.Error(t, r.Register(addNumbersDef()))
}

func TestRegisterRequiresNameAndDescription(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(&content.ToolDefinition{Name: "x"}))
	require.Error(t, r.Register(&content.ToolDefinition{Description: "no name"}))
}

func TestValidateUnknownToolFails(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.ValidateInput("missing", json.RawMessage(`{}`)))
}

func TestSchemalessToolAcceptsAnyInput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&content.ToolDefinition{Name: "free", Description: "anything goes"}))
	require.NoError(t, r.ValidateInput("free", json.RawMessage(`{"whatever":[1,2,3]}`)))
	require.NoError(t, r.ValidateInput("free", nil))
}

func TestDefinitionsSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&content.ToolDefinition{Name: "zeta", Description: "z"}))
	require.NoError(t, r.Register(&content.ToolDefinition{Name: "alpha", Description: "a"}))
	defs := r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "alpha", defs[0].Name)
	require.Equal(t, "zeta", defs[1].Name)
}
