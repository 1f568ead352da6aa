package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/browsergate/browsergate/internal/types"
)

// ParamType is the declared JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Schema declares a tool's parameters for validation and for tools/list.
type Schema struct {
	Properties map[string]ParamType `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// Validate checks raw params against the schema. Missing required fields and
// type mismatches produce protocol/INVALID_PARAMS; unknown fields pass
// through so tools can evolve without breaking old clients.
func (s Schema) Validate(raw json.RawMessage) error {
	params := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return types.ProtocolError(types.CodeInvalidParams, "params must be an object").WithCause(err)
		}
	}

	for _, name := range s.Required {
		if _, ok := params[name]; !ok {
			return types.ProtocolError(types.CodeInvalidParams,
				fmt.Sprintf("missing required parameter %q", name)).
				WithContext("parameter", name)
		}
	}

	for name, value := range params {
		want, declared := s.Properties[name]
		if !declared || value == nil {
			continue
		}
		if got := jsonTypeOf(value); got != want {
			return types.ProtocolError(types.CodeInvalidParams,
				fmt.Sprintf("parameter %q must be %s, got %s", name, want, got)).
				WithContext("parameter", name)
		}
	}
	return nil
}

func jsonTypeOf(v any) ParamType {
	switch v.(type) {
	case string:
		return TypeString
	case float64, json.Number:
		return TypeNumber
	case bool:
		return TypeBoolean
	case []any:
		return TypeArray
	default:
		return TypeObject
	}
}
