package tools

import (
	"context"

	"github.com/browsergate/browsergate/internal/dispatch"
)

type macroStartParams struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type macroStopParams struct {
	SessionID string `json:"sessionId"`
}

type macroPlayParams struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type macroDeleteParams struct {
	Name string `json:"name"`
}

func macroTools(deps Deps) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:          "browser.macro.startRecording",
			Description:   "Start recording the session's tool calls under a macro name",
			OpClass:       OpMacro,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"name":      dispatch.TypeString,
				},
				Required: []string{"sessionId", "name"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p macroStartParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				if err := deps.Macros.StartRecording(inv.SessionID, p.Name); err != nil {
					return nil, err
				}
				return map[string]any{"recording": true, "name": p.Name}, nil
			},
		},
		{
			Name:          "browser.macro.stopRecording",
			Description:   "Stop the session's recording and persist the macro",
			OpClass:       OpMacro,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"sessionId": dispatch.TypeString},
				Required:   []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				m, err := deps.Macros.StopRecording(inv.SessionID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"name": m.Name, "steps": len(m.Steps)}, nil
			},
		},
		{
			Name:        "browser.macro.list",
			Description: "List stored macro names",
			OpClass:     OpMacro,
			Schema:      dispatch.Schema{},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				names, err := deps.Macros.List()
				if err != nil {
					return nil, err
				}
				if names == nil {
					names = []string{}
				}
				return map[string]any{"macros": names}, nil
			},
		},
		{
			Name:          "browser.macro.play",
			Description:   "Replay a stored macro against the session",
			OpClass:       OpMacro,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"name":      dispatch.TypeString,
				},
				Required: []string{"sessionId", "name"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p macroPlayParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				result, err := deps.Macros.Play(ctx, inv.ClientID, inv.SessionID, p.Name)
				if err != nil {
					return nil, err
				}
				return result, nil
			},
		},
		{
			Name:        "browser.macro.delete",
			Description: "Delete a stored macro",
			OpClass:     OpMacro,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"name": dispatch.TypeString},
				Required:   []string{"name"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p macroDeleteParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				deleted, err := deps.Macros.Delete(p.Name)
				if err != nil {
					return nil, err
				}
				return map[string]any{"deleted": deleted}, nil
			},
		},
	}
}
