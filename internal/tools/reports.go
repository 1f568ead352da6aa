package tools

import (
	"context"
	"time"

	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/report"
	"github.com/browsergate/browsergate/internal/types"
)

type reportGenerateParams struct {
	SessionID string `json:"sessionId"`
	Template  string `json:"template"`
	Title     string `json:"title"`
}

type reportCleanupParams struct {
	MaxAgeHours float64 `json:"maxAgeHours"`
}

func reportTools(deps Deps) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:          "browser.report.generate",
			Description:   "Render a session activity report into the artifacts directory",
			OpClass:       OpReport,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"template":  dispatch.TypeString,
					"title":     dispatch.TypeString,
				},
				Required: []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p reportGenerateParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				if p.Template == "" {
					p.Template = "session-summary"
				}

				in := report.Input{
					SessionID: inv.SessionID,
					Title:     p.Title,
					Console:   inv.Session.RecentConsole(0),
					Network:   inv.Session.RecentNetwork(0),
					Trace:     inv.Session.TraceSnapshot(),
				}
				path, err := deps.Reports.Generate(p.Template, in)
				if err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "template": p.Template}, nil
			},
		},
		{
			Name:        "browser.report.templates",
			Description: "List the available report templates",
			OpClass:     OpReport,
			Schema:      dispatch.Schema{},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				return map[string]any{"templates": deps.Reports.Templates()}, nil
			},
		},
		{
			Name:        "browser.report.cleanup",
			Description: "Remove artifacts older than the given age",
			OpClass:     OpReport,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"maxAgeHours": dispatch.TypeNumber},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p reportCleanupParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				if p.MaxAgeHours < 0 {
					return nil, types.ProtocolError(types.CodeInvalidParams, "maxAgeHours must be positive")
				}
				if p.MaxAgeHours == 0 {
					p.MaxAgeHours = 24
				}
				removed, err := deps.Reports.Cleanup(time.Duration(p.MaxAgeHours * float64(time.Hour)))
				if err != nil {
					return nil, err
				}
				return map[string]any{"removed": removed}, nil
			},
		},
	}
}
