package tools

import (
	"context"

	"github.com/browsergate/browsergate/internal/browser"
	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/security"
	"github.com/browsergate/browsergate/internal/types"
)

type newContextParams struct {
	Viewport *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
	UserAgent      string   `json:"userAgent"`
	AllowedDomains []string `json:"allowedDomains"`
}

type closeContextParams struct {
	SessionID string `json:"sessionId"`
}

func contextTools(deps Deps) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:        "browser.newContext",
			Description: "Create an isolated browser session and return its identifier",
			OpClass:     OpSession,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"viewport":       dispatch.TypeObject,
					"userAgent":      dispatch.TypeString,
					"allowedDomains": dispatch.TypeArray,
					"timeout":        dispatch.TypeNumber,
					"headless":       dispatch.TypeBoolean,
				},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p newContextParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}

				fp := browser.DefaultFingerprint
				if p.Viewport != nil {
					if err := security.ValidateViewport(p.Viewport.Width, p.Viewport.Height); err != nil {
						return nil, types.ProtocolError(types.CodeInvalidParams, err.Error())
					}
					fp.Width = p.Viewport.Width
					fp.Height = p.Viewport.Height
				}
				if p.UserAgent != "" {
					if err := security.ValidateUserAgent(p.UserAgent); err != nil {
						return nil, types.ProtocolError(types.CodeInvalidParams, err.Error())
					}
					fp.UserAgent = p.UserAgent
				}
				if err := security.ValidateDomains(p.AllowedDomains); err != nil {
					return nil, types.ProtocolError(types.CodeInvalidParams, err.Error())
				}

				sess, err := deps.Sessions.Create(ctx, inv.ClientID, fp)
				if err != nil {
					return nil, err
				}
				for _, d := range p.AllowedDomains {
					sess.GrantDomain(d)
				}

				return map[string]any{
					"sessionId": sess.ID,
					"viewport":  map[string]int{"width": fp.Width, "height": fp.Height},
				}, nil
			},
		},
		{
			// Not session-scoped: closing an already-gone session must report
			// destroyed=false, not fail the session lookup.
			Name:        "browser.closeContext",
			Description: "Destroy a session and release its browser context",
			OpClass:     OpSession,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"sessionId": dispatch.TypeString},
				Required:   []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p closeContextParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				if sess, err := deps.Sessions.Get(p.SessionID); err == nil && sess.ClientID != inv.ClientID {
					return nil, types.SecurityError(types.CodeUnauthorized,
						"session belongs to another client").
						WithContext("sessionId", p.SessionID)
				}
				if deps.Macros != nil {
					deps.Macros.Abandon(p.SessionID)
				}
				destroyed := deps.Sessions.Destroy(p.SessionID)
				return map[string]any{"destroyed": destroyed}, nil
			},
		},
	}
}
