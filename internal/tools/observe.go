package tools

import (
	"context"

	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/types"
)

// getRecent reads at most this many ring-buffer entries per call.
const maxRecentEntries = 100

type networkRecentParams struct {
	SessionID   string `json:"sessionId"`
	Limit       int    `json:"limit"`
	IncludeBody bool   `json:"includeBody"`
}

type consoleRecentParams struct {
	SessionID       string `json:"sessionId"`
	Limit           int    `json:"limit"`
	Level           string `json:"level"`
	IncludeLocation bool   `json:"includeLocation"`
}

type traceStopParams struct {
	SessionID string `json:"sessionId"`
}

func clampLimit(n int) int {
	if n <= 0 || n > maxRecentEntries {
		return maxRecentEntries
	}
	return n
}

func observeTools(deps Deps) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:          "browser.network.getRecent",
			Description:   "Return recent network requests observed on the session",
			OpClass:       OpQuery,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId":   dispatch.TypeString,
					"limit":       dispatch.TypeNumber,
					"includeBody": dispatch.TypeBoolean,
				},
				Required: []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p networkRecentParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				entries := inv.Session.RecentNetwork(clampLimit(p.Limit))
				if !p.IncludeBody {
					for i := range entries {
						entries[i].RequestBody = ""
						entries[i].ResponseBody = ""
					}
				}
				return map[string]any{"entries": entries, "count": len(entries)}, nil
			},
		},
		{
			Name:          "browser.console.getRecent",
			Description:   "Return recent console output from the session's page",
			OpClass:       OpQuery,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId":       dispatch.TypeString,
					"limit":           dispatch.TypeNumber,
					"level":           dispatch.TypeString,
					"includeLocation": dispatch.TypeBoolean,
				},
				Required: []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p consoleRecentParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				all := inv.Session.RecentConsole(clampLimit(p.Limit))
				entries := all[:0:0]
				for _, e := range all {
					if p.Level != "" && string(e.Level) != p.Level {
						continue
					}
					if !p.IncludeLocation {
						e.URL = ""
						e.Line = 0
						e.Column = 0
					}
					entries = append(entries, e)
				}
				return map[string]any{"entries": entries, "count": len(entries)}, nil
			},
		},
		{
			Name:          "browser.trace.start",
			Description:   "Begin recording tool invocations on the session",
			OpClass:       OpTrace,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"sessionId": dispatch.TypeString},
				Required:   []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				if !inv.Session.StartTrace() {
					return nil, types.ProtocolError(types.CodeInvalidParams,
						"a trace is already running on this session")
				}
				return map[string]any{"tracing": true}, nil
			},
		},
		{
			Name:          "browser.trace.stop",
			Description:   "Stop the session trace and return the captured events",
			OpClass:       OpTrace,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"sessionId": dispatch.TypeString},
				Required:   []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p traceStopParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				events, ok := inv.Session.StopTrace()
				if !ok {
					return nil, types.ProtocolError(types.CodeInvalidParams,
						"no trace is running on this session")
				}
				return map[string]any{"events": events, "count": len(events)}, nil
			},
		},
		{
			Name:          "browser.harExport",
			Description:   "Export the session's recent network activity as a HAR file",
			OpClass:       OpReport,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{"sessionId": dispatch.TypeString},
				Required:   []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				entries := inv.Session.RecentNetwork(0)
				path, err := deps.HAR.Export(inv.SessionID, entries)
				if err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "entries": len(entries)}, nil
			},
		},
	}
}
