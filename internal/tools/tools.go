// Package tools declares every capability the gateway exposes over
// JSON-RPC and binds each one to the browser, macro, HAR, and report
// subsystems. Each tool decodes its own typed parameter struct once at
// the handler boundary.
package tools

import (
	"encoding/json"

	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/har"
	"github.com/browsergate/browsergate/internal/macro"
	"github.com/browsergate/browsergate/internal/report"
	"github.com/browsergate/browsergate/internal/session"
	"github.com/browsergate/browsergate/internal/types"
)

// Operation classes. Rate limiting and circuit breaking key on these, so a
// broken navigation path never blocks screenshots or queries.
const (
	OpNavigation  = "navigation"
	OpInteraction = "interaction"
	OpScreenshot  = "screenshot"
	OpEvaluation  = "evaluation"
	OpQuery       = "query"
	OpSession     = "session"
	OpTrace       = "trace"
	OpMacro       = "macro"
	OpReport      = "report"
)

// Deps collects the subsystems the tool handlers drive.
type Deps struct {
	Sessions *session.Manager
	Macros   *macro.Service
	HAR      *har.Exporter
	Reports  *report.Service
}

// RegisterAll installs the complete tool surface on the dispatcher.
func RegisterAll(d *dispatch.Dispatcher, deps Deps) {
	for _, t := range contextTools(deps) {
		d.Register(t)
	}
	for _, t := range pageTools(deps) {
		d.Register(t)
	}
	for _, t := range observeTools(deps) {
		d.Register(t)
	}
	for _, t := range macroTools(deps) {
		d.Register(t)
	}
	for _, t := range reportTools(deps) {
		d.Register(t)
	}
}

// decode unmarshals raw params into the tool's typed struct. Schemas have
// already validated required fields and JSON types.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.ProtocolError(types.CodeInvalidParams, "malformed parameters").WithCause(err)
	}
	return nil
}
