package tools

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-rod/rod"

	"github.com/browsergate/browsergate/internal/browser"
	"github.com/browsergate/browsergate/internal/dispatch"
	"github.com/browsergate/browsergate/internal/types"
)

type gotoParams struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
}

type clickParams struct {
	SessionID string         `json:"sessionId"`
	Selector  string         `json:"selector"`
	Force     bool           `json:"force"`
	Position  *browser.Point `json:"position"`
}

type typeParams struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Text      string `json:"text"`
	Delay     int    `json:"delay"` // milliseconds between keystrokes
	Clear     bool   `json:"clear"`
}

type selectParams struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Value     string `json:"value"`
}

type screenshotParams struct {
	SessionID      string        `json:"sessionId"`
	FullPage       bool          `json:"fullPage"`
	Selector       string        `json:"selector"`
	Format         string        `json:"format"`
	Quality        int           `json:"quality"`
	Clip           *browser.Clip `json:"clip"`
	OmitBackground bool          `json:"omitBackground"`
}

type domSnapshotParams struct {
	SessionID         string `json:"sessionId"`
	Selector          string `json:"selector"`
	MaxNodes          int    `json:"maxNodes"`
	IncludeStyles     bool   `json:"includeStyles"`
	IncludeAttributes bool   `json:"includeAttributes"`
}

type evalParams struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

func pageTools(deps Deps) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:          "browser.goto",
			Description:   "Navigate the session's page to a URL",
			OpClass:       OpNavigation,
			SessionScoped: true,
			URLParam:      "url",
			Recordable:    true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"url":       dispatch.TypeString,
					"waitUntil": dispatch.TypeString,
					"timeout":   dispatch.TypeNumber,
				},
				Required: []string{"sessionId", "url"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p gotoParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				var nav *browser.NavResult
				err := inv.Session.WithPage(func(page *rod.Page) error {
					var err error
					nav, err = browser.Navigate(ctx, page, p.URL, browser.WaitUntil(p.WaitUntil))
					return err
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpNavigation)
				}
				return nav, nil
			},
		},
		{
			Name:          "browser.click",
			Description:   "Click an element by CSS selector, or raw page coordinates",
			OpClass:       OpInteraction,
			SessionScoped: true,
			Recordable:    true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"selector":  dispatch.TypeString,
					"force":     dispatch.TypeBoolean,
					"position":  dispatch.TypeObject,
					"timeout":   dispatch.TypeNumber,
				},
				Required: []string{"sessionId", "selector"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p clickParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				err := inv.Session.WithPage(func(page *rod.Page) error {
					return browser.Click(ctx, page, p.Selector, browser.ClickOptions{
						Force:    p.Force,
						Position: p.Position,
					})
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpInteraction)
				}
				return map[string]any{"clicked": true}, nil
			},
		},
		{
			Name:          "browser.type",
			Description:   "Type text into an element",
			OpClass:       OpInteraction,
			SessionScoped: true,
			Recordable:    true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"selector":  dispatch.TypeString,
					"text":      dispatch.TypeString,
					"delay":     dispatch.TypeNumber,
					"clear":     dispatch.TypeBoolean,
					"timeout":   dispatch.TypeNumber,
				},
				Required: []string{"sessionId", "selector", "text"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p typeParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				err := inv.Session.WithPage(func(page *rod.Page) error {
					return browser.TypeText(ctx, page, p.Selector, p.Text, p.Clear,
						time.Duration(p.Delay)*time.Millisecond)
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpInteraction)
				}
				return map[string]any{"typed": len(p.Text)}, nil
			},
		},
		{
			Name:          "browser.select",
			Description:   "Select an option on a <select> element by value",
			OpClass:       OpInteraction,
			SessionScoped: true,
			Recordable:    true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"selector":  dispatch.TypeString,
					"value":     dispatch.TypeString,
					"timeout":   dispatch.TypeNumber,
				},
				Required: []string{"sessionId", "selector", "value"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p selectParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				var selected []string
				err := inv.Session.WithPage(func(page *rod.Page) error {
					var err error
					selected, err = browser.SelectOption(ctx, page, p.Selector, []string{p.Value})
					return err
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpInteraction)
				}
				if len(selected) == 0 {
					return nil, types.BrowserError(types.CodeElementNotFound,
						"no option matches value "+p.Value)
				}
				return map[string]any{"selected": selected}, nil
			},
		},
		{
			Name:          "browser.screenshot",
			Description:   "Capture the page, an element, or a clipped region as an image",
			OpClass:       OpScreenshot,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId":      dispatch.TypeString,
					"fullPage":       dispatch.TypeBoolean,
					"selector":       dispatch.TypeString,
					"format":         dispatch.TypeString,
					"quality":        dispatch.TypeNumber,
					"clip":           dispatch.TypeObject,
					"omitBackground": dispatch.TypeBoolean,
					"timeout":        dispatch.TypeNumber,
				},
				Required: []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p screenshotParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				var img []byte
				err := inv.Session.WithPage(func(page *rod.Page) error {
					var err error
					img, err = browser.Screenshot(ctx, page, browser.ScreenshotOptions{
						FullPage:       p.FullPage,
						Selector:       p.Selector,
						Format:         p.Format,
						Quality:        p.Quality,
						Clip:           p.Clip,
						OmitBackground: p.OmitBackground,
					})
					return err
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpScreenshot)
				}
				format := "png"
				if p.Format == "jpeg" {
					format = "jpeg"
				}
				return map[string]any{
					"format": format,
					"data":   base64.StdEncoding.EncodeToString(img),
					"bytes":  len(img),
				}, nil
			},
		},
		{
			Name:          "browser.domSnapshot",
			Description:   "Capture the page DOM as a structured, size-bounded tree",
			OpClass:       OpQuery,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId":         dispatch.TypeString,
					"selector":          dispatch.TypeString,
					"maxNodes":          dispatch.TypeNumber,
					"includeStyles":     dispatch.TypeBoolean,
					"includeAttributes": dispatch.TypeBoolean,
					"timeout":           dispatch.TypeNumber,
				},
				Required: []string{"sessionId"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p domSnapshotParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				var root *browser.DOMNode
				err := inv.Session.WithPage(func(page *rod.Page) error {
					var err error
					root, err = browser.DOMSnapshot(ctx, page, browser.SnapshotOptions{
						Selector:      p.Selector,
						MaxNodes:      p.MaxNodes,
						IncludeAttrs:  p.IncludeAttributes,
						IncludeStyles: p.IncludeStyles,
					})
					return err
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpQuery)
				}
				return map[string]any{"root": root}, nil
			},
		},
		{
			Name:          "browser.eval",
			Description:   "Evaluate a JavaScript expression in the page",
			OpClass:       OpEvaluation,
			SessionScoped: true,
			Schema: dispatch.Schema{
				Properties: map[string]dispatch.ParamType{
					"sessionId": dispatch.TypeString,
					"code":      dispatch.TypeString,
					"timeout":   dispatch.TypeNumber,
				},
				Required: []string{"sessionId", "code"},
			},
			Handler: func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
				var p evalParams
				if err := decode(inv.Params, &p); err != nil {
					return nil, err
				}
				var value any
				err := inv.Session.WithPage(func(page *rod.Page) error {
					var err error
					value, err = browser.Eval(ctx, page, p.Code)
					return err
				})
				if err != nil {
					return nil, types.InferBrowserError(err, OpEvaluation)
				}
				return map[string]any{"value": value}, nil
			},
		},
	}
}
