package browser

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"golang.org/x/net/html"
)

// WaitUntil names the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// NavResult describes a completed navigation.
type NavResult struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	LoadMS int64  `json:"loadMs"`
}

// Navigate drives the page to url and blocks until the requested lifecycle
// event fires or ctx expires.
func Navigate(ctx context.Context, page *rod.Page, url string, waitUntil WaitUntil) (*NavResult, error) {
	p := page.Context(ctx)
	start := time.Now()

	var event proto.PageLifecycleEventName
	switch waitUntil {
	case WaitDOMContentLoaded:
		event = proto.PageLifecycleEventNameDOMContentLoaded
	case WaitNetworkIdle:
		event = proto.PageLifecycleEventNameNetworkIdle
	default:
		event = proto.PageLifecycleEventNameLoad
	}

	wait := p.WaitNavigation(event)
	if err := p.Navigate(url); err != nil {
		return nil, err
	}
	wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := p.Info()
	if err != nil {
		return nil, err
	}
	return &NavResult{
		URL:    info.URL,
		Title:  info.Title,
		LoadMS: time.Since(start).Milliseconds(),
	}, nil
}

// ClickOptions carries the optional click modifiers. A Position click
// bypasses element resolution and clicks raw page coordinates. Force
// dispatches the click through the DOM, skipping visibility checks.
type ClickOptions struct {
	Force    bool
	Position *Point
}

// Point is a page coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Click finds the element, scrolls it into view, and clicks it.
func Click(ctx context.Context, page *rod.Page, selector string, opts ClickOptions) error {
	p := page.Context(ctx)

	if opts.Position != nil {
		if err := p.Mouse.MoveTo(proto.NewPoint(opts.Position.X, opts.Position.Y)); err != nil {
			return err
		}
		return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
	}

	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	if opts.Force {
		_, err = el.Eval(`() => this.click()`)
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// TypeText focuses the element and types text into it. With clear set, the
// existing value is selected and replaced. A positive delay inserts one rune
// at a time with the given pause, approximating human typing.
func TypeText(ctx context.Context, page *rod.Page, selector, text string, clear bool, delay time.Duration) error {
	p := page.Context(ctx)
	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	if clear {
		if err := el.SelectAllText(); err != nil {
			return err
		}
		if err := el.Type(input.Backspace); err != nil {
			return err
		}
	}
	if delay <= 0 {
		return el.Input(text)
	}
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.InsertText(string(r)); err != nil {
			return err
		}
		time.Sleep(delay)
	}
	return nil
}

// SelectOption sets the chosen values on a <select> element and fires the
// input and change events sites listen for.
func SelectOption(ctx context.Context, page *rod.Page, selector string, values []string) ([]string, error) {
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return nil, err
	}
	res, err := el.Eval(`(values) => {
		const set = new Set(values);
		const selected = [];
		for (const opt of this.options) {
			opt.selected = set.has(opt.value);
			if (opt.selected) selected.push(opt.value);
		}
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
		return selected;
	}`, values)
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, v := range res.Value.Arr() {
		selected = append(selected, v.Str())
	}
	return selected, nil
}

// ScreenshotOptions controls capture format and scope. Selector wins over
// FullPage and Clip; Clip wins over FullPage.
type ScreenshotOptions struct {
	FullPage       bool
	Selector       string
	Format         string // "png" or "jpeg"
	Quality        int    // jpeg only, 0-100
	Clip           *Clip
	OmitBackground bool
}

// Clip is a capture rectangle in page coordinates.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Screenshot captures the page, an element, or a clipped region.
func Screenshot(ctx context.Context, page *rod.Page, opts ScreenshotOptions) ([]byte, error) {
	p := page.Context(ctx)

	format := proto.PageCaptureScreenshotFormatPng
	quality := 0
	if strings.EqualFold(opts.Format, "jpeg") {
		format = proto.PageCaptureScreenshotFormatJpeg
		quality = opts.Quality
	}

	if opts.OmitBackground {
		err := proto.EmulationSetDefaultBackgroundColorOverride{
			Color: &proto.DOMRGBA{R: 0, G: 0, B: 0, A: gson.Num(0)},
		}.Call(p)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = proto.EmulationSetDefaultBackgroundColorOverride{}.Call(p)
		}()
	}

	if opts.Selector != "" {
		el, err := p.Element(opts.Selector)
		if err != nil {
			return nil, err
		}
		if err := el.ScrollIntoView(); err != nil {
			return nil, err
		}
		return el.Screenshot(format, quality)
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if quality > 0 {
		req.Quality = &quality
	}
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  1,
		}
	}
	return p.Screenshot(opts.FullPage && opts.Clip == nil, req)
}

// Eval runs a JavaScript expression in the page and returns its JSON value.
func Eval(ctx context.Context, page *rod.Page, expression string) (any, error) {
	res, err := page.Context(ctx).Eval(expression)
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

// DOMNode is one element in a structured DOM snapshot.
type DOMNode struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Styles   map[string]string `json:"styles,omitempty"`
	Text     string            `json:"text,omitempty"`
	Children []*DOMNode        `json:"children,omitempty"`
}

// Snapshot node cap: deep pages truncate rather than ballooning responses.
const maxSnapshotNodes = 5000

// SnapshotOptions controls DOM snapshot scope and size.
type SnapshotOptions struct {
	Selector      string
	MaxNodes      int // 0 or out of range uses the default cap
	IncludeAttrs  bool
	IncludeStyles bool // parse inline style attributes into per-node maps
}

// DOMSnapshot parses the page's current HTML into a structured tree, rooted
// at the selector when given and truncated at the node budget.
func DOMSnapshot(ctx context.Context, page *rod.Page, opts SnapshotOptions) (*DOMNode, error) {
	p := page.Context(ctx)

	var markup string
	var err error
	if opts.Selector != "" {
		el, elErr := p.Element(opts.Selector)
		if elErr != nil {
			return nil, elErr
		}
		markup, err = el.HTML()
	} else {
		markup, err = p.HTML()
	}
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}

	budget := opts.MaxNodes
	if budget <= 0 || budget > maxSnapshotNodes {
		budget = maxSnapshotNodes
	}
	root := firstElement(doc)
	if root == nil {
		return &DOMNode{Tag: "html"}, nil
	}
	return buildNode(root, opts, &budget), nil
}

func firstElement(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if el := firstElement(c); el != nil {
			return el
		}
	}
	return nil
}

func buildNode(n *html.Node, opts SnapshotOptions, budget *int) *DOMNode {
	if *budget <= 0 {
		return nil
	}
	*budget--

	node := &DOMNode{Tag: n.Data}
	for _, a := range n.Attr {
		if opts.IncludeAttrs {
			if node.Attrs == nil {
				node.Attrs = make(map[string]string, len(n.Attr))
			}
			node.Attrs[a.Key] = a.Val
		}
		if opts.IncludeStyles && a.Key == "style" {
			node.Styles = parseInlineStyle(a.Val)
		}
	}

	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			text.WriteString(c.Data)
		case html.ElementNode:
			if child := buildNode(c, opts, budget); child != nil {
				node.Children = append(node.Children, child)
			}
		}
	}
	if t := strings.TrimSpace(text.String()); t != "" {
		node.Text = t
	}
	return node
}

// parseInlineStyle splits a style attribute into property/value pairs.
func parseInlineStyle(style string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.TrimSpace(strings.ToLower(prop))
		val = strings.TrimSpace(val)
		if prop != "" && val != "" {
			out[prop] = val
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
