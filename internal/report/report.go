// Package report renders session activity summaries into the artifacts
// directory and prunes aged artifacts.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/resource"
	"github.com/browsergate/browsergate/internal/session"
	"github.com/browsergate/browsergate/internal/types"
)

// Input is everything a report template can draw on.
type Input struct {
	SessionID   string
	Title       string
	GeneratedAt time.Time
	Console     []types.ConsoleEntry
	Network     []types.NetworkEntry
	Trace       []session.TraceEvent
}

// Counts are derived from Input for the template header.
type counts struct {
	ConsoleErrors int
	NetworkFailed int
	TraceFailed   int
	TraceTotalMS  int64
}

type templateData struct {
	Input
	Counts counts
}

const summaryTemplate = `# {{.Title}}

Session {{.SessionID}}, generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}.

## Activity

| | total | failed |
|---|---|---|
| console entries | {{len .Console}} | {{.Counts.ConsoleErrors}} |
| network requests | {{len .Network}} | {{.Counts.NetworkFailed}} |
| tool calls traced | {{len .Trace}} | {{.Counts.TraceFailed}} |

Total traced execution time: {{.Counts.TraceTotalMS}}ms.
{{if .Trace}}
## Tool calls
{{range .Trace}}
- {{.Timestamp.Format "15:04:05.000"}} {{.Tool}} ({{.DurationMS}}ms){{if .Error}} FAILED: {{.Error}}{{end}}{{end}}
{{end}}{{if .Counts.ConsoleErrors}}
## Console errors
{{range .Console}}{{if eq .Level "error"}}
- {{.Timestamp.Format "15:04:05.000"}} {{.Message}}{{end}}{{end}}
{{end}}`

const networkTemplate = `# {{.Title}}

Session {{.SessionID}}, generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}.

{{len .Network}} requests, {{.Counts.NetworkFailed}} failed.
{{range .Network}}
- {{.Method}} {{.URL}} -> {{.Status}} ({{printf "%.1f" .DurationMS}}ms){{end}}
`

// Service renders reports and manages their lifetime on disk.
type Service struct {
	dir       string
	resources *resource.Set
	templates map[string]*template.Template
}

// NewService parses the built-in templates and ensures the directory exists.
func NewService(dir string, resources *resource.Set) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	s := &Service{dir: dir, resources: resources, templates: make(map[string]*template.Template)}
	for name, text := range map[string]string{
		"session-summary": summaryTemplate,
		"network-digest":  networkTemplate,
	} {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		s.templates[name] = t
	}
	return s, nil
}

// Templates lists the available template names, sorted.
func (s *Service) Templates() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate renders the named template over the input and writes it to the
// artifacts directory, charging the session's disk budget. Returns the
// written path.
func (s *Service) Generate(templateName string, in Input) (string, error) {
	tmpl, ok := s.templates[templateName]
	if !ok {
		return "", types.ProtocolError(types.CodeInvalidParams,
			"unknown report template "+templateName)
	}
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now().UTC()
	}
	if in.Title == "" {
		in.Title = "Session report"
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Input: in, Counts: derive(in)}); err != nil {
		return "", fmt.Errorf("render %s: %w", templateName, err)
	}

	if s.resources != nil {
		if err := s.resources.Disk.Charge(in.SessionID, int64(buf.Len())); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("%s-%s-%s.md", in.SessionID, templateName,
		in.GeneratedAt.Format("20060102-150405"))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	log.Info().Str("session_id", in.SessionID).Str("template", templateName).
		Str("path", path).Msg("Report generated")
	return path, nil
}

// Cleanup removes artifacts older than maxAge (reports, HAR files, traces)
// and credits their size back to the owning session's disk budget when the
// session prefix can be recovered from the filename. Returns the number of
// files removed.
func (s *Service) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("Artifact removal failed")
			continue
		}
		removed++
		if s.resources != nil {
			if sid := sessionPrefix(e.Name()); sid != "" {
				// Best effort. A session destroyed since the write has no
				// reservation left to credit.
				_ = s.resources.Disk.Charge(sid, -info.Size())
			}
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Artifacts pruned")
	}
	return removed, nil
}

func derive(in Input) counts {
	var c counts
	for _, e := range in.Console {
		if e.Level == types.ConsoleError {
			c.ConsoleErrors++
		}
	}
	for _, n := range in.Network {
		if n.Status >= 400 || n.Status == 0 {
			c.NetworkFailed++
		}
	}
	for _, t := range in.Trace {
		c.TraceTotalMS += t.DurationMS
		if t.Error != "" {
			c.TraceFailed++
		}
	}
	return c
}

// sessionPrefix recovers the UUID session ID a generated artifact name
// starts with, or "" when the name has another shape.
func sessionPrefix(name string) string {
	parts := strings.SplitN(name, "-", 6)
	if len(parts) < 6 {
		return ""
	}
	id := strings.Join(parts[:5], "-")
	if len(id) != 36 {
		return ""
	}
	return id
}
