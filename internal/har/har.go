// Package har renders a session's recent network activity as an HTTP
// Archive (HAR 1.2) file under the artifacts directory.
package har

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/resource"
	"github.com/browsergate/browsergate/internal/types"
)

// HAR 1.2 document structure. Only the fields the format requires plus the
// ones the network ring can populate; unknowable timing phases are -1 as
// the spec of the format prescribes for absent values.

type File struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Entry struct {
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            float64   `json:"time"`
	Request         Request   `json:"request"`
	Response        Response  `json:"response"`
	Cache           struct{}  `json:"cache"`
	Timings         Timings   `json:"timings"`
}

type Request struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []Header `json:"headers"`
	QueryString []Header `json:"queryString"`
	HeadersSize int      `json:"headersSize"`
	BodySize    int      `json:"bodySize"`
	PostData    *Body    `json:"postData,omitempty"`
}

type Response struct {
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []Header `json:"headers"`
	Content     Body     `json:"content"`
	RedirectURL string   `json:"redirectURL"`
	HeadersSize int      `json:"headersSize"`
	BodySize    int      `json:"bodySize"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Body struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Size     int    `json:"size"`
}

type Timings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// Exporter writes HAR files into the artifacts directory, charging each
// write against the session's disk budget.
type Exporter struct {
	dir       string
	resources *resource.Set
	version   string
}

// NewExporter creates the artifacts directory if needed.
func NewExporter(dir, version string, resources *resource.Set) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Exporter{dir: dir, resources: resources, version: version}, nil
}

// Build converts ring-buffer entries into a HAR document.
func (e *Exporter) Build(entries []types.NetworkEntry) *File {
	har := &File{Log: Log{
		Version: "1.2",
		Creator: Creator{Name: "browsergate", Version: e.version},
		Entries: make([]Entry, 0, len(entries)),
	}}
	for _, n := range entries {
		entry := Entry{
			StartedDateTime: n.Timestamp,
			Time:            n.DurationMS,
			Request: Request{
				Method:      n.Method,
				URL:         n.URL,
				HTTPVersion: "HTTP/1.1",
				Headers:     headersSorted(n.RequestHeaders),
				QueryString: []Header{},
				HeadersSize: -1,
				BodySize:    len(n.RequestBody),
			},
			Response: Response{
				Status:      n.Status,
				StatusText:  http.StatusText(n.Status),
				HTTPVersion: "HTTP/1.1",
				Headers:     headersSorted(n.ResponseHeaders),
				Content: Body{
					MimeType: headerValue(n.ResponseHeaders, "content-type"),
					Text:     n.ResponseBody,
					Size:     len(n.ResponseBody),
				},
				RedirectURL: "",
				HeadersSize: -1,
				BodySize:    len(n.ResponseBody),
			},
			Timings: Timings{Send: -1, Wait: n.DurationMS, Receive: -1},
		}
		if n.RequestBody != "" {
			entry.Request.PostData = &Body{
				MimeType: headerValue(n.RequestHeaders, "content-type"),
				Text:     n.RequestBody,
				Size:     len(n.RequestBody),
			}
		}
		har.Log.Entries = append(har.Log.Entries, entry)
	}
	return har
}

// Export builds the document and writes it to disk. Returns the absolute
// path of the written file.
func (e *Exporter) Export(sessionID string, entries []types.NetworkEntry) (string, error) {
	har := e.Build(entries)
	data, err := json.MarshalIndent(har, "", "  ")
	if err != nil {
		return "", err
	}

	if e.resources != nil {
		if err := e.resources.Disk.Charge(sessionID, int64(len(data))); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("%s-%s.har", sessionID, time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write har: %w", err)
	}

	log.Info().Str("session_id", sessionID).Str("path", path).Int("entries", len(entries)).Msg("HAR exported")
	return path, nil
}

// headerValue looks a header up case-insensitively; CDP delivers canonical
// casing like Content-Type.
func headerValue(m map[string]string, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func headers(m map[string]string) []Header {
	out := make([]Header, 0, len(m))
	for k, v := range m {
		out = append(out, Header{Name: k, Value: v})
	}
	return out
}

func headersSorted(m map[string]string) []Header {
	out := headers(m)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
