package har

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/browsergate/browsergate/internal/resource"
	"github.com/browsergate/browsergate/internal/types"
)

func sampleEntries() []types.NetworkEntry {
	return []types.NetworkEntry{
		{
			Timestamp:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Method:          "GET",
			URL:             "https://example.com/",
			Status:          200,
			RequestHeaders:  map[string]string{"accept": "text/html"},
			ResponseHeaders: map[string]string{"content-type": "text/html"},
			DurationMS:      42.5,
		},
		{
			Timestamp:      time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
			Method:         "POST",
			URL:            "https://example.com/api",
			Status:         404,
			RequestHeaders: map[string]string{"content-type": "application/json"},
			RequestBody:    `{"q":1}`,
			DurationMS:     10,
		},
	}
}

func TestBuildDocument(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "1.0.0", nil)
	if err != nil {
		t.Fatal(err)
	}

	doc := e.Build(sampleEntries())
	if doc.Log.Version != "1.2" {
		t.Errorf("version = %s", doc.Log.Version)
	}
	if doc.Log.Creator.Name != "browsergate" || doc.Log.Creator.Version != "1.0.0" {
		t.Errorf("creator = %+v", doc.Log.Creator)
	}
	if len(doc.Log.Entries) != 2 {
		t.Fatalf("entries = %d", len(doc.Log.Entries))
	}

	get := doc.Log.Entries[0]
	if get.Request.Method != "GET" || get.Response.Status != 200 || get.Response.StatusText != "OK" {
		t.Errorf("entry 1 = %+v", get)
	}
	if get.Time != 42.5 || get.Timings.Wait != 42.5 {
		t.Errorf("timing = %v / %+v", get.Time, get.Timings)
	}
	if len(get.Request.Headers) != 1 || get.Request.Headers[0].Name != "accept" {
		t.Errorf("request headers = %+v", get.Request.Headers)
	}
	if get.Request.PostData != nil {
		t.Error("GET entry should carry no postData")
	}

	post := doc.Log.Entries[1]
	if post.Response.StatusText != "Not Found" {
		t.Errorf("statusText = %s", post.Response.StatusText)
	}
	if post.Request.PostData == nil || post.Request.PostData.Text != `{"q":1}` {
		t.Errorf("postData = %+v", post.Request.PostData)
	}
	if post.Request.PostData.MimeType != "application/json" {
		t.Errorf("postData mime = %s", post.Request.PostData.MimeType)
	}
}

func TestBuildMimeTypeCaseInsensitive(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "1.0.0", nil)
	if err != nil {
		t.Fatal(err)
	}

	// CDP delivers canonical header casing.
	doc := e.Build([]types.NetworkEntry{{
		Timestamp:       time.Now(),
		Method:          "POST",
		URL:             "https://example.com/api",
		Status:          200,
		RequestHeaders:  map[string]string{"Content-Type": "application/json"},
		ResponseHeaders: map[string]string{"Content-Type": "text/html; charset=utf-8"},
		RequestBody:     `{"q":1}`,
		ResponseBody:    "<html></html>",
	}})

	entry := doc.Log.Entries[0]
	if entry.Response.Content.MimeType != "text/html; charset=utf-8" {
		t.Errorf("response mime = %q", entry.Response.Content.MimeType)
	}
	if entry.Request.PostData == nil || entry.Request.PostData.MimeType != "application/json" {
		t.Errorf("postData = %+v", entry.Request.PostData)
	}
}

func TestExportWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	e, err := NewExporter(dir, "1.0.0", nil)
	if err != nil {
		t.Fatal(err)
	}

	path, err := e.Export("sess-1", sampleEntries())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, dir) || !strings.HasSuffix(path, ".har") {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("exported file is not valid JSON: %v", err)
	}
	if len(doc.Log.Entries) != 2 {
		t.Errorf("round-tripped entries = %d", len(doc.Log.Entries))
	}
}

func TestExportChargesDiskBudget(t *testing.T) {
	set := resource.NewSet(resource.Config{
		MemoryLimitBytes: 1 << 30,
		DiskLimitBytes:   1 << 20,
		CPUSlots:         4,
	})
	if err := set.Admit("sess-1", 1<<20, 1024, 1); err != nil {
		t.Fatal(err)
	}

	e, err := NewExporter(t.TempDir(), "1.0.0", set)
	if err != nil {
		t.Fatal(err)
	}

	before := set.Disk.SessionUsage("sess-1")
	if _, err := e.Export("sess-1", sampleEntries()); err != nil {
		t.Fatal(err)
	}
	if after := set.Disk.SessionUsage("sess-1"); after <= before {
		t.Errorf("disk usage %d -> %d, expected a charge", before, after)
	}
}

func TestExportRejectedWhenDiskExhausted(t *testing.T) {
	set := resource.NewSet(resource.Config{
		MemoryLimitBytes: 1 << 30,
		DiskLimitBytes:   1100,
		CPUSlots:         4,
	})
	if err := set.Admit("sess-1", 1, 1024, 1); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	e, err := NewExporter(dir, "1.0.0", set)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Export("sess-1", sampleEntries()); err == nil {
		t.Fatal("export should fail when the disk budget is exhausted")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Error("rejected export should not leave a file behind")
	}
}
