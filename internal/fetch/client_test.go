package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClient_FetchWritesFileAndReportsProgress(t *testing.T) {
	body := strings.Repeat("x", 300*1024)
	var gotQuality, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuality = r.URL.Query().Get("quality")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var lastDownloaded, lastTotal int64
	c := NewClient(time.Minute)
	path, err := c.Fetch(context.Background(), Request{
		FileName:  "lesson-01.mp4",
		SourceURL: srv.URL + "/lesson-01",
		Dir:       dir,
		Quality:   "720p",
		AuthToken: "tok123",
		Progress: func(downloaded, total int64) {
			lastDownloaded, lastTotal = downloaded, total
		},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != filepath.Join(dir, "lesson-01.mp4") {
		t.Fatalf("unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if len(data) != len(body) {
		t.Fatalf("expected %d bytes, got %d", len(body), len(data))
	}
	if lastDownloaded != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Fatalf("progress not reported to completion: %d/%d", lastDownloaded, lastTotal)
	}
	if gotQuality != "720p" {
		t.Fatalf("quality not forwarded, got %q", gotQuality)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("auth token not forwarded, got %q", gotAuth)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatalf("part file must be renamed away")
	}
}

func TestClient_FetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(time.Minute)
	_, err := c.Fetch(context.Background(), Request{
		FileName:  "f.bin",
		SourceURL: srv.URL,
		Dir:       t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestClient_FetchDetectsShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewClient(time.Minute)
	_, err := c.Fetch(context.Background(), Request{
		FileName:  "f.bin",
		SourceURL: srv.URL,
		Dir:       dir,
	})
	if err == nil {
		t.Fatalf("expected short body error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "f.bin")); !os.IsNotExist(statErr) {
		t.Fatalf("failed transfer must not leave a final file")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "f.bin.part")); !os.IsNotExist(statErr) {
		t.Fatalf("failed transfer must clean up its part file")
	}
}

func TestClient_FetchValidatesRequest(t *testing.T) {
	c := NewClient(time.Minute)
	if _, err := c.Fetch(context.Background(), Request{FileName: "f", Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for missing URL")
	}
	if _, err := c.Fetch(context.Background(), Request{SourceURL: "http://x", Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for missing file name")
	}
}
