// Package fetch is the production download executor: a streaming HTTP GET
// into the per-user download directory. The worker pool consumes it as a
// black box returning a local file path or an error.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Request carries everything one transfer needs.
type Request struct {
	FileName  string
	SourceURL string
	Dir       string
	Quality   string
	AuthToken string

	// Progress, when set, receives (downloaded, total) byte counts as the
	// body streams. Total is -1 when the server sent no content length.
	Progress func(downloaded, total int64)
}

type Client struct {
	http    *http.Client
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
	}
}

// Fetch streams the source into dir/filename and returns the final path.
// The write goes to a .part file first so an aborted transfer never leaves
// a plausible-looking final file behind.
func (c *Client) Fetch(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return "", fmt.Errorf("source URL is required")
	}
	if strings.TrimSpace(req.FileName) == "" {
		return "", fmt.Errorf("file name is required")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory %s: %w", req.Dir, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := buildURL(req.SourceURL, req.Quality)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", req.SourceURL, err)
	}
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", req.SourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", req.SourceURL, resp.Status)
	}

	finalPath := filepath.Join(req.Dir, filepath.Base(req.FileName))
	partPath := finalPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", partPath, err)
	}

	total := resp.ContentLength
	written, copyErr := copyWithProgress(out, resp.Body, total, req.Progress)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("stream %s: %w", req.SourceURL, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("close %s: %w", partPath, closeErr)
	}
	if total > 0 && written != total {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("stream %s: short body, got %d of %d bytes", req.SourceURL, written, total)
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return "", fmt.Errorf("finalize %s: %w", finalPath, err)
	}
	return finalPath, nil
}

func buildURL(raw, quality string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse source URL %q: %w", raw, err)
	}
	if quality != "" {
		q := u.Query()
		q.Set("quality", quality)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress func(int64, int64)) (int64, error) {
	if progress == nil {
		return io.Copy(dst, src)
	}

	var written int64
	buf := make([]byte, 128*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			progress(written, total)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
