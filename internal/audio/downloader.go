package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	defaultExt      = ".wav"
	defaultMaxBytes = 20 << 20
)

// ErrTooLarge is returned when a clip exceeds the download cap.
var ErrTooLarge = errors.New("audio download: clip exceeds size limit")

// Downloader fetches job audio to local disk before the job is queued.
type Downloader struct {
	client   *http.Client
	dir      string
	maxBytes int64
}

// NewDownloader constructs a downloader writing into dir. Bodies larger
// than maxBytes are rejected; zero or less selects 20 MiB.
func NewDownloader(dir string, timeout time.Duration, maxBytes int64) *Downloader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Downloader{client: &http.Client{Timeout: timeout}, dir: dir, maxBytes: maxBytes}
}

// Fetch downloads rawURL into <dir>/<jobID><ext> and returns the path.
// Each job gets its own file so queued jobs never overwrite each other.
func (d *Downloader) Fetch(ctx context.Context, jobID uuid.UUID, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("audio download: invalid url %q", rawURL)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("audio download: create dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("audio download: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("audio download: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("audio download: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, resp.ContentLength, d.maxBytes)
	}

	ext := path.Ext(u.Path)
	if ext == "" {
		ext = defaultExt
	}
	target := filepath.Join(d.dir, jobID.String()+ext)

	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("audio download: temp file: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio download: write: %w", err)
	}
	if n > d.maxBytes {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w (over %d bytes)", ErrTooLarge, d.maxBytes)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio download: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("audio download: rename: %w", err)
	}
	return target, nil
}

// Remove deletes a downloaded file. Paths outside the download directory
// are left alone.
func (d *Downloader) Remove(p string) error {
	if p == "" || filepath.Dir(p) != filepath.Clean(d.dir) {
		return nil
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("audio cleanup: %w", err)
	}
	return nil
}
