// ABOUTME: Object-storage uploader and HTTP fetcher for message media
// ABOUTME: Only URLs flow back into the store, never raw bytes

package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Uploader stores a media buffer and returns a stable public URL for it.
type Uploader interface {
	Upload(ctx context.Context, data []byte, folder string) (string, error)
}

// Fetcher retrieves the raw bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DirUploader writes buffers under a local directory served at BaseURL.
// Stands in for a hosted object store in single-node deployments.
type DirUploader struct {
	Dir     string
	BaseURL string
}

// Upload implements Uploader.
func (u *DirUploader) Upload(_ context.Context, data []byte, folder string) (string, error) {
	name := uuid.New().String()
	dir := filepath.Join(u.Dir, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating media directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("writing media object: %w", err)
	}
	return strings.TrimSuffix(u.BaseURL, "/") + "/" + folder + "/" + name, nil
}

// HTTPFetcher fetches media over HTTP with a bounded timeout.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with a 30s request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	return data, nil
}

var _ Uploader = (*DirUploader)(nil)
var _ Fetcher = (*HTTPFetcher)(nil)
