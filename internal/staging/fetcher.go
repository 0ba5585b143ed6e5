package staging

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher downloads resources into a cache directory. A resource already
// present in the cache is not fetched again.
type Fetcher struct {
	cacheDir string
	baseURL  string
	client   *http.Client
}

// NewFetcher creates a fetcher. When baseURL is set it replaces the
// per-resource URL (baseURL + name), which allows serving models from a
// mirror.
func NewFetcher(cacheDir, baseURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Fetcher{
		cacheDir: cacheDir,
		baseURL:  baseURL,
		client:   client,
	}
}

// CacheDir returns the directory resources are staged into
func (f *Fetcher) CacheDir() string {
	return f.cacheDir
}

// Path returns the cache path a resource is staged to
func (f *Fetcher) Path(name string) string {
	return filepath.Join(f.cacheDir, name)
}

// Cached reports whether a resource is already staged
func (f *Fetcher) Cached(name string) bool {
	info, err := os.Stat(f.Path(name))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Stage makes the named resource available locally and returns its path
func (f *Fetcher) Stage(ctx context.Context, name, source string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("invalid resource name %q", name)
	}

	dest := f.Path(name)
	if f.Cached(name) {
		return dest, nil
	}

	if f.baseURL != "" {
		source = f.baseURL + name
	}
	if source == "" {
		return "", fmt.Errorf("no source for resource %q", name)
	}

	if err := os.MkdirAll(f.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	start := time.Now()
	body, err := f.open(ctx, source)
	if err != nil {
		return "", err
	}
	defer body.Close()

	n, err := writeAtomic(dest, body)
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}

	log.Printf("[Staging] Fetched %s (%d bytes) in %v", name, n, time.Since(start).Round(time.Millisecond))
	return dest, nil
}

func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", source, err)
	}

	switch u.Scheme {
	case "http", "https":
	case "file":
		return os.Open(u.Path)
	case "":
		return os.Open(source)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s returned status %d", source, resp.StatusCode)
	}
	return resp.Body, nil
}

// writeAtomic writes r to a temporary file next to dest and renames it into
// place, so a partially written file is never visible as cached
func writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(tmp, r)
	if err == nil && n == 0 {
		err = fmt.Errorf("empty response")
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}
