package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appLog "calwatch/internal/log"
)

// Source represents a single ICS subscription source.
type Source struct {
	// ID is an internal identifier (the config source key).
	ID string
	// URL is the ICS endpoint: an http(s) URL or a local filesystem path.
	URL string
}

// ErrorKind classifies fetch failures for the source-status display.
type ErrorKind string

const (
	ErrTimeout ErrorKind = "timeout"
	ErrDNS     ErrorKind = "dns"
	ErrHTTP    ErrorKind = "http"
	ErrFile    ErrorKind = "file"
	ErrNetwork ErrorKind = "network"
)

// FetchError is the typed failure for a single source fetch. A failed source
// never aborts the other sources; the aggregation pass simply proceeds
// without it.
type FetchError struct {
	SourceID string
	Kind     ErrorKind
	Message  string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %s", e.SourceID, e.Kind, e.Message)
}

func newFetchError(src Source, kind ErrorKind, err error) *FetchError {
	return &FetchError{SourceID: src.ID, Kind: kind, Message: err.Error()}
}

// classifyNetErr maps a transport error onto the FetchError taxonomy.
func classifyNetErr(src Source, err error) *FetchError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newFetchError(src, ErrDNS, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newFetchError(src, ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newFetchError(src, ErrTimeout, err)
	}
	return newFetchError(src, ErrNetwork, err)
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304
	Stale     bool   // true if the cached body was served because the fetch failed
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher is responsible for fetching ICS feeds with HTTP caching
// (ETag / Last-Modified) and disk-backed cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a new ICS Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/calwatch/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		// Caller should set this explicitly; we fallback to a relative dir
		// so that development runs without root permissions.
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches all given sources concurrently and returns individual
// results. Errors for individual sources are logged and returned in the
// error slice; one source failing never prevents the others from being
// fetched.
//
// The returned slice of results will only contain entries for sources that
// successfully produced a body (either from network or cache). Result order
// follows the input source order regardless of completion order.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []*FetchError) {
	type slot struct {
		res FetchResult
		err *FetchError
	}
	slots := make([]slot, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			res, err := f.FetchOne(ctx, src)
			if err != nil {
				slots[i].err = err
				appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
				return
			}
			slots[i].res = res
		}(i, src)
	}
	wg.Wait()

	results := make([]FetchResult, 0, len(sources))
	errs := make([]*FetchError, 0)
	for _, s := range slots {
		if s.err != nil {
			errs = append(errs, s.err)
			continue
		}
		results = append(results, s.res)
	}
	return results, errs
}

// FetchOne fetches a single ICS source. Local paths are read directly; URLs
// go through the HTTP client honoring ETag and Last-Modified, with a disk
// cache under f.cacheDir keyed by a hash of the URL.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, *FetchError) {
	if src.URL == "" {
		return FetchResult{}, newFetchError(src, ErrFile, errors.New("source URL is empty"))
	}

	if i := strings.Index(src.URL, "://"); i >= 0 {
		scheme := src.URL[:i]
		switch scheme {
		case "http", "https":
			return f.fetchHTTP(ctx, src)
		case "webcal", "webcals":
			// Published calendar links often carry the webcal scheme;
			// it is plain https underneath.
			src.URL = "https://" + src.URL[i+len("://"):]
			return f.fetchHTTP(ctx, src)
		case "file":
			return f.fetchLocal(src)
		default:
			return FetchResult{}, newFetchError(src, ErrNetwork, fmt.Errorf("unsupported URL scheme %q", scheme))
		}
	}
	return f.fetchLocal(src)
}

func (f *Fetcher) fetchLocal(src Source) (FetchResult, *FetchError) {
	path := strings.TrimPrefix(src.URL, "file://")

	body, err := os.ReadFile(path)
	if err != nil {
		return FetchResult{}, newFetchError(src, ErrFile, err)
	}

	appLog.Info("ics read local file", "id", src.ID, "path", path, "bytes", len(body))
	return FetchResult{Source: src, Body: body}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) (FetchResult, *FetchError) {
	cachePath, err := f.cachePathForURL(src.URL)
	if err != nil {
		return FetchResult{}, newFetchError(src, ErrFile, err)
	}

	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, newFetchError(src, ErrFile, err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, newFetchError(src, ErrNetwork, err)
	}

	// Conditional headers from cache metadata.
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		// Network error; if we have a cached body, fall back to it but mark
		// the result stale so the source shows as errored in the UI.
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return FetchResult{
				Source:    src,
				Body:      cachedBody,
				FromCache: true,
				Stale:     true,
			}, nil
		}
		return FetchResult{}, classifyNetErr(src, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fresh content.
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, classifyNetErr(src, readErr)
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    time.Now().UTC(),
		}

		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "from_cache", false)

		return FetchResult{
			Source:    src,
			Body:      body,
			FromCache: false,
		}, nil

	case http.StatusNotModified:
		// No change; use cached body if available.
		if len(cachedBody) == 0 {
			// 304 but no cached body: treat as error.
			return FetchResult{}, newFetchError(src, ErrHTTP, errors.New("received 304 Not Modified but no cached body available"))
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{
			Source:    src,
			Body:      cachedBody,
			FromCache: true,
		}, nil

	default:
		// Non-OK status: if we have cached data, fall back to it.
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return FetchResult{
				Source:    src,
				Body:      cachedBody,
				FromCache: true,
				Stale:     true,
			}, nil
		}
		return FetchResult{}, newFetchError(src, ErrHTTP, errors.New(resp.Status))
	}
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	metaFile := filepath.Join(cachePath, "meta.json")

	data, err := os.ReadFile(metaFile)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	bodyFile := filepath.Join(cachePath, "body.ics")
	return os.ReadFile(bodyFile)
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	metaFile := filepath.Join(cachePath, "meta.json")
	bodyFile := filepath.Join(cachePath, "body.ics")

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(bodyFile, body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(metaFile, data, 0o600); err != nil {
		return err
	}

	return nil
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
func redactURL(u string) string {
	// Very simple redaction to avoid logging query strings / paths in full.
	// Example:
	//   https://example.com/path/to/private.ics?token=abcd
	// -> https://example.com/...(redacted)
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	host := u[:j]
	return host + redactedSuffix
}
