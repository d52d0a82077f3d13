package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrStorageUnavailable means neither persistence target can accept
	// writes right now.
	ErrStorageUnavailable = errors.New("no storage target available")

	// ErrPersistence wraps failures while downloading a source image or
	// writing it to the chosen target. Source URLs are time-limited, so
	// callers must re-invoke with a fresh URL rather than retry the same
	// one.
	ErrPersistence = errors.New("image persistence failed")
)

// Target is a chosen persistence backend.
type Target int

const (
	TargetRemote Target = iota
	TargetLocal
)

func (t Target) String() string {
	switch t {
	case TargetRemote:
		return "remote"
	case TargetLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ProbeResult reports which targets answered a reachability check.
type ProbeResult struct {
	RemoteAvailable bool
	LocalAvailable  bool
}

// ChooseTarget selects the persistence target for a probe result: remote
// when reachable, else local, else ErrStorageUnavailable. Deterministic.
func ChooseTarget(result ProbeResult) (Target, error) {
	switch {
	case result.RemoteAvailable:
		return TargetRemote, nil
	case result.LocalAvailable:
		return TargetLocal, nil
	default:
		return 0, ErrStorageUnavailable
	}
}

// Resolver persists provider-hosted images to durable storage, choosing
// between the remote object store and the local filesystem.
type Resolver struct {
	remote     *MinioStore
	local      *FileStore
	httpClient *http.Client
}

// NewResolver wires the available targets. Either store may be nil when
// that backend is not configured.
func NewResolver(remote *MinioStore, local *FileStore) *Resolver {
	return &Resolver{
		remote: remote,
		local:  local,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Probe re-checks both targets on every call; results are deliberately
// not cached (call frequency is low, and a stale positive would fail the
// following write anyway). The two checks run concurrently.
func (r *Resolver) Probe(ctx context.Context) ProbeResult {
	var result ProbeResult
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if r.remote != nil {
			result.RemoteAvailable = r.remote.Probe(ctx)
		}
		return nil
	})
	g.Go(func() error {
		if r.local != nil {
			result.LocalAvailable = r.local.Probe()
		}
		return nil
	})
	_ = g.Wait()
	return result
}

// PersistImage downloads the time-limited source URL and re-uploads the
// bytes under key on the chosen target, returning a stable URL. Partial
// writes are not retried here.
func (r *Resolver) PersistImage(ctx context.Context, sourceURL string, target Target, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: bad source url: %v", ErrPersistence, err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch source: %v", ErrPersistence, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: source returned %s", ErrPersistence, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}

	switch target {
	case TargetRemote:
		if r.remote == nil {
			return "", fmt.Errorf("%w: remote target not configured", ErrPersistence)
		}
		if err := r.remote.Put(ctx, key, resp.Body, resp.ContentLength, contentType); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return r.remote.PublicURL(key), nil
	case TargetLocal:
		if r.local == nil {
			return "", fmt.Errorf("%w: local target not configured", ErrPersistence)
		}
		storedURL, err := r.local.Save(key, resp.Body)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return storedURL, nil
	default:
		return "", fmt.Errorf("%w: unknown target", ErrPersistence)
	}
}

// IllustrationKey is the object key under which one page's illustration
// is stored.
func IllustrationKey(storyID string, pageNumber int) string {
	return path.Join("stories", storyID, fmt.Sprintf("page-%d.png", pageNumber))
}

// DeleteStoryImages removes a story's persisted illustrations from every
// configured target. Missing objects are not an error; the first real
// failure is returned after all targets have been tried.
func (r *Resolver) DeleteStoryImages(ctx context.Context, storyID string, pageNumbers []int) error {
	var firstErr error
	if r.remote != nil {
		for _, pageNumber := range pageNumbers {
			if err := r.remote.Delete(ctx, IllustrationKey(storyID, pageNumber)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if r.local != nil {
		if err := r.local.Delete(path.Join("stories", storyID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
