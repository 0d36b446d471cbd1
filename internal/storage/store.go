package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// Store keeps export artifacts under a base URL on any afs-supported backend
// (local paths, file://, mem://, cloud buckets).
type Store struct {
	fs      afs.Service
	baseURL string

	mu       sync.Mutex
	prepared bool
}

func New(baseURL string) *Store {
	return &Store{fs: afs.New(), baseURL: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the location artifacts are written under.
func (s *Store) BaseURL() string { return s.baseURL }

// Put uploads r as name and returns the artifact reference.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if err := s.ensureBase(ctx); err != nil {
		return "", err
	}
	ref := s.baseURL + "/" + name
	if err := s.fs.Upload(ctx, ref, file.DefaultFileOsMode, r); err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", ref, err)
	}
	return ref, nil
}

// Get downloads the artifact content.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := s.owns(ref); err != nil {
		return nil, err
	}
	data, err := s.fs.DownloadWithURL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", ref, err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	if err := s.owns(ref); err != nil {
		return false, err
	}
	return s.fs.Exists(ctx, ref)
}

// Delete removes the artifact; a missing artifact is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	exists, err := s.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, ref); err != nil {
		return fmt.Errorf("delete artifact %s: %w", ref, err)
	}
	return nil
}

func (s *Store) ensureBase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return nil
	}
	exists, _ := s.fs.Exists(ctx, s.baseURL)
	if !exists {
		if err := s.fs.Create(ctx, s.baseURL, file.DefaultDirOsMode, true); err != nil {
			return fmt.Errorf("create artifact dir %s: %w", s.baseURL, err)
		}
	}
	s.prepared = true
	return nil
}

func (s *Store) owns(ref string) error {
	if !strings.HasPrefix(ref, s.baseURL+"/") {
		return fmt.Errorf("artifact %q is outside %s", ref, s.baseURL)
	}
	return nil
}
