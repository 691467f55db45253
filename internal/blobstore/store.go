// Package blobstore persists card images on an afero filesystem and hands out
// URLs for them.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const imagesDir = "images"

var (
	// ErrInvalidKey indicates that an owner or card identifier cannot be used as a path segment.
	ErrInvalidKey = errors.New("blobstore: invalid key")
	// ErrEmptyBlob indicates that an upload carried no bytes.
	ErrEmptyBlob = errors.New("blobstore: empty blob")
	// ErrBlobNotFound indicates that no blob exists for the requested key.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
)

// Config describes where blobs live and how their URLs are formed.
type Config struct {
	Filesystem afero.Fs
	Root       string
	BaseURL    string
}

// Store is a filesystem-backed blob store.
type Store struct {
	fs      afero.Fs
	root    string
	baseURL string
}

// New constructs a Store. A nil filesystem defaults to the OS filesystem.
func New(cfg Config) (*Store, error) {
	fs := cfg.Filesystem
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("blobstore: root is required")
	}
	if err := fs.MkdirAll(filepath.Join(root, imagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: prepare root: %w", err)
	}
	return &Store{
		fs:      fs,
		root:    root,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
	}, nil
}

// Upload stores data for the card and returns its public URL.
func (s *Store) Upload(ctx context.Context, ownerID, cardID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	relative, err := blobPath(ownerID, cardID)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.root, filepath.FromSlash(relative))
	if err := s.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := afero.WriteFile(s.fs, fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	return s.URL(relative), nil
}

// Open returns the stored bytes for the card.
func (s *Store) Open(ctx context.Context, ownerID, cardID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	relative, err := blobPath(ownerID, cardID)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, filepath.Join(s.root, filepath.FromSlash(relative)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

// Delete removes the card's blob. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, ownerID, cardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	relative, err := blobPath(ownerID, cardID)
	if err != nil {
		return err
	}
	err = s.fs.Remove(filepath.Join(s.root, filepath.FromSlash(relative)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: remove: %w", err)
	}
	return nil
}

// List returns the slash-separated keys stored under prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned := path.Clean("/" + strings.TrimSpace(prefix))
	if strings.Contains(cleaned, "..") {
		return nil, ErrInvalidKey
	}
	start := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	exists, err := afero.Exists(s.fs, start)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var keys []string
	walkErr := afero.Walk(s.fs, start, func(current string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relative, relErr := filepath.Rel(s.root, current)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(relative))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(keys)
	return keys, nil
}

// URL renders the public URL for a stored key.
func (s *Store) URL(key string) string {
	if s.baseURL == "" {
		return "/" + key
	}
	return s.baseURL + "/" + key
}

// OwnerPrefix returns the List prefix covering every image of ownerID.
func OwnerPrefix(ownerID string) string {
	return imagesDir + "/" + ownerID
}

func blobPath(ownerID, cardID string) (string, error) {
	for _, segment := range []string{ownerID, cardID} {
		if strings.TrimSpace(segment) == "" || segment == "." || segment == ".." || strings.ContainsAny(segment, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, segment)
		}
	}
	return imagesDir + "/" + ownerID + "/" + cardID, nil
}
