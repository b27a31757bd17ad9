// Package blobstore abstracts where finished archives and fetch scratch
// copies live, so the pipeline is independent of a specific backend (Google
// Cloud Storage, the local filesystem, or memory for tests).
package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Store is a flat keyed blob store.
type Store interface {
	// Put uploads the reader's contents under key and returns the
	// object's URI.
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Nop discards writes and holds nothing, for --dry-run.
type Nop struct{}

func (Nop) Put(_ context.Context, key, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "nop://" + key, nil
}

func (Nop) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("nop store has no object %s", key)
}

func (Nop) List(context.Context, string) ([]string, error) { return nil, nil }

// SplitURL separates a store URL like gs://bucket/some/prefix into its
// scheme and remainder. The factory in the cmd package maps schemes to
// backends so library code never imports all of them.
func SplitURL(raw string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("blob store url %q has no scheme", raw)
	}
	return scheme, rest, nil
}
